// ABOUTME: Decoder metadata extraction from log messages
// ABOUTME: Reads channels/bitsPerSample/sampleRate labels out of "Decoder got AudioMetadata" lines
package playerlog

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
)

const (
	decoderMarker  = "Decoder got"
	metadataMarker = "AudioMetadata"

	channelsLabel   = "channels:"
	bitDepthLabel   = "bitsPerSample:"
	sampleRateLabel = "sampleRate:"
)

// ExtractStat returns the stream reading encoded in a decoder metadata
// message. A field that fails to parse reads as 0; a missing label, or a
// label with nothing after it, yields ok=false.
func ExtractStat(message string) (audio.StreamStat, bool) {
	if !strings.Contains(message, decoderMarker) || !strings.Contains(message, metadataMarker) {
		return audio.StreamStat{}, false
	}

	tokens := strings.Fields(message)

	channels, ok := valueAfter(tokens, channelsLabel)
	if !ok {
		return audio.StreamStat{}, false
	}
	bitDepth, ok := valueAfter(tokens, bitDepthLabel)
	if !ok {
		return audio.StreamStat{}, false
	}
	sampleRate, ok := valueAfter(tokens, sampleRateLabel)
	if !ok {
		return audio.StreamStat{}, false
	}

	return audio.StreamStat{
		SampleRate: sampleRate,
		BitDepth:   bitDepth,
		Channels:   channels,
		Priority:   audio.DefaultPriority,
	}, true
}

func valueAfter(tokens []string, label string) (int, bool) {
	for i, tok := range tokens {
		if tok != label {
			continue
		}
		if i+1 >= len(tokens) {
			return 0, false
		}
		v, err := strconv.Atoi(strings.TrimFunc(tokens[i+1], unicode.IsPunct))
		if err != nil {
			return 0, true
		}
		return v, true
	}
	return 0, false
}
