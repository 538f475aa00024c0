// ABOUTME: Audio type definitions
// ABOUTME: Defines decoder stream readings and device physical formats
package audio

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPriority is assigned to every decoder reading. There is a single
// metadata source today; the field exists to rank competing sources.
const DefaultPriority = 1

// Rates that miniaudio reports as "any" are expanded to this ladder.
var StandardRates = []float64{44100, 48000, 88200, 96000, 176400, 192000, 352800, 384000}

// StreamStat is one decoder-reported metadata event
type StreamStat struct {
	SampleRate int
	BitDepth   int
	Channels   int
	Priority   int
}

func (s StreamStat) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch (priority %d)", s.SampleRate, s.BitDepth, s.Channels, s.Priority)
}

// PhysicalFormat is a concrete rate/depth pair a device can output
type PhysicalFormat struct {
	SampleRate     float64
	BitsPerChannel int
}

func (f PhysicalFormat) String() string {
	return fmt.Sprintf("%s/%dbit", FormatRate(f.SampleRate), f.BitsPerChannel)
}

// FormatRate renders a rate the way the status display shows it, e.g. "44.1 kHz"
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f kHz", rate/1000)
}

// ParsePhysicalFormat parses "44100/16" style strings used in config files
func ParsePhysicalFormat(s string) (PhysicalFormat, error) {
	rateStr, depthStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return PhysicalFormat{}, fmt.Errorf("invalid format %q: want <rate>/<bits>", s)
	}

	rate, err := strconv.ParseFloat(strings.TrimSpace(rateStr), 64)
	if err != nil || rate <= 0 {
		return PhysicalFormat{}, fmt.Errorf("invalid sample rate in %q", s)
	}

	depth, err := strconv.Atoi(strings.TrimSpace(depthStr))
	if err != nil || depth <= 0 {
		return PhysicalFormat{}, fmt.Errorf("invalid bit depth in %q", s)
	}

	return PhysicalFormat{SampleRate: rate, BitsPerChannel: depth}, nil
}
