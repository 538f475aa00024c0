// ABOUTME: Metadata source combining the log reader and the extractor
// ABOUTME: Yields decoder readings from the recency window, best first
package playerlog

import (
	"context"
	"sort"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/rs/zerolog/log"
)

// DefaultRecencyWindow bounds how old a decoder reading may be. Readings
// from the previous track must never leak into a decision for the next one.
const DefaultRecencyWindow = 3 * time.Second

// Source produces decoder readings from the player log
type Source struct {
	reader *Reader
	window time.Duration
}

// NewSource creates a metadata source over reader
func NewSource(reader *Reader, window time.Duration) *Source {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Source{reader: reader, window: window}
}

// Stats returns every decoder reading inside the window, highest priority
// first and newest first within a priority.
func (s *Source) Stats(ctx context.Context) ([]audio.StreamStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := s.reader.RecentEntries(s.window)
	if err != nil {
		return nil, err
	}

	var stats []audio.StreamStat
	for _, entry := range entries {
		if stat, ok := ExtractStat(entry.Message); ok {
			stats = append(stats, stat)
		}
	}

	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].Priority > stats[j].Priority
	})

	log.Debug().Int("entries", len(entries)).Int("stats", len(stats)).Msg("Scanned player log")
	return stats, nil
}
