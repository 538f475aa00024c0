// ABOUTME: Track change detection loop
// ABOUTME: Polls a Source and pushes changes into the switch scheduler
package track

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often the track source is queried
const DefaultPollInterval = 2 * time.Second

// Sink receives now-playing notifications
type Sink interface {
	SetTrack(id ID) bool
	Renew()
}

// Watcher detects track changes
type Watcher struct {
	source   Source
	sink     Sink
	interval time.Duration
	events   <-chan struct{}
	last     ID
}

// NewWatcher creates a watcher polling source every interval
func NewWatcher(source Source, sink Sink, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{source: source, sink: sink, interval: interval}
}

// WithEvents adds an extra trigger (e.g. MPD player events) that forces a poll
func (w *Watcher) WithEvents(events <-chan struct{}) *Watcher {
	w.events = events
	return w
}

// Run polls until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		case _, ok := <-w.events:
			if !ok {
				w.events = nil
				continue
			}
			w.Notify(ctx)
		}
	}
}

// Poll queries the source once and reports whether the track changed.
// Every successful query is forwarded to the sink so the previous track
// catches up with the current one while a song keeps playing; the
// scheduler is only renewed on a change.
func (w *Watcher) Poll(ctx context.Context) bool {
	id, err := w.source.Current(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Track query failed")
		return false
	}

	changed := id != w.last
	w.last = id
	w.sink.SetTrack(id)
	if !changed {
		return false
	}

	log.Info().Str("track", id.String()).Msg("Track changed")
	w.sink.Renew()
	return true
}

// Notify forwards the current track even when it did not change. Player
// events (pause, resume, seek) are repeated notifications for one track.
func (w *Watcher) Notify(ctx context.Context) {
	id, err := w.source.Current(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Track query failed")
		return
	}

	if id != w.last {
		log.Info().Str("track", id.String()).Msg("Track changed")
	}
	w.last = id
	w.sink.SetTrack(id)
	w.sink.Renew()
}
