// ABOUTME: MPD track identity using gompd
// ABOUTME: Reads the current song and forwards player-subsystem change events
package track

import (
	"context"
	"fmt"
	"strings"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog/log"
)

// MPD reads the current track from a Music Player Daemon
type MPD struct {
	Network string // "tcp" or "unix"
	Addr    string
}

// NewMPD creates an MPD source; addresses starting with / are unix sockets
func NewMPD(addr string) MPD {
	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	return MPD{Network: network, Addr: addr}
}

// Current implements Source
func (m MPD) Current(ctx context.Context) (ID, error) {
	if err := ctx.Err(); err != nil {
		return ID{}, err
	}

	client, err := mpd.Dial(m.Network, m.Addr)
	if err != nil {
		return ID{}, fmt.Errorf("dial mpd %s: %w", m.Addr, err)
	}
	defer func() { _ = client.Close() }()

	song, err := client.CurrentSong()
	if err != nil {
		return ID{}, fmt.Errorf("mpd currentsong: %w", err)
	}

	return idFromAttrs(song), nil
}

// Events signals whenever MPD's player subsystem changes. The channel is
// closed when ctx ends.
func (m MPD) Events(ctx context.Context) (<-chan struct{}, error) {
	w, err := mpd.NewWatcher(m.Network, m.Addr, "", "player")
	if err != nil {
		return nil, fmt.Errorf("watch mpd %s: %w", m.Addr, err)
	}

	events := make(chan struct{}, 1)
	go func() {
		defer close(events)
		defer func() { _ = w.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-w.Event:
				if !ok {
					return
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case err, ok := <-w.Error:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("MPD watcher error")
			}
		}
	}()

	return events, nil
}

func idFromAttrs(attrs mpd.Attrs) ID {
	id := ID{
		Artist: attrs["Artist"],
		Title:  attrs["Title"],
		Album:  attrs["Album"],
	}
	// Untagged files still identify a track by path
	if id.Title == "" {
		id.Title = attrs["file"]
	}
	return id
}
