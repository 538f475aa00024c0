// ABOUTME: Track identity for "what is currently playing"
// ABOUTME: Opaque comparable handle plus the Source interface that supplies it
package track

import (
	"context"
	"fmt"
)

// ID identifies the playing track. It is only ever compared, never parsed.
// The zero value means unknown.
type ID struct {
	Artist string
	Title  string
	Album  string
}

// Known reports whether the identity carries any information
func (id ID) Known() bool {
	return id != ID{}
}

func (id ID) String() string {
	if !id.Known() {
		return "(unknown)"
	}
	return fmt.Sprintf("%s - %s (%s)", id.Artist, id.Title, id.Album)
}

// Source reports the currently playing track
type Source interface {
	Current(ctx context.Context) (ID, error)
}

// None is a Source that never knows the track
type None struct{}

// Current implements Source
func (None) Current(context.Context) (ID, error) {
	return ID{}, nil
}
