//go:build !cgo

// ABOUTME: Malgo stub when cgo is not available
// ABOUTME: Provides compile-time placeholder so the static backend still builds
package device

import (
	"errors"
	"time"
)

// Malgo is unavailable without cgo
type Malgo struct {
	Static
}

// NewMalgo reports that the miniaudio backend is not compiled in
func NewMalgo(string, time.Duration) (*Malgo, error) {
	return nil, errors.New("malgo backend not available (build with CGO_ENABLED=1)")
}
