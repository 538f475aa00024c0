// ABOUTME: Recency-bounded reader for the media player log
// ABOUTME: Re-reads the whole file and walks it newest-first until entries get stale
package playerlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultLogPath is where the player writes its log on macOS
const DefaultLogPath = "~/Library/Logs/TIDAL/player.log"

// ErrLogUnreadable is returned when the log cannot be opened or decoded
var ErrLogUnreadable = errors.New("player log unreadable")

// Reader reads recent entries from a log file
type Reader struct {
	path string
	now  func() time.Time
}

// Option configures a Reader
type Option func(*Reader)

// WithClock overrides the reader's notion of now
func WithClock(now func() time.Time) Option {
	return func(r *Reader) {
		r.now = now
	}
}

// NewReader creates a reader for the given path; a leading ~ is expanded
func NewReader(path string, opts ...Option) (*Reader, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("resolve log path: %w", err)
	}

	r := &Reader{path: abs, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Path returns the expanded log path
func (r *Reader) Path() string {
	return r.path
}

// RecentEntries returns entries no older than maxAge, newest first.
//
// The log is chronological, so the backwards walk stops at the first entry
// outside the window.
func (r *Reader) RecentEntries(maxAge time.Duration) ([]Entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLogUnreadable, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrLogUnreadable, r.path)
	}

	cutoff := r.now().Add(-maxAge)
	lines := strings.Split(string(data), "\n")

	var entries []Entry
	for i := len(lines) - 1; i >= 0; i-- {
		entry, ok := ParseLine(lines[i])
		if !ok {
			continue
		}
		if entry.Timestamp.Before(cutoff) {
			break
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// ExpandPath expands a leading ~ to the user's home directory
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
