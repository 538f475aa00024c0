// ABOUTME: Negotiation state and evaluation outcomes for the switch scheduler
// ABOUTME: Defines the Idle/AwaitingMetadata/Applied phases and the per-track rate cache
package switcher

import (
	"fmt"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/Resonate-Protocol/ratematch/internal/track"
)

// borderlineRate is the rate decoders commonly report before the true rate
// of a stream is known
const borderlineRate = 48000

// maxRetries bounds the deferred re-evaluations per cycle
const maxRetries = 1

// State is the scheduler phase
type State int

const (
	Idle State = iota
	AwaitingMetadata
	Applied
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingMetadata:
		return "awaiting-metadata"
	case Applied:
		return "applied"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Attempt tells a periodic evaluation from a deferred retry
type Attempt int

const (
	AttemptTick Attempt = iota
	AttemptRetry
)

func (a Attempt) String() string {
	if a == AttemptRetry {
		return "retry"
	}
	return "tick"
}

// Outcome is the result of one evaluation
type Outcome int

const (
	// OutcomeApplied means a new format was written to the device
	OutcomeApplied Outcome = iota
	// OutcomeUnchanged means the match equals the format already applied
	OutcomeUnchanged
	// OutcomeSkippedSameTrack means a lower reading for the same track was ignored
	OutcomeSkippedSameTrack
	// OutcomeDeferred means a borderline reading was deferred to a retry
	OutcomeDeferred
	// OutcomeAwaitingMetadata means nothing was found and a retry is armed
	OutcomeAwaitingMetadata
	// OutcomeNoMetadata means a retry found nothing either
	OutcomeNoMetadata
	// OutcomeNoMatch means the device has no format combining the nearest rate and depth
	OutcomeNoMatch
	// OutcomeNoDevice means the device could not be resolved or queried
	OutcomeNoDevice
	// OutcomeWriteFailed means the device rejected the write
	OutcomeWriteFailed
	// OutcomeCachedRate means the rate remembered for the track was applied
	OutcomeCachedRate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeSkippedSameTrack:
		return "skipped-same-track"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeAwaitingMetadata:
		return "awaiting-metadata"
	case OutcomeNoMetadata:
		return "no-metadata"
	case OutcomeNoMatch:
		return "no-match"
	case OutcomeNoDevice:
		return "no-device"
	case OutcomeWriteFailed:
		return "write-failed"
	case OutcomeCachedRate:
		return "cached-rate"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// changed reports whether the outcome moved the device to a new format
func (o Outcome) changed() bool {
	return o == OutcomeApplied || o == OutcomeCachedRate
}

// NegotiationState is everything the scheduler remembers between evaluations
type NegotiationState struct {
	PreviousSampleRate *float64
	CurrentTrack       track.ID
	PreviousTrack      track.ID
	TrackFormatCache   map[track.ID]float64
	RetryCount         int
	RetryTimerActive   bool
}

// clone returns a deep copy safe to hand out
func (n NegotiationState) clone() NegotiationState {
	out := n
	if n.PreviousSampleRate != nil {
		rate := *n.PreviousSampleRate
		out.PreviousSampleRate = &rate
	}
	out.TrackFormatCache = make(map[track.ID]float64, len(n.TrackFormatCache))
	for k, v := range n.TrackFormatCache {
		out.TrackFormatCache[k] = v
	}
	return out
}

// Status is published to listeners after every evaluation
type Status struct {
	Cycle   string
	State   State
	Outcome Outcome
	Attempt Attempt
	Device  string
	Format  audio.PhysicalFormat
	Stat    audio.StreamStat
	Track   track.ID
	At      time.Time
}

// Listener receives scheduler status
type Listener func(Status)

// Config tunes the scheduler
type Config struct {
	TickInterval       time.Duration
	RetryDelay         time.Duration
	MaxIdleTicks       int
	BitDepthAware      bool
	CachedRateFallback bool
}

// DefaultConfig returns the stock timings
func DefaultConfig() Config {
	return Config{
		TickInterval: 2 * time.Second,
		RetryDelay:   time.Second,
		MaxIdleTicks: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxIdleTicks <= 0 {
		c.MaxIdleTicks = d.MaxIdleTicks
	}
	return c
}
