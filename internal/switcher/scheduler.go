// ABOUTME: Switch scheduler deciding when to negotiate and apply a device format
// ABOUTME: Runs one non-reentrant evaluation per tick or retry and owns the negotiation state
package switcher

import (
	"context"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/Resonate-Protocol/ratematch/internal/device"
	"github.com/Resonate-Protocol/ratematch/internal/track"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MetadataSource yields decoder readings, best first
type MetadataSource interface {
	Stats(ctx context.Context) ([]audio.StreamStat, error)
}

// Hook is notified with the rate after a switch. It is only called when the
// applied format changed: in rate-only mode a new rate or a new device, in
// bit-depth mode any difference in the written format. Rewriting an identical
// format does not dispatch.
type Hook interface {
	Dispatch(ctx context.Context, rate float64)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithHook sets the post-switch hook
func WithHook(h Hook) Option {
	return func(s *Scheduler) { s.hook = h }
}

// WithListener registers a status listener
func WithListener(l Listener) Option {
	return func(s *Scheduler) { s.listeners = append(s.listeners, l) }
}

// Scheduler owns the negotiation state and drives format switches
type Scheduler struct {
	cfg       Config
	source    MetadataSource
	device    device.Controller
	hook      Hook
	listeners []Listener

	// evalMu serializes evaluations
	evalMu sync.Mutex

	mu         sync.Mutex
	state      NegotiationState
	phase      State
	applied    audio.PhysicalFormat
	lastStat   audio.StreamStat
	deviceName string
	lastCycle  string
	retryCycle string
	retryTimer *time.Timer
	ticking    bool
	tickStop   chan struct{}
	idleTicks  int
	stopped    bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a scheduler. It does nothing until Renew or Evaluate is called.
func New(cfg Config, source MetadataSource, dev device.Controller, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		source: source,
		device: dev,
		state: NegotiationState{
			TrackFormatCache: make(map[track.ID]float64),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTrack records a now-playing notification. Every notification shifts
// the history one step, so a repeated notification for the same track makes
// CurrentTrack and PreviousTrack equal. Returns true when the track changed.
func (s *Scheduler) SetTrack(id track.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := id != s.state.CurrentTrack
	s.state.PreviousTrack = s.state.CurrentTrack
	s.state.CurrentTrack = id
	return changed
}

// SetBitDepthAware switches between rate-only and full-format writes. It
// takes effect from the next evaluation.
func (s *Scheduler) SetBitDepthAware(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.BitDepthAware != on {
		log.Info().Bool("bit_depth_aware", on).Msg("Bit depth detection toggled")
	}
	s.cfg.BitDepthAware = on
}

// SeedRate records the rate the device runs at without writing to it
func (s *Scheduler) SeedRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rate <= 0 {
		s.state.PreviousSampleRate = nil
		return
	}
	s.state.PreviousSampleRate = &rate
	s.applied.SampleRate = rate
}

// Snapshot returns a copy of the negotiation state
func (s *Scheduler) Snapshot() NegotiationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Phase returns the current state machine phase
func (s *Scheduler) Phase() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Status returns the latest status without evaluating
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(OutcomeUnchanged, AttemptTick, s.lastCycle)
}

// Evaluate runs one evaluation cycle. Evaluations never overlap. After Stop
// it returns OutcomeUnchanged without touching the device.
func (s *Scheduler) Evaluate(ctx context.Context, attempt Attempt) Outcome {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		log.Debug().Stringer("attempt", attempt).Msg("Scheduler stopped, skipping evaluation")
		return OutcomeUnchanged
	}

	cycle := s.beginCycle(attempt)
	logger := log.With().Str("cycle", cycle).Stringer("attempt", attempt).Logger()

	outcome := s.evaluate(ctx, logger, attempt)

	s.mu.Lock()
	if s.phase == AwaitingMetadata && !s.state.RetryTimerActive {
		s.phase = Idle
	}
	status := s.statusLocked(outcome, attempt, cycle)
	s.mu.Unlock()

	logger.Debug().Stringer("outcome", outcome).Stringer("state", status.State).Msg("Evaluation finished")
	s.notify(status)
	return outcome
}

// beginCycle picks the cycle ID; a retry continues the cycle that armed it
func (s *Scheduler) beginCycle(attempt Attempt) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cycle := ""
	if attempt == AttemptRetry {
		cycle = s.retryCycle
		s.disarmRetryLocked()
	}
	if cycle == "" {
		cycle = uuid.NewString()[:8]
	}
	s.lastCycle = cycle
	return cycle
}

func (s *Scheduler) evaluate(ctx context.Context, logger zerolog.Logger, attempt Attempt) Outcome {
	stats, err := s.source.Stats(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Metadata unavailable this cycle")
		stats = nil
	}

	if len(stats) == 0 {
		return s.noMetadata(ctx, logger, attempt)
	}

	best := stats[0]

	s.mu.Lock()
	s.lastStat = best
	current, previous := s.state.CurrentTrack, s.state.PreviousTrack
	prevRate := s.state.PreviousSampleRate
	s.mu.Unlock()

	// an unknown track counts as the same unknown track
	if current == previous && prevRate != nil && *prevRate > float64(best.SampleRate) {
		logger.Info().
			Stringer("track", current).
			Str("current", audio.FormatRate(*prevRate)).
			Str("reading", audio.FormatRate(float64(best.SampleRate))).
			Msg("Same track already at a higher rate, skipping")
		return OutcomeSkippedSameTrack
	}

	if best.SampleRate == borderlineRate && attempt == AttemptTick {
		s.armRetry(logger)
		logger.Info().Stringer("stat", best).Msg("Borderline rate, confirming before switching")
		return OutcomeDeferred
	}

	h, catalog, err := device.Snapshot(ctx, s.device)
	if err != nil {
		logger.Warn().Err(err).Msg("Device capabilities unavailable")
		return OutcomeNoDevice
	}

	format, ok := catalog.Best(best)
	if !ok {
		logger.Warn().Stringer("stat", best).Str("device", catalog.Device).Msg("No capability match, leaving device alone")
		return OutcomeNoMatch
	}

	return s.apply(ctx, logger, h, format)
}

// apply writes format to the device. State only changes on success.
func (s *Scheduler) apply(ctx context.Context, logger zerolog.Logger, h device.Handle, format audio.PhysicalFormat) Outcome {
	s.mu.Lock()
	prevRate := s.state.PreviousSampleRate
	prevApplied := s.applied
	prevDevice := s.deviceName
	bitDepthAware := s.cfg.BitDepthAware
	s.mu.Unlock()

	var err error
	switch {
	case bitDepthAware:
		err = s.device.SetPhysicalFormat(ctx, h, format)
	case prevRate == nil || *prevRate != format.SampleRate:
		err = s.device.SetNominalSampleRate(ctx, h, format.SampleRate)
	default:
		logger.Debug().Str("rate", audio.FormatRate(format.SampleRate)).Msg("Rate already set")
	}
	if err != nil {
		logger.Error().Err(err).Str("device", h.Name).Stringer("format", format).Msg("Hardware write failed")
		return OutcomeWriteFailed
	}

	rate := format.SampleRate

	s.mu.Lock()
	s.state.PreviousSampleRate = &rate
	if s.state.CurrentTrack.Known() {
		s.state.TrackFormatCache[s.state.CurrentTrack] = rate
	}
	s.applied = format
	s.deviceName = h.Name
	s.phase = Applied
	s.mu.Unlock()

	changed := prevApplied != format || prevDevice != h.Name
	if !bitDepthAware {
		changed = prevRate == nil || *prevRate != rate || prevDevice != h.Name
	}
	if !changed {
		return OutcomeUnchanged
	}

	logger.Info().Str("device", h.Name).Stringer("format", format).Msg("Switched device format")
	s.dispatchHook(rate)
	return OutcomeApplied
}

// noMetadata handles a cycle without a qualifying reading
func (s *Scheduler) noMetadata(ctx context.Context, logger zerolog.Logger, attempt Attempt) Outcome {
	if attempt == AttemptTick {
		s.armRetry(logger)
		logger.Debug().Msg("No decoder metadata yet, retrying shortly")
		return OutcomeAwaitingMetadata
	}

	s.mu.Lock()
	current, previous := s.state.CurrentTrack, s.state.PreviousTrack
	cached, hasCached := s.state.TrackFormatCache[current]
	prevRate := s.state.PreviousSampleRate
	s.mu.Unlock()

	if current == previous {
		logger.Debug().Msg("Same track, nothing new to do")
		return OutcomeNoMetadata
	}

	if !s.cfg.CachedRateFallback || !current.Known() || !hasCached {
		logger.Debug().Stringer("track", current).Msg("Still no decoder metadata")
		return OutcomeNoMetadata
	}

	if prevRate != nil && *prevRate == cached {
		return OutcomeUnchanged
	}

	h, err := s.device.CurrentOutputDevice(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Device unavailable for cached rate")
		return OutcomeNoDevice
	}
	if err := s.device.SetNominalSampleRate(ctx, h, cached); err != nil {
		logger.Error().Err(err).Str("device", h.Name).Str("rate", audio.FormatRate(cached)).Msg("Hardware write failed")
		return OutcomeWriteFailed
	}

	s.mu.Lock()
	s.state.PreviousSampleRate = &cached
	s.applied.SampleRate = cached
	s.deviceName = h.Name
	s.phase = Applied
	s.mu.Unlock()

	logger.Info().Stringer("track", current).Str("rate", audio.FormatRate(cached)).Msg("Applied cached rate for track")
	s.dispatchHook(cached)
	return OutcomeCachedRate
}

// dispatchHook runs the hook under the scheduler's lifetime, not the cycle's
func (s *Scheduler) dispatchHook(rate float64) {
	if s.hook == nil {
		return
	}
	s.hook.Dispatch(s.ctx, rate)
}

// statusLocked builds a Status (must hold s.mu)
func (s *Scheduler) statusLocked(outcome Outcome, attempt Attempt, cycle string) Status {
	return Status{
		Cycle:   cycle,
		State:   s.phase,
		Outcome: outcome,
		Attempt: attempt,
		Device:  s.deviceName,
		Format:  s.applied,
		Stat:    s.lastStat,
		Track:   s.state.CurrentTrack,
		At:      time.Now(),
	}
}

func (s *Scheduler) notify(status Status) {
	for _, l := range s.listeners {
		l(status)
	}
}
