// ABOUTME: In-memory output device with a fixed capability list
// ABOUTME: Used for dry runs and tests; records every format write
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/rs/zerolog/log"
)

// WriteKind tells a recorded full-format write from a rate-only write
type WriteKind int

const (
	FormatWrite WriteKind = iota
	RateWrite
)

// Write is one recorded hardware write
type Write struct {
	Kind   WriteKind
	Format audio.PhysicalFormat
}

var _ Controller = (*Static)(nil)

// Static is an in-memory Controller
type Static struct {
	mu      sync.Mutex
	handle  Handle
	formats []audio.PhysicalFormat
	current audio.PhysicalFormat
	writes  []Write
	fail    error
	changes chan Event
}

// NewStatic creates a static device advertising formats
func NewStatic(name string, formats []audio.PhysicalFormat) *Static {
	s := &Static{
		handle:  Handle{ID: "static:" + name, Name: name, IsDefault: true},
		formats: append([]audio.PhysicalFormat(nil), formats...),
		changes: make(chan Event, 4),
	}
	if len(formats) > 0 {
		s.current = formats[0]
	}
	return s
}

// FailWrites makes subsequent writes return err (nil restores success)
func (s *Static) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// SetFormats replaces the advertised formats and emits a change event
func (s *Static) SetFormats(formats []audio.PhysicalFormat) {
	s.mu.Lock()
	s.formats = append([]audio.PhysicalFormat(nil), formats...)
	s.mu.Unlock()

	select {
	case s.changes <- Event{Kind: DeviceListChanged, Device: s.handle}:
	default:
	}
}

// Writes returns the recorded hardware writes
func (s *Static) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// Current returns the format the device is set to
func (s *Static) Current() audio.PhysicalFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Static) Devices(context.Context) ([]Handle, error) {
	return []Handle{s.handle}, nil
}

func (s *Static) CurrentOutputDevice(context.Context) (Handle, error) {
	return s.handle, nil
}

func (s *Static) NominalSampleRates(_ context.Context, _ Handle) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ratesOf(s.formats), nil
}

func (s *Static) PhysicalFormats(_ context.Context, _ Handle) ([]audio.PhysicalFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.PhysicalFormat(nil), s.formats...), nil
}

func (s *Static) NominalSampleRate(_ context.Context, _ Handle) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.SampleRate, nil
}

func (s *Static) SetPhysicalFormat(_ context.Context, _ Handle, f audio.PhysicalFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}
	if !(audio.Catalog{Formats: s.formats}).Contains(f) {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}

	s.writes = append(s.writes, Write{Kind: FormatWrite, Format: f})
	s.current = f
	log.Info().Str("device", s.handle.Name).Stringer("format", f).Msg("Physical format set")
	return nil
}

func (s *Static) SetNominalSampleRate(_ context.Context, _ Handle, rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}

	found := false
	for _, r := range ratesOf(s.formats) {
		if r == rate {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, audio.FormatRate(rate))
	}

	s.current.SampleRate = rate
	s.writes = append(s.writes, Write{Kind: RateWrite, Format: s.current})
	log.Info().Str("device", s.handle.Name).Float64("rate", rate).Msg("Nominal sample rate set")
	return nil
}

func (s *Static) Changes() <-chan Event {
	return s.changes
}

func (s *Static) Close() error {
	return nil
}
