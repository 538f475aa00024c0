// ABOUTME: Output device control interface
// ABOUTME: Enumeration, capability queries and format writes for the active output device
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
)

var (
	// ErrNoDevice is returned when no output device can be resolved
	ErrNoDevice = errors.New("no output device")
	// ErrUnsupportedFormat is returned when a device rejects a format
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Handle identifies an output device
type Handle struct {
	ID        string
	Name      string
	IsDefault bool
}

// EventKind classifies a device notification
type EventKind int

const (
	DeviceListChanged EventKind = iota
	DefaultDeviceChanged
)

func (k EventKind) String() string {
	switch k {
	case DeviceListChanged:
		return "device-list-changed"
	case DefaultDeviceChanged:
		return "default-device-changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a device change notification
type Event struct {
	Kind   EventKind
	Device Handle
}

// Controller is implemented by device backends
type Controller interface {
	// Devices lists playback devices
	Devices(ctx context.Context) ([]Handle, error)

	// CurrentOutputDevice returns the selected device, or the default one
	CurrentOutputDevice(ctx context.Context) (Handle, error)

	// NominalSampleRates lists the rates the device can be clocked at
	NominalSampleRates(ctx context.Context, h Handle) ([]float64, error)

	// PhysicalFormats lists the rate/depth pairs the device accepts
	PhysicalFormats(ctx context.Context, h Handle) ([]audio.PhysicalFormat, error)

	// SetPhysicalFormat switches rate and depth together
	SetPhysicalFormat(ctx context.Context, h Handle, f audio.PhysicalFormat) error

	// SetNominalSampleRate switches the rate only
	SetNominalSampleRate(ctx context.Context, h Handle, rate float64) error

	// NominalSampleRate returns the rate the device is currently clocked at
	NominalSampleRate(ctx context.Context, h Handle) (float64, error)

	// Changes delivers device-list and default-device notifications
	Changes() <-chan Event

	// Close releases backend resources
	Close() error
}

// Snapshot resolves the current device and captures its capabilities
func Snapshot(ctx context.Context, c Controller) (Handle, audio.Catalog, error) {
	h, err := c.CurrentOutputDevice(ctx)
	if err != nil {
		return Handle{}, audio.Catalog{}, err
	}

	formats, err := c.PhysicalFormats(ctx, h)
	if err != nil {
		return h, audio.Catalog{}, fmt.Errorf("physical formats of %s: %w", h.Name, err)
	}

	rates, err := c.NominalSampleRates(ctx, h)
	if err != nil {
		return h, audio.Catalog{}, fmt.Errorf("nominal sample rates of %s: %w", h.Name, err)
	}

	return h, audio.Catalog{
		Device:       h.Name,
		Formats:      formats,
		NominalRates: rates,
		CapturedAt:   time.Now(),
	}, nil
}

// selectDevice picks the named device, falling back to the default one
func selectDevice(devices []Handle, name string) (Handle, error) {
	if name != "" {
		for _, d := range devices {
			if d.Name == name || d.ID == name {
				return d, nil
			}
		}
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return Handle{}, ErrNoDevice
}

// ratesOf returns the distinct rates in formats, in order
func ratesOf(formats []audio.PhysicalFormat) []float64 {
	return audio.Catalog{Formats: formats}.Rates()
}

// diffDevices reports list and default-device changes between two scans
func diffDevices(previous, current []Handle) []Event {
	var events []Event

	if !sameIDs(previous, current) {
		events = append(events, Event{Kind: DeviceListChanged})
	}

	prevDefault, _ := defaultOf(previous)
	curDefault, ok := defaultOf(current)
	if ok && curDefault.ID != prevDefault.ID {
		events = append(events, Event{Kind: DefaultDeviceChanged, Device: curDefault})
	}

	return events
}

func sameIDs(a, b []Handle) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]bool, len(a))
	for _, h := range a {
		ids[h.ID] = true
	}
	for _, h := range b {
		if !ids[h.ID] {
			return false
		}
	}
	return true
}

func defaultOf(handles []Handle) (Handle, bool) {
	for _, h := range handles {
		if h.IsDefault {
			return h, true
		}
	}
	return Handle{}, false
}
