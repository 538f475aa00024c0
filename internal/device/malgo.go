//go:build cgo

// ABOUTME: Malgo-based device control with exclusive-mode format switching
// ABOUTME: Uses miniaudio via malgo to enumerate devices and hold them at a chosen rate/depth
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

const (
	defaultPollInterval = 3 * time.Second
	outputChannels      = 2
)

var _ Controller = (*Malgo)(nil)

// Malgo controls playback devices through miniaudio.
//
// Applying a format opens the device in exclusive mode at that rate and
// depth and keeps it open, which pins the hardware clock. The device is
// only reopened when the format changes.
type Malgo struct {
	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	selected string
	ids      map[string]malgo.DeviceID

	device   *malgo.Device
	deviceID string
	format   audio.PhysicalFormat

	changes chan Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMalgo initializes miniaudio. selected names the preferred device;
// empty means the system default.
func NewMalgo(selected string, pollInterval time.Duration) (*Malgo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	m := &Malgo{
		malgoCtx: ctx,
		selected: selected,
		ids:      make(map[string]malgo.DeviceID),
		changes:  make(chan Event, 8),
		cancel:   cancel,
	}

	initial, err := m.Devices(pollCtx)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	m.wg.Add(1)
	go m.pollDevices(pollCtx, initial, pollInterval)

	return m, nil
}

// Devices lists playback devices
func (m *Malgo) Devices(_ context.Context) ([]Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos, err := m.malgoCtx.Context.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate playback devices: %w", err)
	}

	handles := make([]Handle, 0, len(infos))
	for _, info := range infos {
		id := info.ID.String()
		m.ids[id] = info.ID
		handles = append(handles, Handle{
			ID:        id,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return handles, nil
}

// CurrentOutputDevice returns the selected or default device
func (m *Malgo) CurrentOutputDevice(ctx context.Context) (Handle, error) {
	devices, err := m.Devices(ctx)
	if err != nil {
		return Handle{}, err
	}
	return selectDevice(devices, m.selected)
}

// PhysicalFormats reports the device's native data formats
func (m *Malgo) PhysicalFormats(_ context.Context, h Handle) ([]audio.PhysicalFormat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.ids[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, h.Name)
	}

	info, err := m.malgoCtx.Context.DeviceInfo(malgo.Playback, id, malgo.Shared)
	if err != nil {
		return nil, fmt.Errorf("query device info: %w", err)
	}

	count := int(info.FormatCount)
	if count > len(info.Formats) {
		count = len(info.Formats)
	}

	seen := make(map[audio.PhysicalFormat]bool)
	var formats []audio.PhysicalFormat
	for _, df := range info.Formats[:count] {
		bits := bitsOf(df.Format)
		if bits == 0 {
			continue
		}

		rates := []float64{float64(df.SampleRate)}
		if df.SampleRate == 0 {
			rates = audio.StandardRates
		}

		for _, rate := range rates {
			f := audio.PhysicalFormat{SampleRate: rate, BitsPerChannel: bits}
			if !seen[f] {
				seen[f] = true
				formats = append(formats, f)
			}
		}
	}

	return formats, nil
}

// NominalSampleRates lists the distinct rates of the native formats
func (m *Malgo) NominalSampleRates(ctx context.Context, h Handle) ([]float64, error) {
	formats, err := m.PhysicalFormats(ctx, h)
	if err != nil {
		return nil, err
	}
	return ratesOf(formats), nil
}

// NominalSampleRate returns the rate the device is held at, 0 if unknown
func (m *Malgo) NominalSampleRate(_ context.Context, h Handle) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil && m.deviceID == h.ID {
		return m.format.SampleRate, nil
	}
	return 0, nil
}

// SetPhysicalFormat holds the device open at f
func (m *Malgo) SetPhysicalFormat(_ context.Context, h Handle, f audio.PhysicalFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open(h, f)
}

// SetNominalSampleRate changes the rate, keeping the current depth
func (m *Malgo) SetNominalSampleRate(_ context.Context, h Handle, rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bits := m.format.BitsPerChannel
	if bits == 0 {
		bits = 24
	}
	return m.open(h, audio.PhysicalFormat{SampleRate: rate, BitsPerChannel: bits})
}

// open (re)initializes the device at f (must hold m.mu)
func (m *Malgo) open(h Handle, f audio.PhysicalFormat) error {
	if m.device != nil && m.deviceID == h.ID && m.format == f {
		log.Debug().Str("device", h.Name).Stringer("format", f).Msg("Device already at format, reusing")
		return nil
	}

	id, ok := m.ids[h.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDevice, h.Name)
	}

	format := formatOf(f.BitsPerChannel)
	if format == malgo.FormatUnknown {
		return fmt.Errorf("%w: %d-bit (supported: 16, 24, 32)", ErrUnsupportedFormat, f.BitsPerChannel)
	}

	if m.device != nil {
		log.Info().Stringer("from", m.format).Stringer("to", f).Msg("Format change detected, reinitializing device")
		m.closeDevice()
	}

	device, err := m.initDevice(id, format, f, malgo.Exclusive)
	if err != nil {
		log.Warn().Err(err).Str("device", h.Name).Msg("Exclusive mode unavailable, falling back to shared mode")
		device, err = m.initDevice(id, format, f, malgo.Shared)
		if err != nil {
			return fmt.Errorf("failed to initialize playback device: %w", err)
		}
	}

	m.device = device
	m.deviceID = h.ID
	m.format = f

	log.Info().Str("device", h.Name).Stringer("format", f).Str("sample_format", formatName(format)).Msg("Device format applied")
	return nil
}

func (m *Malgo) initDevice(id malgo.DeviceID, format malgo.FormatType, f audio.PhysicalFormat, mode malgo.ShareMode) (*malgo.Device, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.DeviceID = id.Pointer()
	deviceConfig.Playback.Format = format
	deviceConfig.Playback.Channels = outputChannels
	deviceConfig.Playback.ShareMode = mode
	deviceConfig.SampleRate = uint32(f.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	// The device only pins the clock; the player renders its own audio.
	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			clear(pOutput)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start device: %w", err)
	}

	return device, nil
}

// closeDevice stops and uninitializes the device (must hold m.mu)
func (m *Malgo) closeDevice() {
	if m.device == nil {
		return
	}
	if err := m.device.Stop(); err != nil {
		log.Warn().Err(err).Msg("Device stop error")
	}
	m.device.Uninit()
	m.device = nil
	m.deviceID = ""
}

// Changes delivers device notifications
func (m *Malgo) Changes() <-chan Event {
	return m.changes
}

// pollDevices diffs the device list; miniaudio has no hot-plug callback
func (m *Malgo) pollDevices(ctx context.Context, previous []Handle, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := m.Devices(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Device poll failed")
				continue
			}
			for _, ev := range diffDevices(previous, current) {
				select {
				case m.changes <- ev:
				default:
					log.Debug().Stringer("event", ev.Kind).Msg("Dropping device event, consumer busy")
				}
			}
			previous = current
		}
	}
}

// Close releases the device and the malgo context
func (m *Malgo) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeDevice()

	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			log.Warn().Err(err).Msg("Malgo context uninit error")
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}

// bitsOf maps a miniaudio sample format to an integer word length
func bitsOf(format malgo.FormatType) int {
	switch format {
	case malgo.FormatS16:
		return 16
	case malgo.FormatS24:
		return 24
	case malgo.FormatS32:
		return 32
	default:
		return 0
	}
}

// formatOf maps a bit depth to a miniaudio sample format
func formatOf(bits int) malgo.FormatType {
	switch bits {
	case 16:
		return malgo.FormatS16
	case 24:
		return malgo.FormatS24
	case 32:
		return malgo.FormatS32
	default:
		return malgo.FormatUnknown
	}
}

// formatName returns human-readable format name
func formatName(format malgo.FormatType) string {
	switch format {
	case malgo.FormatS16:
		return "S16"
	case malgo.FormatS24:
		return "S24"
	case malgo.FormatS32:
		return "S32"
	default:
		return fmt.Sprintf("Unknown(%d)", format)
	}
}
