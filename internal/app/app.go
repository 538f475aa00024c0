// ABOUTME: Main application orchestration
// ABOUTME: Wires the log source, device backend, scheduler, track watcher, hook and status hub
package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Resonate-Protocol/ratematch/internal/config"
	"github.com/Resonate-Protocol/ratematch/internal/device"
	"github.com/Resonate-Protocol/ratematch/internal/discovery"
	"github.com/Resonate-Protocol/ratematch/internal/hook"
	"github.com/Resonate-Protocol/ratematch/internal/playerlog"
	"github.com/Resonate-Protocol/ratematch/internal/status"
	"github.com/Resonate-Protocol/ratematch/internal/switcher"
	"github.com/Resonate-Protocol/ratematch/internal/track"
	"github.com/rs/zerolog/log"
)

// Option customizes an App
type Option func(*App)

// WithController replaces the configured device backend
func WithController(c device.Controller) Option {
	return func(a *App) { a.device = c }
}

// WithTrackSource replaces the configured track source
func WithTrackSource(s track.Source) Option {
	return func(a *App) { a.trackSource = s }
}

// WithListener receives every scheduler status
func WithListener(l switcher.Listener) Option {
	return func(a *App) { a.listeners = append(a.listeners, l) }
}

// App is the running switcher
type App struct {
	cfg         config.Config
	reader      *playerlog.Reader
	device      device.Controller
	trackSource track.Source
	listeners   []switcher.Listener

	hook      *hook.Script
	scheduler *switcher.Scheduler
	tracks    *track.Watcher
	hub       *status.Hub
	discovery *discovery.Manager

	wg sync.WaitGroup
}

// New builds the application from configuration
func New(cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	reader, err := playerlog.NewReader(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("player log: %w", err)
	}
	a.reader = reader

	if a.device == nil {
		a.device, err = NewController(cfg)
		if err != nil {
			return nil, err
		}
	}

	if a.trackSource == nil {
		a.trackSource = NewTrackSource(cfg)
	}

	a.hook = hook.NewScript(cfg.ShellScriptPath)

	listeners := a.listeners
	if cfg.Status.Addr != "" {
		a.hub = status.New(status.Config{Addr: cfg.Status.Addr, Name: hubName(cfg)})
		listeners = append(listeners, a.hub.Publish)
	}

	schedOpts := []switcher.Option{switcher.WithHook(a.hook)}
	for _, l := range listeners {
		schedOpts = append(schedOpts, switcher.WithListener(l))
	}

	a.scheduler = switcher.New(switcher.Config{
		TickInterval:       cfg.Scheduler.TickInterval,
		RetryDelay:         cfg.Scheduler.RetryDelay,
		MaxIdleTicks:       cfg.Scheduler.MaxIdleTicks,
		BitDepthAware:      cfg.BitDepthDetection,
		CachedRateFallback: cfg.Scheduler.CachedRateFallback,
	}, playerlog.NewSource(reader, cfg.Scheduler.RecencyWindow), a.device, schedOpts...)

	a.tracks = track.NewWatcher(a.trackSource, a.scheduler, cfg.Track.PollInterval)

	return a, nil
}

// NewController opens the configured device backend
func NewController(cfg config.Config) (device.Controller, error) {
	switch cfg.Backend {
	case config.BackendStatic:
		formats, err := cfg.Formats()
		if err != nil {
			return nil, err
		}
		name := cfg.Device
		if name == "" {
			name = "static"
		}
		return device.NewStatic(name, formats), nil
	default:
		m, err := device.NewMalgo(cfg.Device, 0)
		if err != nil {
			return nil, fmt.Errorf("open audio backend: %w", err)
		}
		return m, nil
	}
}

// NewTrackSource returns the configured now-playing source
func NewTrackSource(cfg config.Config) track.Source {
	switch cfg.Track.Source {
	case config.TrackPlayerctl:
		return track.Playerctl{}
	case config.TrackMPD:
		return track.NewMPD(cfg.Track.MPDAddr)
	default:
		return track.None{}
	}
}

// Scheduler exposes the switch scheduler
func (a *App) Scheduler() *switcher.Scheduler {
	return a.scheduler
}

// Reconfigure applies the settings that can change while running. Only
// bit depth detection is live; everything else needs a restart.
func (a *App) Reconfigure(cfg config.Config) {
	a.scheduler.SetBitDepthAware(cfg.BitDepthDetection)
}

// Trigger evaluates immediately and re-arms the ticker
func (a *App) Trigger(ctx context.Context) {
	a.scheduler.Renew()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.scheduler.Evaluate(ctx, switcher.AttemptTick)
	}()
}

// Run drives the switcher until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()

	a.seedRate(ctx)

	log.Info().
		Str("log", a.reader.Path()).
		Bool("bit_depth_detection", a.cfg.BitDepthDetection).
		Str("backend", a.cfg.Backend).
		Str("track_source", a.cfg.Track.Source).
		Msg("Switcher started")

	if err := a.startHub(ctx); err != nil {
		return err
	}

	logChanges, err := a.reader.Watch(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot watch player log, relying on track changes only")
	}

	if mpdSource, ok := a.trackSource.(track.MPD); ok {
		events, err := mpdSource.Events(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("MPD idle watcher unavailable, polling only")
		} else {
			a.tracks.WithEvents(events)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.tracks.Run(ctx)
	}()

	a.scheduler.Renew()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-logChanges:
			if !ok {
				logChanges = nil
				continue
			}
			a.scheduler.Renew()
		case ev := <-a.device.Changes():
			a.handleDeviceEvent(ctx, ev)
		}
	}
}

// seedRate records the device's current rate so rate-only mode can skip no-op writes
func (a *App) seedRate(ctx context.Context) {
	h, err := a.device.CurrentOutputDevice(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("No output device at startup")
		return
	}

	rate, err := a.device.NominalSampleRate(ctx, h)
	if err != nil {
		log.Warn().Err(err).Str("device", h.Name).Msg("Cannot read nominal sample rate")
		return
	}

	a.scheduler.SeedRate(rate)
	log.Info().Str("device", h.Name).Float64("rate", rate).Msg("Output device")
}

func (a *App) handleDeviceEvent(ctx context.Context, ev device.Event) {
	log.Info().Stringer("event", ev.Kind).Str("device", ev.Device.Name).Msg("Device change")

	if ev.Kind == device.DefaultDeviceChanged {
		a.seedRate(ctx)
	}
	a.scheduler.Renew()
}

func (a *App) startHub(ctx context.Context) error {
	if a.hub == nil {
		return nil
	}

	port, err := a.hub.Listen()
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.hub.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("Status hub stopped")
		}
	}()

	if a.cfg.Status.Advertise {
		a.discovery = discovery.NewManager(discovery.Config{ServiceName: hubName(a.cfg), Port: port})
		if err := a.discovery.Advertise(); err != nil {
			log.Warn().Err(err).Msg("Failed to start mDNS advertisement")
		}
	}
	return nil
}

func (a *App) shutdown() {
	a.scheduler.Stop()
	a.wg.Wait()
	a.hook.Wait()

	if a.discovery != nil {
		a.discovery.Stop()
	}
	if err := a.device.Close(); err != nil {
		log.Warn().Err(err).Msg("Device close error")
	}
	log.Info().Msg("Switcher stopped")
}

func hubName(cfg config.Config) string {
	if cfg.Status.Name != "" {
		return cfg.Status.Name
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname + "-ratematch"
}
