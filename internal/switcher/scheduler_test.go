// ABOUTME: Tests for the switch scheduler state machine
// ABOUTME: Tests guards, deferred retries, the track cache, timers and an end-to-end log scenario
package switcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/Resonate-Protocol/ratematch/internal/device"
	"github.com/Resonate-Protocol/ratematch/internal/playerlog"
	"github.com/Resonate-Protocol/ratematch/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	songA = track.ID{Artist: "Nils Frahm", Title: "Says", Album: "Spaces"}
	songB = track.ID{Artist: "Bonobo", Title: "Kerala", Album: "Migration"}

	dacFormats = []audio.PhysicalFormat{
		{SampleRate: 44100, BitsPerChannel: 16},
		{SampleRate: 48000, BitsPerChannel: 24},
		{SampleRate: 96000, BitsPerChannel: 24},
	}
)

// fakeSource returns whatever stats or error it was last given
type fakeSource struct {
	mu    sync.Mutex
	stats []audio.StreamStat
	err   error
	calls int
}

func (f *fakeSource) set(stats ...audio.StreamStat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
	f.err = nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = nil
	f.err = err
}

func (f *fakeSource) Stats(context.Context) ([]audio.StreamStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]audio.StreamStat(nil), f.stats...), f.err
}

type recordingHook struct {
	mu    sync.Mutex
	rates []float64
}

func (h *recordingHook) Dispatch(_ context.Context, rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rates = append(h.rates, rate)
}

func (h *recordingHook) calls() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.rates...)
}

func stat(rate, bits int) audio.StreamStat {
	return audio.StreamStat{SampleRate: rate, BitDepth: bits, Channels: 2, Priority: audio.DefaultPriority}
}

// longRetry keeps armed retries from firing during a test
func longRetry(cfg Config) Config {
	cfg.RetryDelay = time.Hour
	cfg.TickInterval = time.Hour
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, source MetadataSource, dev device.Controller, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, source, dev, opts...)
	t.Cleanup(s.Stop)
	return s
}

func TestSameTrackLowerRateDoesNotWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev)

	s.SetTrack(songA)
	src.set(stat(96000, 24))
	require.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))
	require.Len(t, dev.Writes(), 1)

	// A repeated notification for the same track.
	assert.False(t, s.SetTrack(songA))

	src.set(stat(44100, 16))
	assert.Equal(t, OutcomeSkippedSameTrack, s.Evaluate(ctx, AttemptTick))
	assert.Len(t, dev.Writes(), 1)
	assert.Equal(t, 96000.0, *s.Snapshot().PreviousSampleRate)
}

func TestUnknownTrackCountsAsSameTrack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev)

	s.SeedRate(96000)
	src.set(stat(44100, 16))

	assert.Equal(t, OutcomeSkippedSameTrack, s.Evaluate(ctx, AttemptTick))
	assert.Empty(t, dev.Writes())

	// A known track arriving ends the run of unknown notifications.
	s.SetTrack(songA)
	assert.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, 44100.0, dev.Current().SampleRate)
}

// nowPlaying is a track source whose answer can be changed mid-test
type nowPlaying struct {
	mu sync.Mutex
	id track.ID
}

func (n *nowPlaying) play(id track.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.id = id
}

func (n *nowPlaying) Current(context.Context) (track.ID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id, nil
}

func TestPolledUnknownTrackSkipsDowngrade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev)
	w := track.NewWatcher(track.None{}, s, 0)

	w.Poll(ctx)
	src.set(stat(96000, 24))
	require.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))

	w.Poll(ctx)
	src.set(stat(44100, 16))
	assert.Equal(t, OutcomeSkippedSameTrack, s.Evaluate(ctx, AttemptTick))

	assert.Len(t, dev.Writes(), 1)
	assert.Equal(t, 96000.0, dev.Current().SampleRate)
}

func TestPolledSameTrackSkipsDowngrade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev)
	player := &nowPlaying{id: songA}
	w := track.NewWatcher(player, s, 0)

	require.True(t, w.Poll(ctx))
	src.set(stat(96000, 24))
	require.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))

	assert.False(t, w.Poll(ctx))
	src.set(stat(44100, 16))
	assert.Equal(t, OutcomeSkippedSameTrack, s.Evaluate(ctx, AttemptTick))
	assert.Len(t, dev.Writes(), 1)

	player.play(songB)
	require.True(t, w.Poll(ctx))
	assert.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, 44100.0, dev.Current().SampleRate)
}

func TestBorderlineRateDefersOneRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev)

	s.SetTrack(songA)
	src.set(stat(48000, 24))

	assert.Equal(t, OutcomeDeferred, s.Evaluate(ctx, AttemptTick))
	assert.Empty(t, dev.Writes())
	assert.Equal(t, AwaitingMetadata, s.Phase())

	state := s.Snapshot()
	assert.True(t, state.RetryTimerActive)
	assert.Equal(t, 1, state.RetryCount)

	// A second tick while the retry is outstanding arms nothing new.
	assert.Equal(t, OutcomeDeferred, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, 1, s.Snapshot().RetryCount)
	assert.Empty(t, dev.Writes())

	assert.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptRetry))
	assert.Equal(t, []device.Write{
		{Kind: device.FormatWrite, Format: audio.PhysicalFormat{SampleRate: 48000, BitsPerChannel: 24}},
	}, dev.Writes())

	state = s.Snapshot()
	assert.False(t, state.RetryTimerActive)
	assert.Equal(t, 0, state.RetryCount)
	assert.Equal(t, Applied, s.Phase())
}

func TestBorderlineRetryConfirmsTrueRate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev)

	src.set(stat(48000, 24))
	require.Equal(t, OutcomeDeferred, s.Evaluate(ctx, AttemptTick))

	src.set(stat(96000, 24), stat(48000, 24))
	assert.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptRetry))
	assert.Equal(t, audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 24}, dev.Current())
}

func TestNoMetadataArmsRetryThenGivesUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{}), src, dev)

	assert.Equal(t, OutcomeAwaitingMetadata, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, AwaitingMetadata, s.Phase())
	assert.True(t, s.Snapshot().RetryTimerActive)

	assert.Equal(t, OutcomeNoMetadata, s.Evaluate(ctx, AttemptRetry))
	assert.Equal(t, Idle, s.Phase())
	assert.False(t, s.Snapshot().RetryTimerActive)
	assert.Empty(t, dev.Writes())
}

func TestSourceErrorTreatedAsNoMetadata(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	src.fail(playerlog.ErrLogUnreadable)
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{}), src, dev)

	assert.Equal(t, OutcomeAwaitingMetadata, s.Evaluate(ctx, AttemptTick))
	assert.Empty(t, dev.Writes())
}

func TestCachedRateFallbackOffByDefault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{}), src, dev)

	s.SetTrack(songA)
	src.set(stat(96000, 24))
	require.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))

	s.SetTrack(songB)
	s.SetTrack(songA)
	src.set()
	s.SeedRate(44100)

	require.Equal(t, OutcomeAwaitingMetadata, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, OutcomeNoMetadata, s.Evaluate(ctx, AttemptRetry))
	assert.Len(t, dev.Writes(), 1)
}

func TestCachedRateFallbackApplies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	hook := &recordingHook{}
	s := newTestScheduler(t, longRetry(Config{CachedRateFallback: true}), src, dev, WithHook(hook))

	s.SetTrack(songA)
	src.set(stat(96000, 24))
	require.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))

	s.SetTrack(songB)
	src.set(stat(44100, 16))
	require.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))

	s.SetTrack(songA)
	src.set()
	require.Equal(t, OutcomeAwaitingMetadata, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, OutcomeCachedRate, s.Evaluate(ctx, AttemptRetry))

	writes := dev.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, device.RateWrite, writes[2].Kind)
	assert.Equal(t, 96000.0, writes[2].Format.SampleRate)
	assert.Equal(t, []float64{96000, 44100, 96000}, hook.calls())
}

func TestRateOnlyModeSkipsEqualRate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	hook := &recordingHook{}
	s := newTestScheduler(t, longRetry(Config{}), src, dev, WithHook(hook))

	s.SeedRate(44100)
	src.set(stat(44100, 16))

	assert.Equal(t, OutcomeUnchanged, s.Evaluate(ctx, AttemptTick))
	assert.Empty(t, dev.Writes())
	assert.Empty(t, hook.calls())
	assert.Equal(t, Applied, s.Phase())

	src.set(stat(96000, 24))
	assert.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, []device.Write{
		{Kind: device.RateWrite, Format: audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 16}},
	}, dev.Writes())
	assert.Equal(t, []float64{96000}, hook.calls())
}

func TestBitDepthAwareAlwaysWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	hook := &recordingHook{}
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev, WithHook(hook))

	src.set(stat(96000, 24))
	assert.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, OutcomeUnchanged, s.Evaluate(ctx, AttemptTick))

	assert.Len(t, dev.Writes(), 2)
	assert.Equal(t, []float64{96000}, hook.calls())
}

func TestBitDepthModeToggleTakesEffectNextEvaluation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, longRetry(Config{}), src, dev)

	src.set(stat(96000, 24))
	require.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))

	// Same format as already applied, but now written in full.
	s.SetBitDepthAware(true)
	assert.Equal(t, OutcomeUnchanged, s.Evaluate(ctx, AttemptTick))

	s.SetBitDepthAware(false)
	assert.Equal(t, OutcomeUnchanged, s.Evaluate(ctx, AttemptTick))

	assert.Equal(t, []device.Write{
		{Kind: device.RateWrite, Format: audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 16}},
		{Kind: device.FormatWrite, Format: audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 24}},
	}, dev.Writes())
}

func TestWriteFailureLeavesStateAlone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	dev.FailWrites(errors.New("device busy"))
	hook := &recordingHook{}
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev, WithHook(hook))

	s.SetTrack(songA)
	src.set(stat(96000, 24))

	assert.Equal(t, OutcomeWriteFailed, s.Evaluate(ctx, AttemptTick))

	state := s.Snapshot()
	assert.Nil(t, state.PreviousSampleRate)
	assert.Empty(t, state.TrackFormatCache)
	assert.Equal(t, Idle, s.Phase())
	assert.Empty(t, hook.calls())

	dev.FailWrites(nil)
	assert.Equal(t, OutcomeApplied, s.Evaluate(ctx, AttemptTick))
	assert.Equal(t, 96000.0, s.Snapshot().TrackFormatCache[songA])
}

func TestNoCapabilityMatch(t *testing.T) {
	t.Parallel()

	dev := device.NewStatic("DAC", []audio.PhysicalFormat{
		{SampleRate: 44100, BitsPerChannel: 16},
		{SampleRate: 96000, BitsPerChannel: 24},
	})
	src := &fakeSource{}
	src.set(stat(44100, 24))
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, dev)

	assert.Equal(t, OutcomeNoMatch, s.Evaluate(context.Background(), AttemptTick))
	assert.Empty(t, dev.Writes())
}

func TestSetTrackKeepsOneStepOfHistory(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, &fakeSource{}, device.NewStatic("DAC", dacFormats))

	assert.True(t, s.SetTrack(songA))
	assert.Equal(t, track.ID{}, s.Snapshot().PreviousTrack)

	assert.False(t, s.SetTrack(songA))
	assert.Equal(t, songA, s.Snapshot().PreviousTrack)

	assert.True(t, s.SetTrack(songB))
	state := s.Snapshot()
	assert.Equal(t, songB, state.CurrentTrack)
	assert.Equal(t, songA, state.PreviousTrack)
}

func TestListenersSeeEveryEvaluation(t *testing.T) {
	t.Parallel()

	var got []Status
	src := &fakeSource{}
	src.set(stat(96000, 24))
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), src, device.NewStatic("DAC", dacFormats),
		WithListener(func(st Status) { got = append(got, st) }))
	s.SetTrack(songA)

	s.Evaluate(context.Background(), AttemptTick)

	require.Len(t, got, 1)
	assert.Equal(t, OutcomeApplied, got[0].Outcome)
	assert.Equal(t, Applied, got[0].State)
	assert.Equal(t, "DAC", got[0].Device)
	assert.Equal(t, songA, got[0].Track)
	assert.Equal(t, 96000, got[0].Stat.SampleRate)
	assert.NotEmpty(t, got[0].Cycle)
}

func TestRetryFiresOnItsOwn(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, Config{BitDepthAware: true, TickInterval: time.Hour, RetryDelay: 10 * time.Millisecond}, src, dev)

	src.set(stat(48000, 24))
	require.Equal(t, OutcomeDeferred, s.Evaluate(context.Background(), AttemptTick))

	assert.Eventually(t, func() bool { return len(dev.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Snapshot().RetryTimerActive }, time.Second, 5*time.Millisecond)
}

func TestTickerAppliesAndDisarmsWhenIdle(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(stat(96000, 24))
	dev := device.NewStatic("DAC", dacFormats)
	s := newTestScheduler(t, Config{
		BitDepthAware: true,
		TickInterval:  5 * time.Millisecond,
		RetryDelay:    time.Millisecond,
		MaxIdleTicks:  3,
	}, src, dev)

	s.Renew()
	s.Renew()
	assert.True(t, s.Ticking())

	assert.Eventually(t, func() bool { return dev.Current().SampleRate == 96000 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Ticking() }, time.Second, 5*time.Millisecond)

	s.Renew()
	assert.True(t, s.Ticking())
}

func TestStopCancelsTimersAndIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	dev := device.NewStatic("DAC", dacFormats)
	s := New(longRetry(Config{}), src, dev)

	s.Renew()
	require.Equal(t, OutcomeAwaitingMetadata, s.Evaluate(context.Background(), AttemptTick))
	require.True(t, s.Snapshot().RetryTimerActive)

	s.Stop()
	s.Stop()

	assert.False(t, s.Ticking())
	assert.False(t, s.Snapshot().RetryTimerActive)
	assert.Equal(t, 0, s.Snapshot().RetryCount)

	s.Renew()
	assert.False(t, s.Ticking())
}

func TestEvaluateAfterStopLeavesDeviceAlone(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(stat(96000, 24))
	dev := device.NewStatic("DAC", dacFormats)
	var got []Status
	s := New(longRetry(Config{BitDepthAware: true}), src, dev,
		WithListener(func(st Status) { got = append(got, st) }))

	s.Stop()

	assert.Equal(t, OutcomeUnchanged, s.Evaluate(context.Background(), AttemptTick))
	assert.Equal(t, OutcomeUnchanged, s.Evaluate(context.Background(), AttemptRetry))
	assert.Empty(t, dev.Writes())
	assert.Zero(t, src.calls)
	assert.Empty(t, got)
	assert.False(t, s.Snapshot().RetryTimerActive)
}

func TestEndToEndFromPlayerLog(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.April, 5, 10, 11, 12, 0, time.Local)
	line := playerlog.FormatTimestamp(now.Add(-time.Second)) +
		" [info] - Decoder got AudioMetadata channels: 2, bitsPerSample: 24, sampleRate: 96000, codec: flac"
	older := playerlog.FormatTimestamp(now.Add(-time.Minute)) +
		" [info] - Decoder got AudioMetadata channels: 2, bitsPerSample: 16, sampleRate: 44100"

	path := filepath.Join(t.TempDir(), "player.log")
	require.NoError(t, os.WriteFile(path, []byte(older+"\n"+line+"\n"), 0o644))

	reader, err := playerlog.NewReader(path, playerlog.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	dev := device.NewStatic("DAC", []audio.PhysicalFormat{
		{SampleRate: 44100, BitsPerChannel: 16},
		{SampleRate: 96000, BitsPerChannel: 24},
	})
	s := newTestScheduler(t, longRetry(Config{BitDepthAware: true}), playerlog.NewSource(reader, playerlog.DefaultRecencyWindow), dev)
	s.SetTrack(songA)

	assert.Equal(t, OutcomeApplied, s.Evaluate(context.Background(), AttemptTick))
	assert.Equal(t, []device.Write{
		{Kind: device.FormatWrite, Format: audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 24}},
	}, dev.Writes())
	assert.Equal(t, 96000.0, s.Snapshot().TrackFormatCache[songA])
}

func TestStringers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "awaiting-metadata", AwaitingMetadata.String())
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "retry", AttemptRetry.String())
	assert.Equal(t, "skipped-same-track", OutcomeSkippedSameTrack.String())
	assert.Equal(t, "Outcome(99)", Outcome(99).String())
}
