// ABOUTME: Tests for device selection, snapshots and the static backend
// ABOUTME: Tests write recording, rejection of unsupported formats and change diffing
package device

import (
	"context"
	"errors"
	"testing"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFormats = []audio.PhysicalFormat{
	{SampleRate: 44100, BitsPerChannel: 16},
	{SampleRate: 44100, BitsPerChannel: 24},
	{SampleRate: 96000, BitsPerChannel: 24},
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	dev := NewStatic("DAC", testFormats)

	h, catalog, err := Snapshot(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, "static:DAC", h.ID)
	assert.Equal(t, "DAC", catalog.Device)
	assert.Equal(t, testFormats, catalog.Formats)
	assert.Equal(t, []float64{44100, 96000}, catalog.NominalRates)
	assert.False(t, catalog.CapturedAt.IsZero())
}

func TestStaticRecordsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := NewStatic("DAC", testFormats)
	h, err := dev.CurrentOutputDevice(ctx)
	require.NoError(t, err)

	require.NoError(t, dev.SetPhysicalFormat(ctx, h, audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 24}))
	require.NoError(t, dev.SetNominalSampleRate(ctx, h, 44100))

	assert.Equal(t, []Write{
		{Kind: FormatWrite, Format: audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 24}},
		{Kind: RateWrite, Format: audio.PhysicalFormat{SampleRate: 44100, BitsPerChannel: 24}},
	}, dev.Writes())

	rate, err := dev.NominalSampleRate(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 44100.0, rate)
}

func TestStaticRejectsUnsupported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := NewStatic("DAC", testFormats)
	h, _ := dev.CurrentOutputDevice(ctx)

	err := dev.SetPhysicalFormat(ctx, h, audio.PhysicalFormat{SampleRate: 96000, BitsPerChannel: 16})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	err = dev.SetNominalSampleRate(ctx, h, 192000)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	assert.Empty(t, dev.Writes())
}

func TestStaticFailWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := NewStatic("DAC", testFormats)
	h, _ := dev.CurrentOutputDevice(ctx)

	boom := errors.New("device busy")
	dev.FailWrites(boom)
	assert.ErrorIs(t, dev.SetPhysicalFormat(ctx, h, testFormats[0]), boom)

	dev.FailWrites(nil)
	assert.NoError(t, dev.SetPhysicalFormat(ctx, h, testFormats[0]))
}

func TestStaticSetFormatsNotifies(t *testing.T) {
	t.Parallel()

	dev := NewStatic("DAC", testFormats)
	dev.SetFormats(testFormats[:1])

	ev := <-dev.Changes()
	assert.Equal(t, DeviceListChanged, ev.Kind)

	formats, err := dev.PhysicalFormats(context.Background(), Handle{})
	require.NoError(t, err)
	assert.Equal(t, testFormats[:1], formats)
}

func TestSelectDevice(t *testing.T) {
	t.Parallel()

	devices := []Handle{
		{ID: "1", Name: "Speakers"},
		{ID: "2", Name: "USB DAC", IsDefault: true},
		{ID: "3", Name: "HDMI"},
	}

	h, err := selectDevice(devices, "HDMI")
	require.NoError(t, err)
	assert.Equal(t, "3", h.ID)

	h, err = selectDevice(devices, "")
	require.NoError(t, err)
	assert.Equal(t, "2", h.ID)

	h, err = selectDevice(devices, "unplugged")
	require.NoError(t, err)
	assert.Equal(t, "2", h.ID)

	_, err = selectDevice(nil, "")
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestDiffDevices(t *testing.T) {
	t.Parallel()

	a := Handle{ID: "a", IsDefault: true}
	b := Handle{ID: "b"}
	bDefault := Handle{ID: "b", IsDefault: true}
	aPlain := Handle{ID: "a"}

	assert.Empty(t, diffDevices([]Handle{a, b}, []Handle{b, a}))

	events := diffDevices([]Handle{a}, []Handle{a, b})
	require.Len(t, events, 1)
	assert.Equal(t, DeviceListChanged, events[0].Kind)

	events = diffDevices([]Handle{a, b}, []Handle{aPlain, bDefault})
	require.Len(t, events, 1)
	assert.Equal(t, DefaultDeviceChanged, events[0].Kind)
	assert.Equal(t, "b", events[0].Device.ID)
}

func TestEventKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "device-list-changed", DeviceListChanged.String())
	assert.Equal(t, "default-device-changed", DefaultDeviceChanged.String())
}
