// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, switch history, key handling and rendering
package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

func update(outcome string, rate float64, bits int, title string) *protocol.StatusUpdate {
	return &protocol.StatusUpdate{
		Cycle:      "abcd1234",
		State:      "applied",
		Outcome:    outcome,
		Device:     "USB DAC",
		SampleRate: rate,
		BitDepth:   bits,
		StreamRate: int(rate),
		StreamBits: bits,
		Channels:   2,
		Track:      protocol.TrackInfo{Artist: "Artist", Title: title, Album: "Album"},
		Timestamp:  time.Date(2024, 4, 5, 10, 11, 12, 0, time.Local).UnixMilli(),
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(nil)

	if model.connected {
		t.Error("expected connected to be false initially")
	}
	if model.state != "idle" {
		t.Errorf("expected idle state, got %q", model.state)
	}
	if model.showDebug {
		t.Error("expected showDebug to be false initially")
	}
}

func TestStatusMsgConnected(t *testing.T) {
	model := NewModel(nil)

	connected := true
	model.applyStatus(StatusMsg{Connected: &connected, Source: "local scheduler"})

	if !model.connected {
		t.Error("expected connected to be true after status update")
	}
	if model.source != "local scheduler" {
		t.Errorf("expected source 'local scheduler', got %q", model.source)
	}

	disconnected := false
	model.applyStatus(StatusMsg{Connected: &disconnected})
	if model.connected {
		t.Error("expected connected to be false after disconnect")
	}
}

func TestStatusMsgUpdate(t *testing.T) {
	model := NewModel(nil)
	model.applyStatus(StatusMsg{Update: update("applied", 96000, 24, "Song")})

	if model.sampleRate != 96000 || model.bitDepth != 24 {
		t.Errorf("expected 96000/24, got %v/%d", model.sampleRate, model.bitDepth)
	}
	if model.device != "USB DAC" {
		t.Errorf("expected device 'USB DAC', got %q", model.device)
	}
	if model.title != "Song" {
		t.Errorf("expected title 'Song', got %q", model.title)
	}
	if len(model.history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(model.history))
	}
	if model.history[0].format != "96.0 kHz / 24-bit" {
		t.Errorf("unexpected history format %q", model.history[0].format)
	}
}

func TestNonSwitchOutcomesSkipHistory(t *testing.T) {
	model := NewModel(nil)

	for _, outcome := range []string{"unchanged", "deferred", "no-match", "write-failed"} {
		model.applyStatus(StatusMsg{Update: update(outcome, 44100, 16, "Song")})
	}

	if len(model.history) != 0 {
		t.Errorf("expected empty history, got %d entries", len(model.history))
	}
	if model.outcome != "write-failed" {
		t.Errorf("expected last outcome write-failed, got %q", model.outcome)
	}
}

func TestHistoryBounded(t *testing.T) {
	model := NewModel(nil)

	for i := 0; i < historySize+3; i++ {
		model.applyStatus(StatusMsg{Update: update("applied", 44100, 16, "Song")})
	}

	if len(model.history) != historySize {
		t.Errorf("expected %d history entries, got %d", historySize, len(model.history))
	}
}

func TestKeyHandling(t *testing.T) {
	controls := NewControls()
	model := NewModel(controls)

	next, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	model = next.(Model)
	if !model.showDebug {
		t.Error("expected debug toggled on")
	}

	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	select {
	case <-controls.Renew:
	default:
		t.Error("expected renew request")
	}

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Error("expected quit command")
	}
	select {
	case <-controls.Quit:
	default:
		t.Error("expected quit signal")
	}
}

func TestView(t *testing.T) {
	model := NewModel(nil)
	if model.View() != "Loading..." {
		t.Error("expected loading view before window size")
	}

	next, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	model = next.(Model)
	model.applyStatus(StatusMsg{Update: update("applied", 88200, 24, "Song")})

	view := model.View()
	for _, want := range []string{"USB DAC", "88.2 kHz / 24-bit", "Song", "Recent switches"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestFormatLabel(t *testing.T) {
	tests := []struct {
		rate float64
		bits int
		want string
	}{
		{0, 0, "(unknown)"},
		{44100, 0, "44.1 kHz"},
		{192000, 32, "192.0 kHz / 32-bit"},
	}

	for _, tt := range tests {
		if got := formatLabel(tt.rate, tt.bits); got != tt.want {
			t.Errorf("formatLabel(%v, %d) = %q, want %q", tt.rate, tt.bits, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged string, got %q", got)
	}
	if got := truncate("a very long track title", 10); got != "a very ..." {
		t.Errorf("expected truncated string, got %q", got)
	}
}
