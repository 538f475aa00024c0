// ABOUTME: Bubbletea model for the status TUI
// ABOUTME: Shows the device format, the latest decoder reading and recent switches
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/Resonate-Protocol/ratematch/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

const historySize = 5

// Model represents the TUI state
type Model struct {
	// Source
	connected bool
	source    string

	// Device
	device     string
	sampleRate float64
	bitDepth   int

	// Last decoder reading
	streamRate int
	streamBits int
	channels   int

	// Track
	title  string
	artist string
	album  string

	// Scheduler
	state   string
	outcome string
	cycle   string
	updated time.Time
	history []switchRecord

	showDebug bool
	controls  *Controls

	width  int
	height int
}

// switchRecord is one applied switch
type switchRecord struct {
	at     time.Time
	format string
	track  string
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := m.renderHeader()
	s += m.renderDevice()
	s += m.renderTrack()
	s += m.renderHistory()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()
	return s
}

func (m Model) renderHeader() string {
	source := "Waiting for status"
	if m.connected {
		source = m.source
	}

	state := m.state
	if state == "" {
		state = "idle"
	}

	return fmt.Sprintf(`┌─ ratematch ──────────────────────────────────────────┐
│ Source: %-44s │
│ State:  %-44s │
├──────────────────────────────────────────────────────┤
`, truncate(source, 44), state)
}

func (m Model) renderDevice() string {
	if m.device == "" && m.sampleRate == 0 {
		return "│ No device format applied yet                         │\n"
	}

	s := fmt.Sprintf("│ Device: %-44s │\n", truncate(m.device, 44))
	s += fmt.Sprintf("│ Format: %-44s │\n", formatLabel(m.sampleRate, m.bitDepth))

	reading := "(none)"
	if m.streamRate > 0 {
		reading = fmt.Sprintf("%s %d-bit %s", audio.FormatRate(float64(m.streamRate)), m.streamBits, channelName(m.channels))
	}
	s += fmt.Sprintf("│ Stream: %-44s │\n", reading)
	return s
}

func (m Model) renderTrack() string {
	s := "│                                                      │\n"
	if m.title == "" {
		return s + "│ Track:  (unknown)                                    │\n"
	}
	s += fmt.Sprintf("│ Track:  %-44s │\n", truncate(m.title, 44))
	s += fmt.Sprintf("│ Artist: %-44s │\n", truncate(m.artist, 44))
	s += fmt.Sprintf("│ Album:  %-44s │\n", truncate(m.album, 44))
	return s
}

func (m Model) renderHistory() string {
	s := "├──────────────────────────────────────────────────────┤\n"
	if len(m.history) == 0 {
		return s + "│ No switches yet                                      │\n"
	}

	s += "│ Recent switches:                                     │\n"
	for i := len(m.history) - 1; i >= 0; i-- {
		r := m.history[i]
		line := fmt.Sprintf("%s  %s  %s", r.at.Format("15:04:05"), r.format, r.track)
		s += fmt.Sprintf("│   %-50s │\n", truncate(line, 50))
	}
	return s
}

func (m Model) renderDebug() string {
	updated := "never"
	if !m.updated.IsZero() {
		updated = m.updated.Format(time.TimeOnly)
	}
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Cycle:   %-41s │
│   Outcome: %-41s │
│   Updated: %-41s │
`, m.cycle, m.outcome, updated)
}

func (m Model) renderHelp() string {
	return `│ r:Re-evaluate  d:Debug  q:Quit                       │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.controls != nil {
			select {
			case m.controls.Quit <- QuitMsg{}:
			default:
			}
		}
		return m, tea.Quit
	case "r":
		if m.controls != nil {
			select {
			case m.controls.Renew <- struct{}{}:
			default:
			}
		}
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.Source != "" {
		m.source = msg.Source
	}

	u := msg.Update
	if u == nil {
		return
	}

	m.state = u.State
	m.outcome = u.Outcome
	m.cycle = u.Cycle
	m.updated = u.Time()

	if u.Device != "" {
		m.device = u.Device
	}
	if u.SampleRate > 0 {
		m.sampleRate = u.SampleRate
		m.bitDepth = u.BitDepth
	}
	if u.StreamRate > 0 {
		m.streamRate = u.StreamRate
		m.streamBits = u.StreamBits
		m.channels = u.Channels
	}
	m.title = u.Track.Title
	m.artist = u.Track.Artist
	m.album = u.Track.Album

	if u.Outcome == "applied" || u.Outcome == "cached-rate" {
		m.history = append(m.history, switchRecord{
			at:     u.Time(),
			format: formatLabel(u.SampleRate, u.BitDepth),
			track:  u.Track.Title,
		})
		if len(m.history) > historySize {
			m.history = m.history[len(m.history)-historySize:]
		}
	}
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Connected *bool
	Source    string
	Update    *protocol.StatusUpdate
}

// QuitMsg is sent when the user quits
type QuitMsg struct{}

func formatLabel(rate float64, bits int) string {
	if rate == 0 {
		return "(unknown)"
	}
	if bits == 0 {
		return audio.FormatRate(rate)
	}
	return fmt.Sprintf("%s / %d-bit", audio.FormatRate(rate), bits)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func channelName(channels int) string {
	switch channels {
	case 0:
		return ""
	case 1:
		return "Mono"
	case 2:
		return "Stereo"
	default:
		return strings.TrimSpace(fmt.Sprintf("%dch", channels))
	}
}
