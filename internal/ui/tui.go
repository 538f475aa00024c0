// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the status display
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Controls carries user actions out of the TUI
type Controls struct {
	Renew chan struct{}
	Quit  chan QuitMsg
}

// NewControls creates the control channels
func NewControls() *Controls {
	return &Controls{
		Renew: make(chan struct{}, 1),
		Quit:  make(chan QuitMsg, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(controls *Controls) Model {
	return Model{
		state:    "idle",
		controls: controls,
	}
}

// Run creates the TUI program; the caller starts it
func Run(controls *Controls) *tea.Program {
	return tea.NewProgram(NewModel(controls), tea.WithAltScreen())
}
