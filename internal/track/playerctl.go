// ABOUTME: MPRIS track identity via the playerctl command
// ABOUTME: Queries artist/title/album of the active MPRIS player
package track

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const playerctlFormat = "{{artist}}\t{{title}}\t{{album}}"

// Playerctl reads the current track from an MPRIS player
type Playerctl struct {
	// Player restricts the query to one MPRIS player name (e.g. "tidal-hifi")
	Player string
	// Command overrides the executable, mainly for tests
	Command string
}

// Current implements Source. No active player is not an error.
func (p Playerctl) Current(ctx context.Context) (ID, error) {
	command := p.Command
	if command == "" {
		command = "playerctl"
	}

	args := []string{"metadata", "--format", playerctlFormat}
	if p.Player != "" {
		args = append([]string{"--player", p.Player}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(stderr.String(), "No players found") {
			return ID{}, nil
		}
		return ID{}, fmt.Errorf("playerctl metadata: %w", err)
	}

	return parsePlayerctl(stdout.String()), nil
}

func parsePlayerctl(out string) ID {
	fields := strings.SplitN(strings.TrimRight(out, "\r\n"), "\t", 3)
	for len(fields) < 3 {
		fields = append(fields, "")
	}
	return ID{
		Artist: strings.TrimSpace(fields[0]),
		Title:  strings.TrimSpace(fields[1]),
		Album:  strings.TrimSpace(fields[2]),
	}
}
