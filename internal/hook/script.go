// ABOUTME: User post-switch script invocation
// ABOUTME: Runs the configured executable with the applied sample rate, fire-and-forget
package hook

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a single script run
const DefaultTimeout = 30 * time.Second

// Script runs a user executable after every applied switch
type Script struct {
	path    string
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewScript creates a hook; an empty path makes it a no-op
func NewScript(path string) *Script {
	return &Script{path: path, timeout: DefaultTimeout}
}

// Dispatch runs the script in the background with the rate as its only
// argument. Failures are logged and never reported to the caller.
func (s *Script) Dispatch(ctx context.Context, rate float64) {
	if s == nil || s.path == "" {
		return
	}

	arg := strconv.Itoa(int(rate))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(ctx, arg); err != nil {
			log.Warn().Err(err).Str("script", s.path).Msg("Post-switch script failed")
		}
	}()
}

// Run executes the script synchronously
func (s *Script) Run(ctx context.Context, arg string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, s.path, arg)
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s %s: %w (output: %q)", s.path, arg, err, output.String())
	}

	log.Debug().Str("script", s.path).Str("rate", arg).Msg("Post-switch script finished")
	return nil
}

// Wait blocks until dispatched scripts have finished
func (s *Script) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
