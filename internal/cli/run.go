// ABOUTME: The run command, the default action
// ABOUTME: Starts the switcher with either the status TUI or streaming logs
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/ratematch/internal/app"
	"github.com/Resonate-Protocol/ratematch/internal/config"
	"github.com/Resonate-Protocol/ratematch/internal/status"
	"github.com/Resonate-Protocol/ratematch/internal/switcher"
	"github.com/Resonate-Protocol/ratematch/internal/ui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Follow the player log and switch the output device format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			var console io.Writer
			if opts.noTUI {
				console = cmd.ErrOrStderr()
			}
			if err := opts.setupLogging(cfg, console, true); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.noTUI {
				log.Info().Msg("TUI disabled, streaming logs")
				a, err := app.New(cfg)
				if err != nil {
					return err
				}
				watchConfig(opts, a)
				return a.Run(ctx)
			}
			return runWithTUI(ctx, cfg, opts)
		},
	}
}

// watchConfig applies config file edits to the running switcher
func watchConfig(opts *rootOptions, a *app.App) {
	if config.Watch(opts.v, a.Reconfigure) {
		log.Debug().Str("file", opts.v.ConfigFileUsed()).Msg("Watching config file")
	}
}

// runWithTUI runs the switcher behind the bubbletea status view
func runWithTUI(ctx context.Context, cfg config.Config, opts *rootOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	controls := ui.NewControls()
	prog := ui.Run(controls)

	a, err := app.New(cfg, app.WithListener(func(st switcher.Status) {
		update := status.FromSwitcher(st)
		prog.Send(ui.StatusMsg{Update: &update})
	}))
	if err != nil {
		return err
	}
	watchConfig(opts, a)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	go func() {
		if _, err := prog.Run(); err != nil {
			log.Error().Err(err).Msg("TUI error")
		}
		cancel()
	}()

	connected := true
	prog.Send(ui.StatusMsg{Connected: &connected, Source: cfg.LogPath})

	for {
		select {
		case <-controls.Renew:
			log.Info().Msg("Re-evaluation requested")
			a.Trigger(ctx)
		case <-controls.Quit:
			log.Info().Msg("Received quit signal from TUI")
			cancel()
		case err := <-done:
			prog.Quit()
			prog.Wait()
			return err
		}
	}
}
