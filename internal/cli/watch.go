// ABOUTME: The watch command
// ABOUTME: Subscribes to a running switcher's status hub, found via mDNS when no address is given
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/client"
	"github.com/Resonate-Protocol/ratematch/internal/discovery"
	"github.com/Resonate-Protocol/ratematch/internal/protocol"
	"github.com/Resonate-Protocol/ratematch/internal/ui"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const discoveryTimeout = 10 * time.Second

var errNoHub = errors.New("no status hub found")

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [host:port]",
		Short: "Show live switches from a running ratematch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			var console io.Writer
			if opts.noTUI {
				console = cmd.ErrOrStderr()
			}
			if err := opts.setupLogging(cfg, console, !opts.noTUI); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := ""
			if len(args) == 1 {
				addr = args[0]
			} else if addr, err = discoverHub(ctx); err != nil {
				return err
			}

			c := client.NewClient(client.Config{
				ServerAddr: addr,
				ClientID:   uuid.New().String(),
				Name:       watcherName(),
			})
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()

			hello := c.Server()
			log.Info().Str("hub", hello.Name).Str("addr", addr).Msg("Subscribed to status hub")

			if opts.noTUI {
				return printUpdates(ctx, cmd.OutOrStdout(), c.Updates)
			}
			return watchWithTUI(ctx, fmt.Sprintf("%s (%s)", hello.Name, addr), c.Updates)
		},
	}
}

func discoverHub(ctx context.Context) (string, error) {
	log.Info().Msg("Looking for a status hub via mDNS")

	disc := discovery.NewManager(discovery.Config{})
	disc.Browse()
	defer disc.Stop()

	select {
	case hub := <-disc.Servers():
		log.Info().Str("name", hub.Name).Str("addr", hub.Addr()).Msg("Discovered status hub")
		return hub.Addr(), nil
	case <-time.After(discoveryTimeout):
		return "", fmt.Errorf("%w after %s", errNoHub, discoveryTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func printUpdates(ctx context.Context, w io.Writer, updates <-chan protocol.StatusUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			printUpdate(w, u)
		}
	}
}

func printUpdate(w io.Writer, u protocol.StatusUpdate) {
	fmt.Fprintf(w, "%s [%s] ", u.Time().Format(time.TimeOnly), u.Cycle)

	switch u.Outcome {
	case "applied", "cached-rate":
		successColor.Fprint(w, u.Outcome)
	case "write-failed", "no-device", "no-match":
		errorColor.Fprint(w, u.Outcome)
	default:
		warningColor.Fprint(w, u.Outcome)
	}

	fmt.Fprintf(w, " %s", u.Device)
	if u.SampleRate > 0 {
		fmt.Fprintf(w, " %.1f kHz", u.SampleRate/1000)
		if u.BitDepth > 0 {
			fmt.Fprintf(w, "/%d-bit", u.BitDepth)
		}
	}
	if u.Track.Title != "" {
		fmt.Fprintf(w, " | %s - %s", u.Track.Artist, u.Track.Title)
	}
	fmt.Fprintln(w)
}

// watchWithTUI shows hub updates in the status view
func watchWithTUI(ctx context.Context, source string, updates <-chan protocol.StatusUpdate) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := ui.Run(nil)
	done := make(chan error, 1)
	go func() {
		_, err := prog.Run()
		done <- err
	}()

	connected := true
	prog.Send(ui.StatusMsg{Connected: &connected, Source: source})

	for {
		select {
		case <-ctx.Done():
			prog.Quit()
			return <-done
		case err := <-done:
			return err
		case u, ok := <-updates:
			if !ok {
				disconnected := false
				prog.Send(ui.StatusMsg{Connected: &disconnected})
				updates = nil
				continue
			}
			prog.Send(ui.StatusMsg{Update: &u})
		}
	}
}

func watcherName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname + "-watch"
}
