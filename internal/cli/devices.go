// ABOUTME: The devices command
// ABOUTME: Lists output devices with their formats and current nominal rate
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/Resonate-Protocol/ratematch/internal/app"
	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/Resonate-Protocol/ratematch/internal/device"
	"github.com/spf13/cobra"
)

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List output devices and the formats they support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := opts.setupLogging(cfg, cmd.ErrOrStderr(), false); err != nil {
				return err
			}

			ctrl, err := app.NewController(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ctrl.Close() }()

			return listDevices(cmd.Context(), cmd.OutOrStdout(), ctrl)
		},
	}
}

func listDevices(ctx context.Context, w io.Writer, ctrl device.Controller) error {
	devices, err := ctrl.Devices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		warningColor.Fprintln(w, "No output devices found")
		return nil
	}

	current, err := ctrl.CurrentOutputDevice(ctx)
	if err != nil {
		current = device.Handle{}
	}

	for _, h := range devices {
		marker := "  "
		if h.ID == current.ID {
			marker = "* "
		}
		labelColor.Fprintf(w, "%s%s", marker, h.Name)
		if h.IsDefault {
			infoColor.Fprint(w, " (default)")
		}
		fmt.Fprintln(w)

		formats, err := ctrl.PhysicalFormats(ctx, h)
		if err != nil {
			errorColor.Fprintf(w, "    formats: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "    formats: %s\n", formatList(formats))

		if rate, err := ctrl.NominalSampleRate(ctx, h); err == nil && rate > 0 {
			fmt.Fprintf(w, "    current: %s\n", audio.FormatRate(rate))
		}
	}
	return nil
}
