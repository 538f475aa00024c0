// ABOUTME: The inspect command
// ABOUTME: One-shot read of the player log and negotiation against a device or a YAML catalog
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/app"
	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/Resonate-Protocol/ratematch/internal/device"
	"github.com/Resonate-Protocol/ratematch/internal/playerlog"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	labelColor   = color.New(color.Bold)
)

// catalogFile describes a device's formats for offline probing
type catalogFile struct {
	Device  string   `yaml:"device"`
	Formats []string `yaml:"formats"`
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var (
		catalogPath string
		window      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show what the switcher would do right now",
		Long: "inspect reads the recent decoder lines from the player log, lists the formats the " +
			"output device supports (or those in --catalog), and prints the format that would be applied.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := opts.setupLogging(cfg, cmd.ErrOrStderr(), false); err != nil {
				return err
			}
			if window <= 0 {
				window = cfg.Scheduler.RecencyWindow
			}

			var catalog audio.Catalog
			if catalogPath != "" {
				catalog, err = loadCatalog(catalogPath)
			} else {
				catalog, err = deviceCatalog(cmd.Context(), cfg.Backend, func() (device.Controller, error) {
					return app.NewController(cfg)
				})
			}
			if err != nil {
				return err
			}

			reader, err := playerlog.NewReader(cfg.LogPath)
			if err != nil {
				return err
			}
			stats, err := playerlog.NewSource(reader, window).Stats(cmd.Context())
			if err != nil {
				return err
			}

			printInspection(cmd.OutOrStdout(), reader.Path(), window, catalog, stats, cfg.BitDepthDetection)
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML file listing device formats instead of querying a device")
	cmd.Flags().DurationVar(&window, "window", 0, "how far back to read decoder lines (default scheduler.recency_window)")
	return cmd
}

// loadCatalog reads a catalog file:
//
//	device: USB DAC
//	formats: ["44100/16", "96000/24"]
func loadCatalog(path string) (audio.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return audio.Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return audio.Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(file.Formats) == 0 {
		return audio.Catalog{}, fmt.Errorf("catalog %s lists no formats", path)
	}

	catalog := audio.Catalog{Device: file.Device, CapturedAt: time.Now()}
	for _, s := range file.Formats {
		f, err := audio.ParsePhysicalFormat(s)
		if err != nil {
			return audio.Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
		}
		catalog.Formats = append(catalog.Formats, f)
	}
	if catalog.Device == "" {
		catalog.Device = path
	}
	return catalog, nil
}

func deviceCatalog(ctx context.Context, backend string, open func() (device.Controller, error)) (audio.Catalog, error) {
	ctrl, err := open()
	if err != nil {
		return audio.Catalog{}, err
	}
	defer func() { _ = ctrl.Close() }()

	_, catalog, err := device.Snapshot(ctx, ctrl)
	if err != nil {
		return audio.Catalog{}, fmt.Errorf("%s backend: %w", backend, err)
	}
	return catalog, nil
}

func printInspection(w io.Writer, logPath string, window time.Duration, catalog audio.Catalog, stats []audio.StreamStat, bitDepthAware bool) {
	labelColor.Fprint(w, "Log:     ")
	fmt.Fprintf(w, "%s (last %s)\n", logPath, window)
	labelColor.Fprint(w, "Device:  ")
	fmt.Fprintln(w, catalog.Device)
	labelColor.Fprint(w, "Formats: ")
	fmt.Fprintln(w, formatList(catalog.Formats))

	if len(stats) == 0 {
		warningColor.Fprintln(w, "No decoder readings in the window; the switcher would wait for one retry.")
		return
	}

	labelColor.Fprintln(w, "Readings:")
	for _, s := range stats {
		fmt.Fprintf(w, "  %s\n", s)
	}

	best := stats[0]
	format, ok := catalog.Best(best)
	if !ok {
		errorColor.Fprintf(w, "No supported format for %d Hz\n", best.SampleRate)
		return
	}

	if best.SampleRate == 48000 {
		infoColor.Fprintln(w, "48 kHz readings are confirmed by a retry before switching.")
	}

	labelColor.Fprint(w, "Apply:   ")
	if bitDepthAware {
		successColor.Fprintln(w, format)
	} else {
		successColor.Fprintln(w, audio.FormatRate(format.SampleRate))
	}
}

func formatList(formats []audio.PhysicalFormat) string {
	if len(formats) == 0 {
		return "(none)"
	}
	parts := make([]string, len(formats))
	for i, f := range formats {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}
