// ABOUTME: Cobra command tree for ratematch
// ABOUTME: Root command, persistent flags bound to viper, and config loading
package cli

import (
	"io"

	"github.com/Resonate-Protocol/ratematch/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootOptions is shared by every subcommand
type rootOptions struct {
	v          *viper.Viper
	configPath string
	noTUI      bool
	logCloser  io.Closer
}

// flagKeys maps persistent flags onto config keys
var flagKeys = map[string]string{
	"log-level": "log_level",
	"log-file":  "log_file",
	"log-path":  "log_path",
	"device":    "device",
	"backend":   "backend",
	"bit-depth": "bit_depth_detection",
	"script":    "shell_script_path",
}

// Execute runs the command tree
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree; running it bare starts the switcher
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	root := &cobra.Command{
		Use:   "ratematch",
		Short: "Match the output device format to what the player is decoding",
		Long: "ratematch follows the media player's log, reads the decoder's sample rate " +
			"and bit depth, and switches the output device to the closest format it supports.",
		SilenceUsage: true,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			opts.closeLog()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default <user config dir>/ratematch/config.toml)")
	flags.BoolVar(&opts.noTUI, "no-tui", false, "disable the TUI and stream logs to stderr")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("log-file", "", "log file path")
	flags.String("log-path", "", "player log to follow")
	flags.String("device", "", "output device name (default: system default)")
	flags.String("backend", "", "device backend: malgo or static")
	flags.Bool("bit-depth", false, "match bit depth as well as sample rate")
	flags.String("script", "", "script to run with the new rate after each switch")
	bindFlags(opts.v, flags)

	run := newRunCmd(opts)
	root.RunE = run.RunE
	root.Args = cobra.NoArgs

	root.AddCommand(
		run,
		newInspectCmd(opts),
		newDevicesCmd(opts),
		newWatchCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)

	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		// Lookup cannot fail for flags registered above
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// load reads the layered configuration
func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.v, o.configPath)
}

func (o *rootOptions) closeLog() {
	if o.logCloser != nil {
		_ = o.logCloser.Close()
		o.logCloser = nil
	}
}
