// ABOUTME: zerolog setup for the CLI
// ABOUTME: TUI mode logs to the log file only; otherwise the console gets a copy
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// setupLogging points the global logger at the configured sinks. With
// useFile the log file is opened for append and closed after the command.
func (o *rootOptions) setupLogging(cfg config.Config, console io.Writer, useFile bool) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if useFile && cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		o.logCloser = f
		writers = append(writers, f)
	}
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly})
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}
