// ABOUTME: Layered configuration for ratematch
// ABOUTME: Defaults, then ~/.config/ratematch/config.toml, then RATEMATCH_* env, then flags
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Resonate-Protocol/ratematch/internal/audio"
	"github.com/Resonate-Protocol/ratematch/internal/playerlog"
	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = "ratematch"
	envPrefix  = "RATEMATCH"
	fileMode   = 0o644
	dirMode    = 0o755
)

// Backends
const (
	BackendMalgo  = "malgo"
	BackendStatic = "static"
)

// Track sources
const (
	TrackNone      = "none"
	TrackPlayerctl = "playerctl"
	TrackMPD       = "mpd"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the full application configuration
type Config struct {
	LogPath           string    `mapstructure:"log_path"`
	BitDepthDetection bool      `mapstructure:"bit_depth_detection"`
	ShellScriptPath   string    `mapstructure:"shell_script_path"`
	Device            string    `mapstructure:"device"`
	Backend           string    `mapstructure:"backend"`
	StaticFormats     []string  `mapstructure:"static_formats"`
	Scheduler         Scheduler `mapstructure:"scheduler"`
	Track             Track     `mapstructure:"track"`
	Status            Status    `mapstructure:"status"`
	LogFile           string    `mapstructure:"log_file"`
	LogLevel          string    `mapstructure:"log_level"`
}

// Scheduler holds switch timing settings
type Scheduler struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxIdleTicks       int           `mapstructure:"max_idle_ticks"`
	RecencyWindow      time.Duration `mapstructure:"recency_window"`
	CachedRateFallback bool          `mapstructure:"cached_rate_fallback"`
}

// Track selects where now-playing identity comes from
type Track struct {
	Source       string        `mapstructure:"source"`
	MPDAddr      string        `mapstructure:"mpd_addr"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Status configures the websocket status hub
type Status struct {
	Addr      string `mapstructure:"addr"`
	Advertise bool   `mapstructure:"advertise"`
	Name      string `mapstructure:"name"`
}

// defaults is keyed by viper path; values are what a fresh config file holds
func defaults() map[string]any {
	return map[string]any{
		"log_path":                       playerlog.DefaultLogPath,
		"bit_depth_detection":            false,
		"shell_script_path":              "",
		"device":                         "",
		"backend":                        BackendMalgo,
		"static_formats":                 []string{"44100/16", "48000/24", "88200/24", "96000/24"},
		"scheduler.tick_interval":        "2s",
		"scheduler.retry_delay":          "1s",
		"scheduler.max_idle_ticks":       5,
		"scheduler.recency_window":       playerlog.DefaultRecencyWindow.String(),
		"scheduler.cached_rate_fallback": false,
		"track.source":                   TrackNone,
		"track.mpd_addr":                 "localhost:6600",
		"track.poll_interval":            "2s",
		"status.addr":                    "",
		"status.advertise":               false,
		"status.name":                    "",
		"log_file":                       "ratematch.log",
		"log_level":                      "info",
	}
}

// New returns a viper instance with defaults and env binding applied
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultPath is where the config file lives
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, configDir, configName+"."+configType), nil
}

// Load reads the config file (if any) into v and decodes the result. An
// explicit path must exist; the default location may be missing.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		defaultPath, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(filepath.Dir(defaultPath))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch re-reads the config file whenever it is written and hands every
// valid result to onChange. Invalid edits are logged and ignored. Returns
// false, without watching, when Load found no file.
func Watch(v *viper.Viper, onChange func(Config)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring undecodable config change")
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("file", e.Name).Msg("Config file changed")
		onChange(cfg)
	})
	v.WatchConfig()
	return true
}

// Validate checks enumerations and parseable values
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMalgo, BackendStatic:
	default:
		return fmt.Errorf("%w: backend %q (want %s or %s)", ErrInvalid, c.Backend, BackendMalgo, BackendStatic)
	}

	switch c.Track.Source {
	case TrackNone, TrackPlayerctl, TrackMPD:
	default:
		return fmt.Errorf("%w: track.source %q", ErrInvalid, c.Track.Source)
	}

	if c.Backend == BackendStatic {
		if _, err := c.Formats(); err != nil {
			return err
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}

	if c.Scheduler.MaxIdleTicks < 0 {
		return fmt.Errorf("%w: scheduler.max_idle_ticks must not be negative", ErrInvalid)
	}
	return nil
}

// Formats parses StaticFormats
func (c Config) Formats() ([]audio.PhysicalFormat, error) {
	formats := make([]audio.PhysicalFormat, 0, len(c.StaticFormats))
	for _, s := range c.StaticFormats {
		f, err := audio.ParsePhysicalFormat(s)
		if err != nil {
			return nil, fmt.Errorf("%w: static_formats: %w", ErrInvalid, err)
		}
		formats = append(formats, f)
	}
	return formats, nil
}

// WriteDefault writes a config file holding every default. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := toml.Marshal(nest(defaults()))
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// nest turns dotted keys into TOML tables
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		table, leaf, ok := strings.Cut(key, ".")
		if !ok {
			out[key] = value
			continue
		}
		sub, _ := out[table].(map[string]any)
		if sub == nil {
			sub = make(map[string]any)
			out[table] = sub
		}
		sub[leaf] = value
	}
	return out
}
