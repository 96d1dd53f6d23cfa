// Package config loads efiscan settings from defaults, an optional YAML file
// and EFISCAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ccoveille/go-safecast"
	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"efiscan/internal/analysis"
)

// EnvPrefix prefixes every environment variable, e.g. EFISCAN_SMM_MAX_DEPTH.
const EnvPrefix = "EFISCAN"

type SMMConfig struct {
	MaxDepth        int64    `yaml:"max_depth" mapstructure:"max_depth"`
	SmramStart      uint64   `yaml:"smram_start" mapstructure:"smram_start"`
	SmramEnd        uint64   `yaml:"smram_end" mapstructure:"smram_end"`
	AllowedServices []string `yaml:"allowed_services" mapstructure:"allowed_services"`
	AllowedTargets  []uint64 `yaml:"allowed_targets" mapstructure:"allowed_targets"`
	Handlers        []uint64 `yaml:"handlers" mapstructure:"handlers"`

	// ServicesSet reports an explicit allowed_services, which may be empty.
	ServicesSet bool `yaml:"-" mapstructure:"-"`
}

type Config struct {
	GUIDs          string      `yaml:"guids" mapstructure:"guids"`
	LogLevel       string      `yaml:"log_level" mapstructure:"log_level"`
	SystemTable    uint64      `yaml:"system_table" mapstructure:"system_table"`
	Smst           uint64      `yaml:"smst" mapstructure:"smst"`
	EntryScanLimit int64       `yaml:"entry_scan_limit" mapstructure:"entry_scan_limit"`
	TrackWindow    int64       `yaml:"track_window" mapstructure:"track_window"`
	Jobs           int64       `yaml:"jobs" mapstructure:"jobs"`
	SMM            SMMConfig   `yaml:"smm" mapstructure:"smm"`
	Log            logr.Logger `yaml:"-" mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("guids", "guids.yaml")
	v.SetDefault("log_level", "info")
	v.SetDefault("system_table", 0)
	v.SetDefault("smst", 0)
	v.SetDefault("entry_scan_limit", analysis.DefaultEntryScanLimit)
	v.SetDefault("track_window", analysis.DefaultTrackWindow)
	v.SetDefault("jobs", 4)
	v.SetDefault("smm.max_depth", analysis.DefaultMaxCallDepth)
	v.SetDefault("smm.smram_start", 0)
	v.SetDefault("smm.smram_end", 0)
	v.SetDefault("smm.allowed_services", []string{})
	v.SetDefault("smm.allowed_targets", []uint64{})
	v.SetDefault("smm.handlers", []uint64{})
}

// Load reads path, or efiscan.yaml from the working directory when path is
// empty; a missing default file is not an error. logOut receives log lines.
func Load(path string, logOut io.Writer) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("efiscan")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key, envKey(key)); err != nil {
			return nil, fmt.Errorf("config: unable to bind env: %w", err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	conf.SMM.ServicesSet = explicit(v, "smm.allowed_services")
	conf.Log = DefaultLogger(conf.LogLevel, logOut)
	return conf, nil
}

func envKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// explicit reports whether key comes from the file or the environment
// rather than its default.
func explicit(v *viper.Viper, key string) bool {
	if v.InConfig(key) {
		return true
	}
	val, ok := os.LookupEnv(envKey(key))
	return ok && val != ""
}

func toInt(name string, v int64) (int, error) {
	n, err := safecast.ToInt(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s must not be negative, got %d", name, n)
	}
	return n, nil
}

// JobCount returns the batch concurrency, at least 1.
func (c *Config) JobCount() (int, error) {
	n, err := toInt("jobs", c.Jobs)
	if err != nil {
		return 0, err
	}
	return max(n, 1), nil
}

// Options converts the configuration into analysis options.
func (c *Config) Options() (analysis.Options, error) {
	depth, err := toInt("smm.max_depth", c.SMM.MaxDepth)
	if err != nil {
		return analysis.Options{}, err
	}
	scan, err := toInt("entry_scan_limit", c.EntryScanLimit)
	if err != nil {
		return analysis.Options{}, err
	}
	window, err := toInt("track_window", c.TrackWindow)
	if err != nil {
		return analysis.Options{}, err
	}
	smram := analysis.Range{Start: c.SMM.SmramStart, End: c.SMM.SmramEnd}
	if (smram.Start != 0 || smram.End != 0) && smram.Empty() {
		return analysis.Options{}, fmt.Errorf("config: empty SMRAM range [0x%x, 0x%x)", smram.Start, smram.End)
	}

	opts := analysis.Options{
		SystemTable:    c.SystemTable,
		Smst:           c.Smst,
		SMRAM:          smram,
		MaxCallDepth:   depth,
		AllowedTargets: c.SMM.AllowedTargets,
		SmiHandlers:    c.SMM.Handlers,
		EntryScanLimit: scan,
		TrackWindow:    window,
		Log:            c.Log,
	}
	if c.SMM.ServicesSet || len(c.SMM.AllowedServices) > 0 {
		opts.AllowedServices = append([]string{}, c.SMM.AllowedServices...)
	}
	return opts, nil
}

// DefaultLogger uses the slog logr implementation. "debug" enables the
// analyzer's V(1) detail.
func DefaultLogger(level string, w io.Writer) logr.Logger {
	// source file and function can be long. This makes the logs less readable.
	// truncate source file and function to last 3 parts for improved readability.
	customAttr := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			ss, ok := a.Value.Any().(*slog.Source)
			if !ok || ss == nil {
				return a
			}
			f := strings.Split(ss.Function, "/")
			if len(f) > 3 {
				ss.Function = filepath.Join(f[len(f)-3:]...)
			}
			p := strings.Split(ss.File, "/")
			if len(p) > 3 {
				ss.File = filepath.Join(p[len(p)-3:]...)
			}
		}
		return a
	}
	opts := &slog.HandlerOptions{ReplaceAttr: customAttr}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(w, opts))

	return logr.FromSlogHandler(log.Handler())
}
