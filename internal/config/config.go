// Package config loads settings from defaults, an optional config.toml and
// SONOSPLAY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	appDir    = "sonosplay"
	fileName  = "config.toml"
	envPrefix = "SONOSPLAY_"
)

type Config struct {
	LogLevel              string `toml:"log_level"`
	LogFormat             string `toml:"log_format"`
	ScanTimeoutMS         int    `toml:"scan_timeout_ms"`
	FallbackScanTimeoutMS int    `toml:"fallback_scan_timeout_ms"`
	CommandTimeoutMS      int    `toml:"command_timeout_ms"`
	ShutdownTimeoutMS     int    `toml:"shutdown_timeout_ms"`
	PollIntervalMS        int    `toml:"poll_interval_ms"`
	BindHost              string `toml:"bind_host"`
	AdvertiseHost         string `toml:"advertise_host"`
	DefaultTarget         string `toml:"default_target"`
}

func Default() Config {
	return Config{
		LogLevel:              "info",
		LogFormat:             "json",
		ScanTimeoutMS:         5000,
		FallbackScanTimeoutMS: 8000,
		CommandTimeoutMS:      5000,
		ShutdownTimeoutMS:     5000,
		PollIntervalMS:        4000,
	}
}

// Load reads path, or the default location when path is empty, over the
// defaults and then applies environment overrides. A missing file at the
// default location is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return Config{}, err
		}
	}

	if err := decodeFile(path, explicit, &cfg); err != nil {
		return Config{}, err
	}

	cfg, err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultPath is $XDG_CONFIG_HOME/sonosplay/config.toml, falling back to
// ~/.config.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appDir, fileName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appDir, fileName), nil
}

func decodeFile(path string, required bool, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overrides fields from SONOSPLAY_<KEY> variables, where KEY is the
// upper-cased TOML key.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	strs := map[string]*string{
		"LOG_LEVEL":      &c.LogLevel,
		"LOG_FORMAT":     &c.LogFormat,
		"BIND_HOST":      &c.BindHost,
		"ADVERTISE_HOST": &c.AdvertiseHost,
		"DEFAULT_TARGET": &c.DefaultTarget,
	}
	for key, field := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*field = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"SCAN_TIMEOUT_MS":          &c.ScanTimeoutMS,
		"FALLBACK_SCAN_TIMEOUT_MS": &c.FallbackScanTimeoutMS,
		"COMMAND_TIMEOUT_MS":       &c.CommandTimeoutMS,
		"SHUTDOWN_TIMEOUT_MS":      &c.ShutdownTimeoutMS,
		"POLL_INTERVAL_MS":         &c.PollIntervalMS,
	}
	for key, field := range ints {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s%s=%q: %w", envPrefix, key, v, err)
		}
		*field = parsed
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		name  string
		value int
	}{
		{"scan_timeout_ms", c.ScanTimeoutMS},
		{"fallback_scan_timeout_ms", c.FallbackScanTimeoutMS},
		{"command_timeout_ms", c.CommandTimeoutMS},
		{"shutdown_timeout_ms", c.ShutdownTimeoutMS},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.PollIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("poll_interval_ms must not be negative, got %d", c.PollIntervalMS))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMS) * time.Millisecond
}

func (c Config) FallbackScanTimeout() time.Duration {
	return time.Duration(c.FallbackScanTimeoutMS) * time.Millisecond
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// PollInterval is zero when polling is disabled.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
