// Package config loads and validates the musesync configuration: a TOML
// file plus environment overrides, resolved once at CLI startup.
package config

import (
	"time"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = parsed

	return nil
}

// Config is the on-disk configuration.
type Config struct {
	ProjectID string `toml:"project_id"`
	DataDir   string `toml:"data_dir"`
	RemoteURL string `toml:"remote_url"`
	LogLevel  string `toml:"log_level"`

	Sync SyncConfig `toml:"sync"`
}

// SyncConfig tunes the engine. Zero values fall back to the engine's own
// defaults, so a config file only needs the knobs it changes.
type SyncConfig struct {
	Interval     Duration `toml:"interval"`
	MaxBackoff   Duration `toml:"max_backoff"`
	CallTimeout  Duration `toml:"call_timeout"`
	Debounce     Duration `toml:"debounce"`
	RetryCeiling int      `toml:"retry_ceiling"`
	FanOut       int      `toml:"fan_out"`
	AIFanOut     int      `toml:"ai_fan_out"`
	BatchLimit   int      `toml:"batch_limit"`
}

// Default returns a Config with baseline values. ProjectID and RemoteURL
// have no useful defaults and must come from the file or flags.
func Default() *Config {
	return &Config{
		LogLevel: "info",
	}
}
