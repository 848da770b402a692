package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Environment overrides. These win over the config file because deployment
// scripts set them without touching user files.
const (
	envDataDir   = "MUSESYNC_DATA_DIR"
	envRemoteURL = "MUSESYNC_REMOTE_URL"
)

// DefaultPath returns the default config file location,
// $XDG_CONFIG_HOME/musesync/config.toml (or the OS equivalent).
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}

	return filepath.Join(base, "musesync", "config.toml"), nil
}

// Load reads the config file at path (or the default location when path is
// empty), applies environment overrides, and validates the result. A
// missing file is not an error: defaults plus overrides are returned, so
// fully flag/env-driven use works without a file.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""

	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}

		path = defaultPath
	}

	meta, err := toml.DecodeFile(path, cfg)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		if explicit {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		// No file at the default location; defaults apply.

	case err != nil:
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)

	default:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv(envRemoteURL); v != "" {
		cfg.RemoteURL = v
	}
}

// ResolveDataDir returns the configured data directory, defaulting to the
// OS user data dir, and creates it if needed.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir

	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("config: resolving user data dir: %w", err)
		}

		dir = filepath.Join(base, "musesync")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: creating data dir %s: %w", dir, err)
	}

	return dir, nil
}

// DBPath returns the project-scoped outbox database path under the data
// directory. One database per project: engines are never shared across
// projects.
func (c *Config) DBPath() (string, error) {
	dir, err := c.ResolveDataDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "outbox-"+c.ProjectID+".db"), nil
}
