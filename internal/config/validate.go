package config

import (
	"fmt"
	"net/url"
)

// validLogLevels mirrors the slog levels the CLI maps onto.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks field values. ProjectID and RemoteURL presence is
// enforced by the commands that need them (status works without a remote),
// so only well-formedness is checked here.
func (c *Config) Validate() error {
	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log_level %q (want debug, info, warn, or error)", c.LogLevel)
	}

	if c.RemoteURL != "" {
		u, err := url.Parse(c.RemoteURL)
		if err != nil {
			return fmt.Errorf("config: invalid remote_url: %w", err)
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: remote_url must be http or https, got %q", c.RemoteURL)
		}
	}

	if c.Sync.RetryCeiling < 0 {
		return fmt.Errorf("config: retry_ceiling must not be negative, got %d", c.Sync.RetryCeiling)
	}

	if c.Sync.FanOut < 0 || c.Sync.AIFanOut < 0 {
		return fmt.Errorf("config: fan_out values must not be negative")
	}

	if c.Sync.BatchLimit < 0 {
		return fmt.Errorf("config: batch_limit must not be negative, got %d", c.Sync.BatchLimit)
	}

	return nil
}
