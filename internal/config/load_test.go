package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ParsesFullFile(t *testing.T) {
	path := writeConfig(t, `
project_id = "proj-1"
data_dir = "/tmp/musesync-test"
remote_url = "https://sync.example.com"
log_level = "debug"

[sync]
interval = "45s"
max_backoff = "2m"
call_timeout = "10s"
debounce = "250ms"
retry_ceiling = 7
fan_out = 8
ai_fan_out = 3
batch_limit = 100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "proj-1", cfg.ProjectID)
	assert.Equal(t, "/tmp/musesync-test", cfg.DataDir)
	assert.Equal(t, "https://sync.example.com", cfg.RemoteURL)
	assert.Equal(t, "debug", cfg.LogLevel)

	assert.Equal(t, 45*time.Second, cfg.Sync.Interval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Sync.MaxBackoff.Duration)
	assert.Equal(t, 10*time.Second, cfg.Sync.CallTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.Debounce.Duration)
	assert.Equal(t, 7, cfg.Sync.RetryCeiling)
	assert.Equal(t, 8, cfg.Sync.FanOut)
	assert.Equal(t, 3, cfg.Sync.AIFanOut)
	assert.Equal(t, 100, cfg.Sync.BatchLimit)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `project_id = "proj-1"`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "proj-1", cfg.ProjectID)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Zero(t, cfg.Sync.Interval.Duration, "unset knobs stay zero for the engine defaults")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, `
project_id = "proj-1"
projct_typo = "oops"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
	assert.Contains(t, err.Error(), "projct_typo")
}

func TestLoad_MalformedDurationRejected(t *testing.T) {
	path := writeConfig(t, `
[sync]
interval = "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ExplicitMissingPathIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	// Point the default config location at an empty dir.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.ProjectID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/from/file"
remote_url = "https://file.example.com"
`)

	t.Setenv(envDataDir, "/from/env")
	t.Setenv(envRemoteURL, "https://env.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.DataDir)
	assert.Equal(t, "https://env.example.com", cfg.RemoteURL)
}

func TestDBPath_ScopedToProject(t *testing.T) {
	dir := t.TempDir()

	cfg := &Config{ProjectID: "proj-1", DataDir: filepath.Join(dir, "data")}

	dbPath, err := cfg.DBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "outbox-proj-1.db"), dbPath)

	// The data dir is created on resolution.
	info, err := os.Stat(filepath.Join(dir, "data"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	other := &Config{ProjectID: "proj-2", DataDir: filepath.Join(dir, "data")}

	otherPath, err := other.DBPath()
	require.NoError(t, err)
	assert.NotEqual(t, dbPath, otherPath, "projects never share an outbox database")
}
