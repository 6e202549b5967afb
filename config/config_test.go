package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultMaxConcurrency, cfg.Jobs.MaxConcurrency)
	assert.Equal(t, DefaultCacheDir, cfg.Jobs.CacheDir)
	assert.Equal(t, DefaultOutputDir, cfg.T2I.OutputDir)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renderq.toml")
	content := `
[server]
port = 9001
allowed_origins = ["https://render.example.com"]

[jobs]
max_concurrency = 8
cache_dir = "/tmp/rq-cache"

[log]
json = true
verbosity = 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, []string{"https://render.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 8, cfg.Jobs.MaxConcurrency)
	assert.Equal(t, "/tmp/rq-cache", cfg.Jobs.CacheDir)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 1, cfg.Log.Verbosity)

	// Unspecified keys fall back to defaults.
	assert.Equal(t, DefaultOutputDir, cfg.T2I.OutputDir)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestSaveRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "renderq.toml")

	cfg, err := Load()
	require.NoError(t, err)
	cfg.Server.Port = 9999
	cfg.Jobs.MaxConcurrency = 2

	require.NoError(t, Save(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Server.Port)
	assert.Equal(t, 2, loaded.Jobs.MaxConcurrency)
}
