package config

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/bioquery/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 60*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Packs.MaxAge)
	assert.False(t, cfg.Model.Enabled)
	assert.Empty(t, cfg.NATS.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing addr",
			mutate:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "server.addr",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Query.Timeout = 0 },
			wantErr: "query.timeout",
		},
		{
			name:    "negative max age",
			mutate:  func(c *Config) { c.Packs.MaxAge = -time.Second },
			wantErr: "packs.max_age",
		},
		{
			name: "model endpoint without provider",
			mutate: func(c *Config) {
				c.Model.Enabled = true
				c.Model.Endpoints = map[string]*model.EndpointConfig{
					"qwen": {Model: "qwen2.5:14b"},
				}
			},
			wantErr: "provider is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bioquery.yaml")
	content := `
server:
  addr: ":9090"
packs:
  dir: /data/packs
  watch: true
query:
  timeout: 30s
  repair: true
nats:
  url: nats://localhost:4222
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "/data/packs", cfg.Packs.Dir)
	assert.True(t, cfg.Packs.Watch)
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
	assert.True(t, cfg.Query.Repair)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)

	// Unspecified fields keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Packs.MaxAge)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/bioquery.yaml")
	require.Error(t, err)

	// The wrapped read error stays errors.Is-matchable; os.IsNotExist does
	// not unwrap, so callers must not rely on it.
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, os.IsNotExist(err))
}

func TestLoadSilentWhenUserConfigAbsent(t *testing.T) {
	// Point the user config lookup at an empty home.
	t.Setenv("HOME", t.TempDir())

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := NewLoader(logger).Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	// A missing user config is the normal case, not a warning.
	assert.Empty(t, buf.String())
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{}
	override.Server.Addr = ":7070"
	override.Query.Repair = true
	override.NATS.URL = "nats://queue:4222"

	base.Merge(override)

	assert.Equal(t, ":7070", base.Server.Addr)
	assert.True(t, base.Query.Repair)
	assert.Equal(t, "nats://queue:4222", base.NATS.URL)
	// Zero values in the override do not clobber defaults.
	assert.Equal(t, 60*time.Second, base.Query.Timeout)
}

func TestMergeNil(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merge(nil)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Addr = ":8888"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":8888", loaded.Server.Addr)
}
