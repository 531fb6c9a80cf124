package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 500*time.Millisecond, cfg.Generation.Stagger)
	assert.Equal(t, time.Second, cfg.Generation.PendingWait)
	assert.Equal(t, 3, cfg.Images.Attempts)
	assert.Equal(t, "json", cfg.Store.Driver)
	require.NoError(t, Validate(cfg))
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path))

	t.Setenv("CHORUS_STORE__DRIVER", "json")
	t.Setenv("CHORUS_GENERATION__PENDING_WAIT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Store.Driver)
	assert.Equal(t, "data/chorus.db", cfg.Store.Path)
	assert.Equal(t, 3*time.Second, cfg.Generation.PendingWait)
	assert.Equal(t, 30.0, cfg.Generation.RatePerMinute)
	assert.Equal(t, 2, cfg.Generation.Burst)
	assert.InDelta(t, 0.8, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, "data/activity", cfg.Log.Activity)
	assert.Equal(t, 500, cfg.Log.SegmentSize)
	require.NoError(t, Validate(cfg))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"provider":    func(c *Config) { c.LLM.Provider = "carrier-pigeon" },
		"temperature": func(c *Config) { c.LLM.Temperature = 3 },
		"driver":      func(c *Config) { c.Store.Driver = "csv" },
		"path":        func(c *Config) { c.Store.Path = "" },
		"wait":        func(c *Config) { c.Generation.PendingWait = 0 },
		"attempts":    func(c *Config) { c.Images.Attempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			assert.Error(t, Validate(&cfg))
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "generation.rate_per_minute", envKey("CHORUS_GENERATION__RATE_PER_MINUTE"))
	assert.Equal(t, "log.level", envKey("CHORUS_LOG__LEVEL"))
}
