package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Negotiation.MaxRounds)
	assert.Equal(t, 30*time.Minute, cfg.Negotiation.SessionTTL)
	assert.InDelta(t, 0.85, cfg.Uniqueness.Threshold, 1e-9)
	assert.InDelta(t, 0.1, cfg.PricingParams().MinFactor, 1e-9)
	assert.InDelta(t, 0.5, cfg.NegotiationParams().HardBound, 1e-9)
	assert.Empty(t, cfg.LLMParams().APIKey)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
logging:
  level: debug
  format: text
store:
  driver: sqlite
  sqlite_path: /tmp/sw.db
negotiation:
  max_rounds: 6
  session_ttl: 1h
uniqueness:
  threshold: 0.9
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/sw.db", cfg.Store.SQLitePath)
	assert.Equal(t, 6, cfg.Negotiation.MaxRounds)
	assert.Equal(t, time.Hour, cfg.Negotiation.SessionTTL)
	assert.InDelta(t, 0.9, cfg.Uniqueness.Threshold, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Negotiation.ConflictRetries)

	level, err := ParseLevel(cfg.Logging.Level)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SECTORWARS_STORE_DRIVER", "postgres")
	t.Setenv("SECTORWARS_STORE_POSTGRES_URL", "postgres://localhost/sectorwars")
	t.Setenv("SECTORWARS_NEGOTIATION_MAX_ROUNDS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/sectorwars", cfg.Store.PostgresURL)
	assert.Equal(t, 2, cfg.Negotiation.MaxRounds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }, "store.postgres_url"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"inverted price clamp", func(c *Config) { c.Pricing.MaxFactor = 0.05 }, "pricing"},
		{"no rounds", func(c *Config) { c.Negotiation.MaxRounds = 0 }, "negotiation.max_rounds"},
		{"hard bound too wide", func(c *Config) { c.Negotiation.HardBound = 1 }, "negotiation.hard_bound"},
		{"bonus beyond bound", func(c *Config) { c.Negotiation.MaxPersuasionBonus = 0.6 }, "negotiation.max_persuasion_bonus"},
		{"short ttl", func(c *Config) { c.Negotiation.SessionTTL = time.Second }, "negotiation.session_ttl"},
		{"zero threshold", func(c *Config) { c.Uniqueness.Threshold = 0 }, "uniqueness.threshold"},
		{"tiny embeddings", func(c *Config) { c.Uniqueness.Dimensions = 4 }, "uniqueness.dimensions"},
		{"llm without model", func(c *Config) { c.LLM.APIKey = "k"; c.LLM.Model = "" }, "llm.url and llm.model"},
		{"negative seed", func(c *Config) { c.Seed.Players = -1 }, "seed.ports"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
