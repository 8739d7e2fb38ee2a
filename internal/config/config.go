// Package config loads trade engine settings from a YAML file and
// SECTORWARS_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sectorwars/trade-engine/internal/negotiation"
	"github.com/sectorwars/trade-engine/internal/pricing"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Inventory   InventoryConfig   `mapstructure:"inventory"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Uniqueness  UniquenessConfig  `mapstructure:"uniqueness"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Seed        SeedConfig        `mapstructure:"seed"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the persistence backend. Redis caching applies to the
// sqlite and postgres drivers.
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"` // memory, sqlite or postgres
	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresURL string        `mapstructure:"postgres_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// PricingConfig tunes the price model
type PricingConfig struct {
	MinFactor          float64 `mapstructure:"min_factor"`
	MaxFactor          float64 `mapstructure:"max_factor"`
	DepletionScale     float64 `mapstructure:"depletion_scale"`
	RateFloor          float64 `mapstructure:"rate_floor"`
	ScarcityMultiplier float64 `mapstructure:"scarcity_multiplier"`
}

// InventoryConfig holds production catch-up settings
type InventoryConfig struct {
	StorageHours float64 `mapstructure:"storage_hours"`
	MinCapacity  int64   `mapstructure:"min_capacity"`
}

// NegotiationConfig holds haggling settings
type NegotiationConfig struct {
	MaxRounds          int           `mapstructure:"max_rounds"`
	HardBound          float64       `mapstructure:"hard_bound"`
	MaxPersuasionBonus float64       `mapstructure:"max_persuasion_bonus"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	MaxSessions        int           `mapstructure:"max_sessions"`
	ConflictRetries    int           `mapstructure:"conflict_retries"`
}

// UniquenessConfig holds haggling statement originality settings
type UniquenessConfig struct {
	Threshold   float64 `mapstructure:"threshold"`
	Dimensions  int     `mapstructure:"dimensions"`
	PersistPath string  `mapstructure:"persist_path"` // empty keeps the index in memory
}

// LLMConfig holds the optional statement evaluator settings. An empty API
// key disables it.
type LLMConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	URL          string        `mapstructure:"url"`
	Model        string        `mapstructure:"model"`
	MaxPerMinute int           `mapstructure:"max_per_minute"`
	CacheSize    int           `mapstructure:"cache_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SeedConfig sizes the demo galaxy written by the seed command
type SeedConfig struct {
	Ports           int     `mapstructure:"ports"`
	Players         int     `mapstructure:"players"`
	StartingCredits float64 `mapstructure:"starting_credits"`
	CargoCapacity   int64   `mapstructure:"cargo_capacity"`
}

// Load reads configuration from file and environment variables. An empty
// path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SECTORWARS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "./data/trade.db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", "30s")

	p := pricing.DefaultParams()
	v.SetDefault("pricing.min_factor", p.MinFactor)
	v.SetDefault("pricing.max_factor", p.MaxFactor)
	v.SetDefault("pricing.depletion_scale", p.DepletionScale)
	v.SetDefault("pricing.rate_floor", p.RateFloor)
	v.SetDefault("pricing.scarcity_multiplier", p.ScarcityMultiplier)

	v.SetDefault("inventory.storage_hours", 240.0)
	v.SetDefault("inventory.min_capacity", 100)

	n := negotiation.DefaultConfig()
	v.SetDefault("negotiation.max_rounds", n.MaxRounds)
	v.SetDefault("negotiation.hard_bound", n.HardBound)
	v.SetDefault("negotiation.max_persuasion_bonus", n.MaxPersuasionBonus)
	v.SetDefault("negotiation.session_ttl", "30m")
	v.SetDefault("negotiation.max_sessions", 10000)
	v.SetDefault("negotiation.conflict_retries", 3)

	v.SetDefault("uniqueness.threshold", 0.85)
	v.SetDefault("uniqueness.dimensions", 256)
	v.SetDefault("uniqueness.persist_path", "")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.url", "https://api.anthropic.com/v1/messages")
	v.SetDefault("llm.model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.max_per_minute", 20)
	v.SetDefault("llm.cache_size", 1024)
	v.SetDefault("llm.timeout", "10s")

	v.SetDefault("seed.ports", 24)
	v.SetDefault("seed.players", 3)
	v.SetDefault("seed.starting_credits", 10000.0)
	v.SetDefault("seed.cargo_capacity", 500)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.request_timeout and server.shutdown_timeout must be positive")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, sqlite, postgres")
	}
	if c.Store.RedisURL != "" && c.Store.CacheTTL <= 0 {
		return fmt.Errorf("store.cache_ttl must be positive when redis is configured")
	}

	if _, err := pricing.NewModel(c.PricingParams()); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}

	if c.Inventory.StorageHours <= 0 {
		return fmt.Errorf("inventory.storage_hours must be positive")
	}
	if c.Inventory.MinCapacity < 1 {
		return fmt.Errorf("inventory.min_capacity must be at least 1")
	}

	if c.Negotiation.MaxRounds < 1 {
		return fmt.Errorf("negotiation.max_rounds must be at least 1")
	}
	if c.Negotiation.HardBound <= 0 || c.Negotiation.HardBound >= 1 {
		return fmt.Errorf("negotiation.hard_bound must be between 0 and 1 exclusive")
	}
	if c.Negotiation.MaxPersuasionBonus < 0 || c.Negotiation.MaxPersuasionBonus > c.Negotiation.HardBound {
		return fmt.Errorf("negotiation.max_persuasion_bonus must be between 0 and hard_bound")
	}
	if c.Negotiation.SessionTTL < time.Minute {
		return fmt.Errorf("negotiation.session_ttl must be at least 1 minute")
	}
	if c.Negotiation.MaxSessions < 1 {
		return fmt.Errorf("negotiation.max_sessions must be at least 1")
	}
	if c.Negotiation.ConflictRetries < 0 {
		return fmt.Errorf("negotiation.conflict_retries must not be negative")
	}

	if c.Uniqueness.Threshold <= 0 || c.Uniqueness.Threshold > 1 {
		return fmt.Errorf("uniqueness.threshold must be in (0, 1]")
	}
	if c.Uniqueness.Dimensions < 16 {
		return fmt.Errorf("uniqueness.dimensions must be at least 16")
	}

	if c.LLM.APIKey != "" {
		if c.LLM.URL == "" || c.LLM.Model == "" {
			return fmt.Errorf("llm.url and llm.model are required when llm.api_key is set")
		}
		if c.LLM.MaxPerMinute < 1 {
			return fmt.Errorf("llm.max_per_minute must be at least 1")
		}
	}

	if c.Seed.Ports < 0 || c.Seed.Players < 0 {
		return fmt.Errorf("seed.ports and seed.players must not be negative")
	}
	if c.Seed.StartingCredits < 0 || c.Seed.CargoCapacity < 0 {
		return fmt.Errorf("seed.starting_credits and seed.cargo_capacity must not be negative")
	}

	return nil
}

// PricingParams converts the pricing section into model parameters.
func (c *Config) PricingParams() pricing.Params {
	return pricing.Params{
		MinFactor:          c.Pricing.MinFactor,
		MaxFactor:          c.Pricing.MaxFactor,
		DepletionScale:     c.Pricing.DepletionScale,
		RateFloor:          c.Pricing.RateFloor,
		ScarcityMultiplier: c.Pricing.ScarcityMultiplier,
	}
}

// NegotiationParams converts the negotiation section into engine tuning.
func (c *Config) NegotiationParams() negotiation.Config {
	return negotiation.Config{
		MaxRounds:          c.Negotiation.MaxRounds,
		HardBound:          c.Negotiation.HardBound,
		MaxPersuasionBonus: c.Negotiation.MaxPersuasionBonus,
	}
}

// LLMParams converts the llm section into evaluator settings.
func (c *Config) LLMParams() negotiation.LLMConfig {
	return negotiation.LLMConfig{
		APIKey:       c.LLM.APIKey,
		URL:          c.LLM.URL,
		Model:        c.LLM.Model,
		MaxPerMinute: c.LLM.MaxPerMinute,
		CacheSize:    c.LLM.CacheSize,
		Timeout:      c.LLM.Timeout,
	}
}

// ParseLevel maps a logging.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level must be one of: debug, info, warn, error")
}
