// Package config loads the trade engine's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is shared by the server and tradectl.
type Config struct {
	Port           string        `env:"PORT"              envDefault:"8080"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	CacheTTL       time.Duration `env:"CACHE_TTL"         envDefault:"30s"`
	JournalPath    string        `env:"JOURNAL_PATH"`
	JWTSecret      string        `env:"JWT_SECRET"`
	CatalogSeed    string        `env:"CATALOG_SEED_PATH"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"   envDefault:"30s"`
	LogLevel       string        `env:"LOG_LEVEL"         envDefault:"info"`
	Migrate        bool          `env:"MIGRATE"           envDefault:"false"`
}

// Load parses Config from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("parse env: CACHE_TTL must be positive, got %s", cfg.CacheTTL)
	}
	return cfg, nil
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
