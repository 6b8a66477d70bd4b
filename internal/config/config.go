// Package config loads server settings from the environment. Everything
// has a safe default except the database URL.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// AuthMode selects which bearer credentials the server accepts.
const (
	AuthModeAPIKeyOnly = "api-key-only"
	AuthModeDual       = "dual"
)

// Config holds the lore server configuration.
type Config struct {
	DatabaseURL       string
	Host              string
	Port              int
	RateLimit         int
	RateWindowSeconds int
	HalfLifeDays      float64
	AuthMode          string
	JWTSecret         string
}

// FromEnv reads configuration from environment variables, applying
// defaults for everything but DATABASE_URL.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Host:              envOr("LORE_HOST", "0.0.0.0"),
		Port:              8765,
		RateLimit:         100,
		RateWindowSeconds: 60,
		HalfLifeDays:      30,
		AuthMode:          envOr("LORE_AUTH_MODE", AuthModeAPIKeyOnly),
		JWTSecret:         os.Getenv("LORE_JWT_SECRET"),
	}

	var err error
	if cfg.Port, err = envInt("LORE_PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = envInt("LORE_RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.RateWindowSeconds, err = envInt("LORE_RATE_WINDOW_SECONDS", cfg.RateWindowSeconds); err != nil {
		return nil, err
	}
	if v := os.Getenv("LORE_HALF_LIFE_DAYS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid LORE_HALF_LIFE_DAYS %q: %w", v, err)
		}
		cfg.HalfLifeDays = f
	}

	if cfg.AuthMode != AuthModeAPIKeyOnly && cfg.AuthMode != AuthModeDual {
		return nil, fmt.Errorf("invalid LORE_AUTH_MODE %q", cfg.AuthMode)
	}
	if cfg.AuthMode == AuthModeDual && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("LORE_JWT_SECRET is required when LORE_AUTH_MODE=dual")
	}

	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
