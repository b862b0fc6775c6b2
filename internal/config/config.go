// Package config loads CLI configuration from the environment.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the chatwatch CLI.
type Config struct {
	APIURL string
	WSURL  string
	Token  string
	UserID string
	Env    string

	PollInterval time.Duration

	// MetricsAddr enables a /metrics listener in watch mode when set,
	// e.g. ":9091".
	MetricsAddr string
}

// Load reads configuration from environment variables. In development it
// loads from a .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:      getEnv("CHAT_API_URL", "http://localhost:8080"),
		WSURL:       os.Getenv("CHAT_WS_URL"),
		Token:       os.Getenv("CHAT_TOKEN"),
		UserID:      os.Getenv("CHAT_USER_ID"),
		Env:         getEnv("ENV", "development"),
		MetricsAddr: os.Getenv("CHAT_METRICS_ADDR"),
	}

	if raw := os.Getenv("CHAT_POLL_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
