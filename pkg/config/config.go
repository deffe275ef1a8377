// Package config loads kernel configuration: server settings from
// environment variables and per-tenant policy/trust profiles from YAML.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	SQLitePath     string
	ReplayBackend  string // memory | sqlite | postgres | redis
	PostgresURL    string
	RedisURL       string
	WebhookURL     string
	SigningKeyID   string
	ProfilesDir    string
	OTLPEndpoint   string
	TracingEnabled bool
}

// Load reads configuration from environment variables, with defaults
// suitable for a single-node deployment.
func Load() *Config {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		SQLitePath:    getenv("SQLITE_PATH", "clearhold.db"),
		ReplayBackend: getenv("REPLAY_BACKEND", "sqlite"),
		PostgresURL:   os.Getenv("POSTGRES_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		SigningKeyID:  getenv("SIGNING_KEY_ID", "clearhold-dev"),
		ProfilesDir:   getenv("PROFILES_DIR", "profiles"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
	}
	cfg.TracingEnabled = cfg.OTLPEndpoint != ""
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
