package config

import "os"

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// StoreDriver selects the durable backend: memory | postgres | sqlite.
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// RedisURL enables the read-through idempotency cache when set.
	RedisURL string

	// ProfilesDir holds settlement policy profile YAML files.
	ProfilesDir string

	// DefaultProfile names the profile applied to settlements that bind no
	// policy artifact.
	DefaultProfile string

	// OpsTokenSecret signs/verifies the ops-plane JWT.
	OpsTokenSecret string

	// ServerKeyID, when set, signs run chain events.
	ServerKeyID string

	// OTLPEndpoint enables trace/metric export when set.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		StoreDriver:    getenv("STORE_DRIVER", "memory"),
		DatabaseURL:    getenv("DATABASE_URL", "postgres://nooterra@localhost:5432/nooterra?sslmode=disable"),
		SQLitePath:     getenv("SQLITE_PATH", "nooterra.db"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ProfilesDir:    getenv("PROFILES_DIR", "profiles"),
		DefaultProfile: os.Getenv("DEFAULT_SETTLEMENT_PROFILE"),
		OpsTokenSecret: os.Getenv("OPS_TOKEN_SECRET"),
		ServerKeyID:    os.Getenv("SERVER_KEY_ID"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
