// Package config loads the engine configuration from environment
// variables, with working defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend names a snapshot store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Config holds the full engine configuration.
type Config struct {
	Port     string
	LogLevel string

	CatalogPath string
	RulesPath   string

	SnapshotBackend Backend
	SQLitePath      string
	PostgresDSN     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	FetchTimeout   time.Duration
	SnapshotMaxAge time.Duration

	OTLPEndpoint string
	OTLPInsecure bool
	Environment  string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		CatalogPath:     getenv("CATALOG_PATH", "configs/catalog.yaml"),
		RulesPath:       getenv("RULES_PATH", "configs/rules.yaml"),
		SnapshotBackend: Backend(getenv("SNAPSHOT_BACKEND", string(BackendMemory))),
		SQLitePath:      getenv("SQLITE_PATH", "sentinel.db"),
		PostgresDSN:     getenv("POSTGRES_DSN", "postgres://sentinel@localhost:5432/sentinel?sslmode=disable"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", ""),
		OTLPInsecure:    os.Getenv("OTLP_INSECURE") == "true",
		Environment:     getenv("ENVIRONMENT", "development"),
	}

	switch cfg.SnapshotBackend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		return nil, fmt.Errorf("unknown SNAPSHOT_BACKEND %q", cfg.SnapshotBackend)
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT", 12*time.Second); err != nil {
		return nil, err
	}
	if cfg.SnapshotMaxAge, err = durationEnv("SNAPSHOT_MAX_AGE", 24*time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
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

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
