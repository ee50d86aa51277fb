// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StorageBackend represents the storage implementation type.
type StorageBackend string

const (
	// StorageMemory uses in-memory storage (for development/testing).
	StorageMemory StorageBackend = "memory"
	// StoragePostgres uses PostgreSQL storage (for production).
	StoragePostgres StorageBackend = "postgres"
)

// Config is the studio configuration. It is read once at startup.
type Config struct {
	Environment string // development, staging, production
	Version     string

	// Telemetry backend
	SigNozBaseURL      string
	SigNozAPIKey       string
	SigNozAPIKeyHeader string
	SigNozToken        string
	SigNozEmail        string
	SigNozPassword     string
	SigNozTimeout      time.Duration

	// Bridges
	MaxInFlight     int
	RefreshInterval time.Duration

	// Chat (disabled when OpenAIAPIKey is empty)
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ChatModel     string
	ChatLoopLimit int

	// Query cache
	CacheEnabled bool
	RedisURL     string
	CacheTTL     time.Duration

	// Transcript storage
	StorageBackend StorageBackend

	// Database (used when StorageBackend is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Dataflow runtime
	DoraBin string

	// Logging
	LogLevel  string
	LogFormat string // json, text

	// Tracing
	TracingEnabled  bool
	TracingSampling float64
	OTLPEndpoint    string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("STUDIO_ENV", "development"),
		Version:     getEnv("STUDIO_VERSION", "dev"),

		SigNozBaseURL:      getEnv("SIGNOZ_BASE_URL", "http://localhost:8080"),
		SigNozAPIKey:       getEnv("SIGNOZ_API_KEY", ""),
		SigNozAPIKeyHeader: getEnv("SIGNOZ_API_KEY_HEADER", "SIGNOZ-API-KEY"),
		SigNozToken:        getEnv("SIGNOZ_TOKEN", ""),
		SigNozEmail:        getEnv("SIGNOZ_EMAIL", ""),
		SigNozPassword:     getEnv("SIGNOZ_PASSWORD", ""),
		SigNozTimeout:      getEnvDuration("SIGNOZ_TIMEOUT", 30*time.Second),

		MaxInFlight:     getEnvInt("STUDIO_MAX_IN_FLIGHT", 8),
		RefreshInterval: getEnvDuration("STUDIO_REFRESH_INTERVAL", 5*time.Second),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		ChatModel:     getEnv("STUDIO_CHAT_MODEL", "gpt-4o-mini"),
		ChatLoopLimit: getEnvInt("STUDIO_CHAT_LOOP_LIMIT", 32),

		CacheEnabled: getEnvBool("STUDIO_CACHE_ENABLED", false),
		RedisURL:     getEnv("STUDIO_REDIS_URL", "redis://localhost:6379"),
		CacheTTL:     getEnvDuration("STUDIO_CACHE_TTL", 15*time.Second),

		StorageBackend: parseStorageBackend(getEnv("STUDIO_STORAGE_BACKEND", "memory")),

		DBHost:     getEnv("STUDIO_DB_HOST", "localhost"),
		DBPort:     getEnvInt("STUDIO_DB_PORT", 5432),
		DBUser:     getEnv("STUDIO_DB_USER", "studio"),
		DBPassword: getEnv("STUDIO_DB_PASSWORD", ""),
		DBName:     getEnv("STUDIO_DB_NAME", "studio"),
		DBSSLMode:  getEnv("STUDIO_DB_SSLMODE", "disable"),

		DoraBin: getEnv("STUDIO_DORA_BIN", "dora"),

		LogLevel:  getEnv("STUDIO_LOG_LEVEL", "info"),
		LogFormat: getEnv("STUDIO_LOG_FORMAT", "text"),

		TracingEnabled:  getEnvBool("STUDIO_TRACING_ENABLED", false),
		TracingSampling: getEnvFloat("STUDIO_TRACING_SAMPLING", 1.0),
		OTLPEndpoint:    getEnv("STUDIO_OTLP_ENDPOINT", "localhost:4317"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if (c.SigNozEmail == "") != (c.SigNozPassword == "") {
		return fmt.Errorf("SIGNOZ_EMAIL and SIGNOZ_PASSWORD must be set together")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("STUDIO_MAX_IN_FLIGHT must be positive, got %d", c.MaxInFlight)
	}
	if c.ChatLoopLimit <= 0 {
		return fmt.Errorf("STUDIO_CHAT_LOOP_LIMIT must be positive, got %d", c.ChatLoopLimit)
	}
	if c.SigNozTimeout <= 0 {
		return fmt.Errorf("SIGNOZ_TIMEOUT must be positive, got %s", c.SigNozTimeout)
	}
	return nil
}

// ChatEnabled reports whether a chat key was configured.
func (c *Config) ChatEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// SigNozAuthMode names the auth method the backend settings select, in
// precedence order api_key, bearer, credentials, none.
func (c *Config) SigNozAuthMode() string {
	switch {
	case c.SigNozAPIKey != "":
		return "api_key"
	case c.SigNozToken != "":
		return "bearer"
	case c.SigNozEmail != "" && c.SigNozPassword != "":
		return "credentials"
	default:
		return "none"
	}
}

// UsePostgresStorage returns true if using PostgreSQL storage.
func (c *Config) UsePostgresStorage() bool {
	return c.StorageBackend == StoragePostgres
}

// Helper functions

func parseStorageBackend(s string) StorageBackend {
	switch s {
	case "postgres", "postgresql", "pg":
		return StoragePostgres
	default:
		return StorageMemory
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
