// Package config provides configuration for the CLI front end. Backend,
// chat and storage settings are read by pkg/config.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds CLI configuration.
type Config struct {
	// Output format
	Format string // json, table, yaml

	// Verbosity
	Verbose bool

	// Timeout bounds a single command round trip.
	Timeout time.Duration

	// FrameInterval is how often the frame loop polls the bridges.
	FrameInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Format:        getEnv("STUDIO_FORMAT", "table"),
		Verbose:       getEnvBool("STUDIO_VERBOSE", false),
		Timeout:       getEnvDuration("STUDIO_CLI_TIMEOUT", 2*time.Minute),
		FrameInterval: getEnvDuration("STUDIO_FRAME_INTERVAL", 16*time.Millisecond),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
