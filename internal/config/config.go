// Package config loads control-plane configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the control-plane server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Workspace defaults
	DefaultIdleTimeout   time.Duration // idle time before the default cleanup action
	DefaultCleanupAction string        // "stop" or "delete"
	DefaultDeleteAfter   time.Duration // extra idle time before a stopped workspace is deleted

	// Tunnel settings
	MaxFramePayload int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./workbench.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Workspace cleanup defaults
	cfg.DefaultIdleTimeout = getEnvDuration("WORKSPACE_IDLE_TIMEOUT", 30*time.Minute)
	cfg.DefaultCleanupAction = getEnv("WORKSPACE_CLEANUP_ACTION", "stop")
	cfg.DefaultDeleteAfter = getEnvDuration("WORKSPACE_DELETE_AFTER", 0)

	// Tunnel
	cfg.MaxFramePayload = getEnvInt("TUNNEL_MAX_FRAME_PAYLOAD", 256*1024)

	return cfg, nil
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
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

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
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
