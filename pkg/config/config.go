// Package config loads all service configuration from LABD_* environment
// variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/luminbio/labd/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Authz         AuthzConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds Redis configuration for the denial rate limiter
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// AuthzConfig holds access-control engine configuration
type AuthzConfig struct {
	// MatrixPath points to the JSON permission matrix; empty means the
	// built-in defaults with no hot reload
	MatrixPath string

	// LookupTimeout bounds each individual store lookup during a decision
	LookupTimeout time.Duration

	// OwnerCacheSize bounds the resource owner cache
	OwnerCacheSize int

	// DenialRateLimit is the number of denials per user per window before
	// requests are throttled; 0 disables throttling
	DenialRateLimit  int
	DenialRateWindow time.Duration
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	QueueSize int

	// GrantSweepSchedule is a cron expression for the grant state sweep
	GrantSweepSchedule string

	// ArchiveBucket enables S3 archival when non-empty
	ArchiveBucket string
	ArchivePrefix string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("LABD_HOST", "0.0.0.0"),
			Port:            getEnv("LABD_PORT", "8080"),
			ReadTimeout:     getEnvDuration("LABD_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("LABD_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("LABD_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("LABD_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("LABD_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("LABD_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("LABD_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("LABD_POSTGRES_IDLE_CONNS", 5),
			ConnLifetime: getEnvDuration("LABD_POSTGRES_CONN_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("LABD_REDIS_ENABLED", false),
			Addr:     getEnv("LABD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("LABD_REDIS_PASSWORD", ""),
			DB:       getEnvInt("LABD_REDIS_DB", 0),
		},
		Authz: AuthzConfig{
			MatrixPath:       getEnv("LABD_MATRIX_PATH", ""),
			LookupTimeout:    getEnvDuration("LABD_LOOKUP_TIMEOUT", 2*time.Second),
			OwnerCacheSize:   getEnvInt("LABD_OWNER_CACHE_SIZE", 4096),
			DenialRateLimit:  getEnvInt("LABD_DENIAL_RATE_LIMIT", 0),
			DenialRateWindow: getEnvDuration("LABD_DENIAL_RATE_WINDOW", time.Minute),
		},
		Audit: AuditConfig{
			QueueSize:          getEnvInt("LABD_AUDIT_QUEUE_SIZE", 1024),
			GrantSweepSchedule: getEnv("LABD_GRANT_SWEEP_SCHEDULE", "@every 1m"),
			ArchiveBucket:      getEnv("LABD_AUDIT_ARCHIVE_BUCKET", ""),
			ArchivePrefix:      getEnv("LABD_AUDIT_ARCHIVE_PREFIX", "audit/"),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(getEnv("LABD_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("LABD_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("LABD_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("LABD_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("LABD_OTEL_SERVICE_NAME", "labd"),
			OTelServiceVersion: getEnv("LABD_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("LABD_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Authz.LookupTimeout <= 0 {
		return fmt.Errorf("lookup timeout must be positive")
	}
	if c.Authz.DenialRateLimit > 0 && !c.Redis.Enabled {
		return fmt.Errorf("denial rate limiting requires redis")
	}

	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit queue size must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
