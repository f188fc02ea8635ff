package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Store backends.
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// Config holds all configuration for the roomsync service.
type Config struct {
	// Service settings
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"roomsync"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"ROOMSYNC_PORT" envDefault:"8190"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Instance identity. Generated at startup when empty so replicas can
	// share one config file.
	InstanceID string `env:"INSTANCE_ID"`

	// OpenTelemetry
	EnableTracing bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`

	// Auth
	AuthEnabled  bool   `env:"AUTH_ENABLED" envDefault:"false"`
	AuthIssuer   string `env:"ISSUER"`
	AuthAudience string `env:"AUDIENCE"`
	AuthJWKSURL  string `env:"JWKS_URL"`

	// Coordination backend
	StoreBackend string `env:"STORE_BACKEND" envDefault:"redis"`
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Leader election
	LeaderKey             string        `env:"LEADER_KEY" envDefault:"global_server_leader"`
	LeaderRenewalInterval time.Duration `env:"LEADER_RENEWAL_INTERVAL" envDefault:"10s"`
	LeaderLeaseTTL        time.Duration `env:"LEADER_LEASE_TTL" envDefault:"30s"`

	// Janitor (orphaned room sweep, leader-only)
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1m"`
	JanitorLockTTL  time.Duration `env:"JANITOR_LOCK_TTL" envDefault:"30s"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	switch cfg.StoreBackend {
	case StoreBackendRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("REDIS_URL is required when STORE_BACKEND is redis")
		}
	case StoreBackendMemory:
		// Single-instance development mode, nothing to validate.
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendRedis, StoreBackendMemory, cfg.StoreBackend)
	}

	if cfg.LeaderRenewalInterval <= 0 {
		return nil, fmt.Errorf("LEADER_RENEWAL_INTERVAL must be positive")
	}
	if cfg.LeaderLeaseTTL < 3*cfg.LeaderRenewalInterval {
		return nil, fmt.Errorf("LEADER_LEASE_TTL must be at least 3x LEADER_RENEWAL_INTERVAL")
	}

	if cfg.AuthEnabled {
		if strings.TrimSpace(cfg.AuthIssuer) == "" {
			return nil, fmt.Errorf("ISSUER is required when AUTH_ENABLED is true")
		}
		if strings.TrimSpace(cfg.AuthAudience) == "" {
			return nil, fmt.Errorf("AUDIENCE is required when AUTH_ENABLED is true")
		}
		if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
			return nil, fmt.Errorf("JWKS_URL is required when AUTH_ENABLED is true")
		}
	}

	return cfg, nil
}

// Addr returns the HTTP server address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
