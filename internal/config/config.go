// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	WebPort   string
	WebDomain string // public hostname used to build chat URLs
	Env       string // "development", "staging", "production"
	LogLevel  string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Session & credit core
	MasterKey         string // hex-encoded 32-byte master secret for per-account KEKs
	SessionTimeoutMs  int64  // idle timeout for live sessions
	SSHPort           int    // default port for remote hosts
	TickIntervalS     int    // credit ticker period in seconds
	ControlDir        string // directory for control sockets and temp key files
	MaxSessions       int    // concurrent {pending,active} leases per account
	DefaultTokenTTLMs int64  // bearer token lifetime

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// GitHub OAuth
	GithubClientID     string
	GithubClientSecret string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultWebPort        = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultSessionTimeout = 30 * 60 * 1000 // 30 minutes, in ms
	DefaultSSHPort        = 22
	DefaultTickInterval   = 30 // seconds
	DefaultControlDir     = "/tmp/clawdfather"
	DefaultMaxSessions    = 3
)

// DefaultTokenTTL is the bearer token lifetime in milliseconds (30 days).
const DefaultTokenTTL = int64(30 * 24 * time.Hour / time.Millisecond)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		WebPort:             getEnv("WEB_PORT", DefaultWebPort),
		WebDomain:           getEnv("WEB_DOMAIN", "localhost:"+getEnv("WEB_PORT", DefaultWebPort)),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MasterKey:           os.Getenv("MASTER_KEY"),   // Required, no default
		SessionTimeoutMs:    getEnvInt64("SESSION_TIMEOUT_MS", DefaultSessionTimeout),
		SSHPort:             int(getEnvInt64("SSH_PORT", DefaultSSHPort)),
		TickIntervalS:       int(getEnvInt64("TICK_INTERVAL_S", DefaultTickInterval)),
		ControlDir:          getEnv("CONTROL_DIR", DefaultControlDir),
		MaxSessions:         int(getEnvInt64("MAX_SESSIONS_PER_ACCOUNT", DefaultMaxSessions)),
		DefaultTokenTTLMs:   getEnvInt64("TOKEN_TTL_MS", DefaultTokenTTL),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GithubClientID:      os.Getenv("GITHUB_CLIENT_ID"),
		GithubClientSecret:  os.Getenv("GITHUB_CLIENT_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("MASTER_KEY is required")
	}
	if len(c.MasterKey) != 64 {
		return fmt.Errorf("MASTER_KEY must be 64 hex characters (32 bytes)")
	}
	for _, r := range c.MasterKey {
		if !isHexRune(r) {
			return fmt.Errorf("MASTER_KEY must be hex-encoded")
		}
	}

	if c.TickIntervalS <= 0 {
		return fmt.Errorf("TICK_INTERVAL_S must be positive")
	}
	if c.SessionTimeoutMs <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MS must be positive")
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		return fmt.Errorf("SSH_PORT must be a valid port")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS_PER_ACCOUNT must be positive")
	}

	return nil
}

// TickInterval returns the ticker period as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalS) * time.Second
}

// SessionTimeout returns the idle timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func isHexRune(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F'
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
