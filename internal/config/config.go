// Package config loads process configuration from GATEHOUSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const minSecretLength = 32

// Config is the complete runtime configuration of the gatehouse binaries.
type Config struct {
	// An empty GRPCAddr disables the gRPC listener. An empty DatabaseURL
	// selects the in-memory store and an empty RedisURL keeps revocations in
	// process memory.
	HTTPAddr    string `env:"GATEHOUSE_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GATEHOUSE_GRPC_ADDR" envDefault:":9090"`
	DatabaseURL string `env:"GATEHOUSE_DATABASE_URL"`
	RedisURL    string `env:"GATEHOUSE_REDIS_URL"`

	TokenSecret         string        `env:"GATEHOUSE_TOKEN_SECRET"`
	TokenIssuer         string        `env:"GATEHOUSE_TOKEN_ISSUER" envDefault:"gatehouse"`
	TokenTTL            time.Duration `env:"GATEHOUSE_TOKEN_TTL" envDefault:"15m"`
	RevocationCacheSize int           `env:"GATEHOUSE_REVOCATION_CACHE_SIZE" envDefault:"4096"`
	LiveUserCheck       bool          `env:"GATEHOUSE_LIVE_USER_CHECK" envDefault:"false"`

	InvitationTTL time.Duration `env:"GATEHOUSE_INVITATION_TTL" envDefault:"168h"`
	StoreTimeout  time.Duration `env:"GATEHOUSE_STORE_TIMEOUT" envDefault:"3s"`
	SweepSchedule string        `env:"GATEHOUSE_SWEEP_SCHEDULE" envDefault:"@every 1m"`

	RateLimitBurst     int      `env:"GATEHOUSE_RATE_LIMIT_BURST" envDefault:"20"`
	RateLimitPerSecond int      `env:"GATEHOUSE_RATE_LIMIT_PER_SECOND" envDefault:"10"`
	MaxBodyBytes       int64    `env:"GATEHOUSE_MAX_BODY_BYTES" envDefault:"1048576"`
	AllowedOrigins     []string `env:"GATEHOUSE_ALLOWED_ORIGINS" envSeparator:","`

	CatalogPath   string `env:"GATEHOUSE_CATALOG_PATH"`
	AdminEmail    string `env:"GATEHOUSE_ADMIN_EMAIL"`
	AdminPassword string `env:"GATEHOUSE_ADMIN_PASSWORD"`
	AdminName     string `env:"GATEHOUSE_ADMIN_NAME" envDefault:"Administrator"`
	AdminRole     string `env:"GATEHOUSE_ADMIN_ROLE"`

	LogLevel string `env:"GATEHOUSE_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.TokenSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("GATEHOUSE_TOKEN_SECRET must be at least %d bytes", minSecretLength))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("GATEHOUSE_HTTP_ADDR is required"))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"GATEHOUSE_TOKEN_TTL", c.TokenTTL},
		{"GATEHOUSE_INVITATION_TTL", c.InvitationTTL},
		{"GATEHOUSE_STORE_TIMEOUT", c.StoreTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.TokenTTL%time.Second != 0 {
		errs = append(errs, errors.New("GATEHOUSE_TOKEN_TTL must be a whole number of seconds"))
	}
	if c.RateLimitBurst <= 0 || c.RateLimitPerSecond <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("GATEHOUSE_MAX_BODY_BYTES must be positive"))
	}
	if c.AdminEmail != "" && c.AdminPassword == "" {
		errs = append(errs, errors.New("GATEHOUSE_ADMIN_PASSWORD is required with GATEHOUSE_ADMIN_EMAIL"))
	}
	return errors.Join(errs...)
}
