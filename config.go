package grantd

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds authorization server configuration.
type Config struct {
	// PendingAuthTTL is how long an opened authorization transaction stays
	// valid while the resource owner logs in. Default: 10 minutes.
	PendingAuthTTL time.Duration

	// AuthCodeTTL is how long an issued authorization code may be exchanged.
	// Default: 10 minutes.
	AuthCodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Default: 30 days.
	RefreshTokenTTL time.Duration

	// AccessTokenKey signs access tokens (required).
	AccessTokenKey []byte

	// RefreshTokenKey signs refresh tokens (required, must differ from
	// AccessTokenKey so compromise of one key does not expose the other).
	RefreshTokenKey []byte

	// LoginRatePerSecond caps login and token requests per identifier.
	// Default: 5.
	LoginRatePerSecond int

	// LoginBurst is the rate limiter burst. Default: 10.
	LoginBurst int
}

// applyDefaults fills unset values with secure defaults.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config == nil {
		config = &Config{}
	}

	out := *config

	if out.PendingAuthTTL <= 0 {
		out.PendingAuthTTL = 10 * time.Minute
		logger.Debug("Using default pending-auth TTL", "ttl", out.PendingAuthTTL)
	}
	if out.AuthCodeTTL <= 0 {
		out.AuthCodeTTL = 10 * time.Minute
		logger.Debug("Using default authorization code TTL", "ttl", out.AuthCodeTTL)
	}
	if out.AccessTokenTTL <= 0 {
		out.AccessTokenTTL = time.Hour
	}
	if out.RefreshTokenTTL <= 0 {
		out.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if out.LoginRatePerSecond <= 0 {
		out.LoginRatePerSecond = 5
	}
	if out.LoginBurst <= 0 {
		out.LoginBurst = 10
	}

	return &out
}

// validate rejects configurations that cannot be made safe by defaulting.
func (c *Config) validate() error {
	if len(c.AccessTokenKey) == 0 || len(c.RefreshTokenKey) == 0 {
		return fmt.Errorf("access and refresh token signing keys are required")
	}
	if string(c.AccessTokenKey) == string(c.RefreshTokenKey) {
		return fmt.Errorf("access and refresh token signing keys must differ")
	}
	return nil
}
