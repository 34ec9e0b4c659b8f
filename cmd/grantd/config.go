package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds all daemon configuration options.
type Config struct {
	// Server config
	Port     string `long:"port" env:"PORT" default:"8080" description:"Server port"`
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`

	// Storage config
	StorageMode string `long:"storage-mode" env:"STORAGE_MODE" default:"memory" choice:"memory" choice:"valkey" description:"Ephemeral record storage backend"`

	// Valkey storage
	Valkey struct {
		Addr      string `long:"valkey-addr" env:"VALKEY_ADDR" default:"localhost:6379" description:"Valkey address"`
		Password  string `long:"valkey-password" env:"VALKEY_PASSWORD" description:"Valkey password"`
		DB        int    `long:"valkey-db" env:"VALKEY_DB" default:"0" description:"Valkey database number"`
		KeyPrefix string `long:"valkey-key-prefix" env:"VALKEY_KEY_PREFIX" default:"grantd:" description:"Prefix for all Valkey keys"`
	} `group:"Valkey Options"`

	// Client registry
	ClientsFile string `long:"clients-file" env:"CLIENTS_FILE" default:"clients.yaml" description:"YAML file listing registered client applications"`

	// Token signing. The two keys must differ.
	AccessTokenKey  string `long:"access-token-key" env:"ACCESS_TOKEN_KEY" description:"HMAC key for signing access tokens (required)"`
	RefreshTokenKey string `long:"refresh-token-key" env:"REFRESH_TOKEN_KEY" description:"HMAC key for signing refresh tokens (required)"`

	// Lifetimes
	PendingAuthTTL  time.Duration `long:"pending-auth-ttl" env:"PENDING_AUTH_TTL" default:"10m" description:"Pending authorization transaction lifetime"`
	AuthCodeTTL     time.Duration `long:"auth-code-ttl" env:"AUTH_CODE_TTL" default:"10m" description:"Authorization code lifetime"`
	AccessTokenTTL  time.Duration `long:"access-token-ttl" env:"ACCESS_TOKEN_TTL" default:"1h" description:"Access token lifetime"`
	RefreshTokenTTL time.Duration `long:"refresh-token-ttl" env:"REFRESH_TOKEN_TTL" default:"720h" description:"Refresh token lifetime"`

	// Observability
	Metrics bool `long:"metrics" env:"METRICS" description:"Expose Prometheus metrics on /metrics"`
}

// LoadConfig parses configuration from environment variables and command
// line flags.
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.AccessTokenKey == "" || config.RefreshTokenKey == "" {
		return nil, fmt.Errorf("ACCESS_TOKEN_KEY and REFRESH_TOKEN_KEY are required")
	}

	return &config, nil
}
