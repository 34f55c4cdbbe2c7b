// Package config loads the escrow daemon configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	escrow "github.com/nacorid/x402-escrow"
)

// Config aggregates the daemon configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Entitlements EntitlementConfig
	Chain        ChainConfig
	Facilitator  FacilitatorConfig
	Escrow       EscrowConfig
	Timeouts     escrow.TimeoutConfig
}

// ServerConfig describes the operator HTTP surface.
type ServerConfig struct {
	Addr     string
	LogLevel slog.Level

	// MCP enables the paid MCP tool endpoint under /mcp.
	MCP bool
}

// DatabaseConfig selects the ledger store.
type DatabaseConfig struct {
	Driver string // sqlite, postgres or memory
	URL    string
}

// EntitlementConfig selects the entitlement store.
type EntitlementConfig struct {
	Backend       string // sqlite, redis or memory
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type ChainConfig struct {
	RPCURL           string
	MinConfirmations uint64
}

type FacilitatorConfig struct {
	URL           string
	FallbackURL   string
	Authorization string
	MaxRetries    int
}

// EscrowConfig describes the custodian and the session asset.
type EscrowConfig struct {
	Network               string
	Asset                 string
	CustodianKey          string
	Tolerance             int64
	PaymentTimeoutSeconds int
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr: getEnvOrDefault("ESCROW_ADDR", ":8402"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnvOrDefault("DATABASE_DRIVER", "sqlite")),
			URL:    getEnvOrDefault("DATABASE_URL", "escrow.db"),
		},
		Entitlements: EntitlementConfig{
			Backend:       strings.ToLower(getEnvOrDefault("ENTITLEMENT_BACKEND", "sqlite")),
			Path:          getEnvOrDefault("ENTITLEMENT_PATH", "entitlements.db"),
			RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			RedisPassword: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		},
		Chain: ChainConfig{
			RPCURL: strings.TrimSpace(os.Getenv("CHAIN_RPC_URL")),
		},
		Facilitator: FacilitatorConfig{
			URL:           getEnvOrDefault("FACILITATOR_URL", "https://facilitator.x402.rs"),
			FallbackURL:   strings.TrimSpace(os.Getenv("FACILITATOR_FALLBACK_URL")),
			Authorization: strings.TrimSpace(os.Getenv("FACILITATOR_AUTHORIZATION")),
		},
		Escrow: EscrowConfig{
			Network:      getEnvOrDefault("ESCROW_NETWORK", escrow.NetworkBaseSepolia),
			Asset:        strings.TrimSpace(os.Getenv("ESCROW_ASSET")),
			CustodianKey: strings.TrimSpace(os.Getenv("CUSTODIAN_PRIVATE_KEY")),
		},
		Timeouts: escrow.DefaultTimeouts,
	}

	level, err := parseLevel(getEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.Server.LogLevel = level

	if cfg.Server.MCP, err = parseBoolEnv("ESCROW_MCP", false); err != nil {
		return nil, err
	}
	if cfg.Entitlements.RedisDB, err = parseIntEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	minConf, err := parseIntEnv("CHAIN_MIN_CONFIRMATIONS", 1)
	if err != nil {
		return nil, err
	}
	if minConf < 1 {
		return nil, fmt.Errorf("invalid CHAIN_MIN_CONFIRMATIONS value: %d", minConf)
	}
	cfg.Chain.MinConfirmations = uint64(minConf)

	if cfg.Facilitator.MaxRetries, err = parseIntEnv("FACILITATOR_MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	tolerance, err := parseIntEnv("AMOUNT_TOLERANCE", 10000)
	if err != nil {
		return nil, err
	}
	cfg.Escrow.Tolerance = int64(tolerance)
	if cfg.Escrow.PaymentTimeoutSeconds, err = parseIntEnv("PAYMENT_TIMEOUT_SECONDS", 300); err != nil {
		return nil, err
	}

	if cfg.Timeouts.ChainTimeout, err = parseDurationEnv("CHAIN_TIMEOUT", cfg.Timeouts.ChainTimeout); err != nil {
		return nil, err
	}
	if cfg.Timeouts.VerifyTimeout, err = parseDurationEnv("VERIFY_TIMEOUT", cfg.Timeouts.VerifyTimeout); err != nil {
		return nil, err
	}
	if cfg.Timeouts.SettleTimeout, err = parseDurationEnv("SETTLE_TIMEOUT", cfg.Timeouts.SettleTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER value: %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && !strings.Contains(c.Database.URL, "://") && !strings.Contains(c.Database.URL, "=") {
		return fmt.Errorf("DATABASE_URL must be a postgres DSN when DATABASE_DRIVER=postgres")
	}

	switch c.Entitlements.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("invalid ENTITLEMENT_BACKEND value: %q", c.Entitlements.Backend)
	}

	if _, err := escrow.GetChainConfig(c.Escrow.Network); err != nil {
		return fmt.Errorf("invalid ESCROW_NETWORK value: %w", err)
	}
	if c.Escrow.Tolerance < 0 {
		return fmt.Errorf("invalid AMOUNT_TOLERANCE value: %d", c.Escrow.Tolerance)
	}
	if c.Escrow.PaymentTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid PAYMENT_TIMEOUT_SECONDS value: %d", c.Escrow.PaymentTimeoutSeconds)
	}
	if c.Facilitator.MaxRetries < 0 {
		return fmt.Errorf("invalid FACILITATOR_MAX_RETRIES value: %d", c.Facilitator.MaxRetries)
	}
	return c.Timeouts.Validate()
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %q", s)
	}
	return level, nil
}

func getEnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}
