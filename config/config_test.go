package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	escrow "github.com/nacorid/x402-escrow"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8402", cfg.Server.Addr)
	assert.Equal(t, slog.LevelInfo, cfg.Server.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "sqlite", cfg.Entitlements.Backend)
	assert.Equal(t, uint64(1), cfg.Chain.MinConfirmations)
	assert.Equal(t, escrow.NetworkBaseSepolia, cfg.Escrow.Network)
	assert.Equal(t, int64(10000), cfg.Escrow.Tolerance)
	assert.Equal(t, 300, cfg.Escrow.PaymentTimeoutSeconds)
	assert.Equal(t, escrow.DefaultTimeouts, cfg.Timeouts)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ESCROW_ADDR", "127.0.0.1:9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ESCROW_MCP", "true")
	t.Setenv("DATABASE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://escrow@localhost/escrow?sslmode=disable")
	t.Setenv("ENTITLEMENT_BACKEND", "redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CHAIN_MIN_CONFIRMATIONS", "12")
	t.Setenv("ESCROW_NETWORK", escrow.NetworkBase)
	t.Setenv("AMOUNT_TOLERANCE", "0")
	t.Setenv("SETTLE_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, slog.LevelDebug, cfg.Server.LogLevel)
	assert.True(t, cfg.Server.MCP)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Entitlements.Backend)
	assert.Equal(t, 3, cfg.Entitlements.RedisDB)
	assert.Equal(t, uint64(12), cfg.Chain.MinConfirmations)
	assert.Equal(t, escrow.NetworkBase, cfg.Escrow.Network)
	assert.Zero(t, cfg.Escrow.Tolerance)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.SettleTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LOG_LEVEL", "loud"},
		{"DATABASE_DRIVER", "mysql"},
		{"ENTITLEMENT_BACKEND", "etcd"},
		{"REDIS_DB", "zero"},
		{"CHAIN_MIN_CONFIRMATIONS", "0"},
		{"ESCROW_NETWORK", "solana:devnet"},
		{"AMOUNT_TOLERANCE", "-1"},
		{"PAYMENT_TIMEOUT_SECONDS", "0"},
		{"VERIFY_TIMEOUT", "soon"},
		{"SETTLE_TIMEOUT", "1s"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
