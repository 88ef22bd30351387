package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8085", cfg.Server.Address())
	require.Equal(t, int64(314), cfg.Chain.ChainID)
	require.Equal(t, 3, cfg.Settlement.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Settlement.RetryDelay())
	require.False(t, cfg.Bond.Enabled())
	require.False(t, cfg.Escrow.Enabled())
	require.False(t, cfg.Persistence.Enabled())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facilitator.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090

[chain]
endpoint = "http://node:1234/rpc/v1"
chainId = 314159
tokenAddress = "0x1111111111111111111111111111111111111111"

[risk]
maxPerTransaction = 50

[fcr]
enabled = true
pollIntervalMs = 500

[bond]
contractAddress = "0x2222222222222222222222222222222222222222"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, int64(314159), cfg.Chain.ChainID)
	require.Equal(t, int64(50), cfg.Risk.MaxPerTransactionUSD)
	// Untouched sections keep their defaults.
	require.Equal(t, int64(500), cfg.Risk.MaxPendingPerWalletUSD)
	require.True(t, cfg.FCR.Enabled)
	require.Equal(t, 500*time.Millisecond, cfg.FCR.PollInterval())
	require.True(t, cfg.Bond.Enabled())
	// Without a dedicated FCR endpoint the chain endpoint serves both.
	require.Equal(t, "http://node:1234/rpc/v1", cfg.ConsensusEndpoint())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FILPAY_SERVER_PORT", "7070")
	t.Setenv("FILPAY_CHAIN_ENDPOINT", "http://override:1234")
	t.Setenv("FILPAY_RISK_DAILY_LIMIT_PER_WALLET", "2000")
	t.Setenv("FILPAY_FCR_ENABLED", "true")
	t.Setenv("FILPAY_TOKEN_DECIMALS", "6")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "http://override:1234", cfg.Chain.Endpoint)
	require.Equal(t, int64(2000), cfg.Risk.DailyLimitPerWalletUSD)
	require.True(t, cfg.FCR.Enabled)
	require.Equal(t, uint8(6), cfg.Chain.TokenDecimals)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Chain.Endpoint = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Risk.MaxPerTransactionUSD = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Settlement.MaxAttempts = 0
	require.Error(t, cfg.Validate())
}
