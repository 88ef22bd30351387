// Package config loads the facilitator's configuration from an optional TOML
// file with environment overrides on top. Every tunable has a default; a bare
// `facilitatord` against a local node needs only FILPAY_CHAIN_ENDPOINT and
// FILPAY_FACILITATOR_KEY.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const envPrefix = "FILPAY_"

// Config is the full facilitator configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Chain       ChainConfig       `toml:"chain"`
	Facilitator FacilitatorConfig `toml:"facilitator"`
	Risk        RiskConfig        `toml:"risk"`
	Settlement  SettlementConfig  `toml:"settlement"`
	FCR         FCRConfig         `toml:"fcr"`
	Bond        BondConfig        `toml:"bond"`
	Escrow      EscrowConfig      `toml:"escrow"`
	Persistence PersistenceConfig `toml:"persistence"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// RateLimitPerMinute throttles per-client requests on the payment routes.
	RateLimitPerMinute float64 `toml:"rateLimitPerMinute"`
	RateLimitBurst     int     `toml:"rateLimitBurst"`
}

// Address returns the listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ChainConfig struct {
	Endpoint      string `toml:"endpoint"`
	ChainID       int64  `toml:"chainId"`
	ChainName     string `toml:"chainName"`
	TokenAddress  string `toml:"tokenAddress"`
	TokenName     string `toml:"tokenName"`
	TokenVersion  string `toml:"tokenVersion"`
	TokenDecimals uint8  `toml:"tokenDecimals"`
}

type FacilitatorConfig struct {
	// PrivateKey is the hex-encoded signing key for transfer, bond, and
	// escrow transactions. Never logged.
	PrivateKey string `toml:"privateKey"`
}

type RiskConfig struct {
	MaxPerTransactionUSD   int64 `toml:"maxPerTransaction"`
	MaxPendingPerWalletUSD int64 `toml:"maxPendingPerWallet"`
	DailyLimitPerWalletUSD int64 `toml:"dailyLimitPerWallet"`
}

type SettlementConfig struct {
	MaxAttempts  int   `toml:"maxAttempts"`
	RetryDelayMs int64 `toml:"retryDelayMs"`
	TimeoutMs    int64 `toml:"timeoutMs"`
}

func (s SettlementConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

func (s SettlementConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

type FCRConfig struct {
	Enabled               bool   `toml:"enabled"`
	Endpoint              string `toml:"endpoint"`
	PollIntervalMs        int64  `toml:"pollIntervalMs"`
	RequireRoundZero      bool   `toml:"requireRoundZero"`
	MinTimeInPrepareMs    int64  `toml:"minTimeInPrepareMs"`
	ConfirmationTimeoutMs int64  `toml:"confirmationTimeoutMs"`
}

func (f FCRConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMs) * time.Millisecond
}

func (f FCRConfig) MinTimeInPrepare() time.Duration {
	return time.Duration(f.MinTimeInPrepareMs) * time.Millisecond
}

func (f FCRConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(f.ConfirmationTimeoutMs) * time.Millisecond
}

type BondConfig struct {
	// ContractAddress enables bond commitments when set.
	ContractAddress string `toml:"contractAddress"`
	// AlertThresholdPercent warns when exposure crosses this share of the
	// bond balance.
	AlertThresholdPercent int `toml:"alertThresholdPercent"`
}

func (b BondConfig) Enabled() bool { return strings.TrimSpace(b.ContractAddress) != "" }

type EscrowConfig struct {
	// ContractAddress enables the deferred voucher store when set.
	ContractAddress string `toml:"contractAddress"`
	// DatabasePath is the voucher SQLite file.
	DatabasePath string `toml:"databasePath"`
}

func (e EscrowConfig) Enabled() bool { return strings.TrimSpace(e.ContractAddress) != "" }

type PersistenceConfig struct {
	// DataDir enables the on-disk state store when set.
	DataDir string `toml:"dataDir"`
	Prefix  string `toml:"prefix"`
}

func (p PersistenceConfig) Enabled() bool { return strings.TrimSpace(p.DataDir) != "" }

type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
	Traces   bool   `toml:"traces"`
	Metrics  bool   `toml:"metrics"`
}

type LogConfig struct {
	Environment string `toml:"environment"`
	// File enables rotated file output in addition to stdout.
	File string `toml:"file"`
}

// Default returns the configuration a local development run starts from.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8085,
			RateLimitPerMinute: 600,
			RateLimitBurst:     30,
		},
		Chain: ChainConfig{
			Endpoint:      "http://127.0.0.1:1234/rpc/v1",
			ChainID:       314,
			ChainName:     "filecoin",
			TokenName:     "USD Stable",
			TokenVersion:  "1",
			TokenDecimals: 18,
		},
		Risk: RiskConfig{
			MaxPerTransactionUSD:   100,
			MaxPendingPerWalletUSD: 500,
			DailyLimitPerWalletUSD: 1000,
		},
		Settlement: SettlementConfig{
			MaxAttempts:  3,
			RetryDelayMs: 5000,
			TimeoutMs:    4000,
		},
		FCR: FCRConfig{
			PollIntervalMs:        1000,
			RequireRoundZero:      true,
			MinTimeInPrepareMs:    5000,
			ConfirmationTimeoutMs: 60000,
		},
		Persistence: PersistenceConfig{Prefix: "filpay"},
		Escrow:      EscrowConfig{DatabasePath: "vouchers.db"},
	}
}

// Load reads path (when non-empty and present) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint required")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Risk.MaxPerTransactionUSD <= 0 || c.Risk.MaxPendingPerWalletUSD <= 0 || c.Risk.DailyLimitPerWalletUSD <= 0 {
		return fmt.Errorf("risk limits must be positive")
	}
	if c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("settlement.maxAttempts must be positive")
	}
	if c.FCR.Enabled && strings.TrimSpace(c.FCR.Endpoint) == "" && strings.TrimSpace(c.Chain.Endpoint) == "" {
		return fmt.Errorf("fcr endpoint required when enabled")
	}
	return nil
}

// ConsensusEndpoint is where the FCR monitor polls; it falls back to the
// chain endpoint, which serves both API families on a Filecoin node.
func (c Config) ConsensusEndpoint() string {
	if strings.TrimSpace(c.FCR.Endpoint) != "" {
		return c.FCR.Endpoint
	}
	return c.Chain.Endpoint
}

func applyEnv(cfg *Config) {
	envString("SERVER_HOST", &cfg.Server.Host)
	envInt("SERVER_PORT", &cfg.Server.Port)
	envFloat("SERVER_RATE_LIMIT_PER_MINUTE", &cfg.Server.RateLimitPerMinute)
	envInt("SERVER_RATE_LIMIT_BURST", &cfg.Server.RateLimitBurst)

	envString("CHAIN_ENDPOINT", &cfg.Chain.Endpoint)
	envInt64("CHAIN_ID", &cfg.Chain.ChainID)
	envString("CHAIN_NAME", &cfg.Chain.ChainName)
	envString("TOKEN_ADDRESS", &cfg.Chain.TokenAddress)
	envString("TOKEN_NAME", &cfg.Chain.TokenName)
	envString("TOKEN_VERSION", &cfg.Chain.TokenVersion)
	envUint8("TOKEN_DECIMALS", &cfg.Chain.TokenDecimals)

	envString("FACILITATOR_KEY", &cfg.Facilitator.PrivateKey)

	envInt64("RISK_MAX_PER_TRANSACTION", &cfg.Risk.MaxPerTransactionUSD)
	envInt64("RISK_MAX_PENDING_PER_WALLET", &cfg.Risk.MaxPendingPerWalletUSD)
	envInt64("RISK_DAILY_LIMIT_PER_WALLET", &cfg.Risk.DailyLimitPerWalletUSD)

	envInt("SETTLEMENT_MAX_ATTEMPTS", &cfg.Settlement.MaxAttempts)
	envInt64("SETTLEMENT_RETRY_DELAY_MS", &cfg.Settlement.RetryDelayMs)
	envInt64("SETTLEMENT_TIMEOUT_MS", &cfg.Settlement.TimeoutMs)

	envBool("FCR_ENABLED", &cfg.FCR.Enabled)
	envString("FCR_ENDPOINT", &cfg.FCR.Endpoint)
	envInt64("FCR_POLL_INTERVAL_MS", &cfg.FCR.PollIntervalMs)
	envBool("FCR_REQUIRE_ROUND_ZERO", &cfg.FCR.RequireRoundZero)
	envInt64("FCR_MIN_TIME_IN_PREPARE_MS", &cfg.FCR.MinTimeInPrepareMs)
	envInt64("FCR_CONFIRMATION_TIMEOUT_MS", &cfg.FCR.ConfirmationTimeoutMs)

	envString("BOND_CONTRACT_ADDRESS", &cfg.Bond.ContractAddress)
	envInt("BOND_ALERT_THRESHOLD_PERCENT", &cfg.Bond.AlertThresholdPercent)

	envString("ESCROW_CONTRACT_ADDRESS", &cfg.Escrow.ContractAddress)
	envString("ESCROW_DATABASE_PATH", &cfg.Escrow.DatabasePath)

	envString("PERSISTENCE_DATA_DIR", &cfg.Persistence.DataDir)
	envString("PERSISTENCE_PREFIX", &cfg.Persistence.Prefix)

	envString("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	envBool("TELEMETRY_INSECURE", &cfg.Telemetry.Insecure)
	envBool("TELEMETRY_TRACES", &cfg.Telemetry.Traces)
	envBool("TELEMETRY_METRICS", &cfg.Telemetry.Metrics)

	envString("LOG_ENVIRONMENT", &cfg.Log.Environment)
	envString("LOG_FILE", &cfg.Log.File)
}

func lookup(name string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func envString(name string, out *string) {
	if value, ok := lookup(name); ok {
		*out = value
	}
}

func envInt(name string, out *int) {
	if value, ok := lookup(name); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*out = parsed
		}
	}
}

func envInt64(name string, out *int64) {
	if value, ok := lookup(name); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*out = parsed
		}
	}
}

func envUint8(name string, out *uint8) {
	if value, ok := lookup(name); ok {
		if parsed, err := strconv.ParseUint(value, 10, 8); err == nil {
			*out = uint8(parsed)
		}
	}
}

func envFloat(name string, out *float64) {
	if value, ok := lookup(name); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*out = parsed
		}
	}
}

func envBool(name string, out *bool) {
	if value, ok := lookup(name); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*out = parsed
		}
	}
}
