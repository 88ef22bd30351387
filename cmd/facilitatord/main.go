// facilitatord is the payment facilitator daemon: it verifies EIP-3009
// payment authorizations, settles them on chain under bond collateral, and
// tracks confirmation levels through the consensus fast-confirmation rule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"filpay/bond"
	"filpay/chain"
	"filpay/config"
	"filpay/deferred"
	"filpay/eip712"
	"filpay/fcr"
	"filpay/gateway"
	"filpay/observability/logging"
	"filpay/observability/otel"
	"filpay/risk"
	"filpay/settle"
	"filpay/storage"
	"filpay/verify"
)

func main() {
	configPath := flag.String("config", "", "path to facilitator TOML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("facilitatord exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Options{
		Service:     "facilitatord",
		Environment: cfg.Log.Environment,
		File:        cfg.Log.File,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "facilitatord",
			Environment: cfg.Log.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	chainClient, err := chain.Dial(ctx, cfg.Chain.Endpoint, cfg.Facilitator.PrivateKey, cfg.Chain.ChainID)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer chainClient.Close()
	logger.Info("chain connected",
		"endpoint", logging.MaskValue(cfg.Chain.Endpoint),
		"chainId", cfg.Chain.ChainID,
		"sender", chainClient.Sender())

	var store storage.Database
	if cfg.Persistence.Enabled() {
		ldb, err := storage.NewLevelDB(filepath.Join(cfg.Persistence.DataDir, "facilitator"))
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer ldb.Close()
		store = ldb
		logger.Info("state store opened", "dir", cfg.Persistence.DataDir)
	}

	riskEngine := risk.NewEngine(risk.Limits{
		MaxPerTransactionUSD:   cfg.Risk.MaxPerTransactionUSD,
		MaxPendingPerWalletUSD: cfg.Risk.MaxPendingPerWalletUSD,
		DailyLimitPerWalletUSD: cfg.Risk.DailyLimitPerWalletUSD,
		TokenDecimals:          cfg.Chain.TokenDecimals,
	}, store, storage.NewKeyspace(cfg.Persistence.Prefix), logger)

	domain := eip712.Domain{
		Name:              cfg.Chain.TokenName,
		Version:           cfg.Chain.TokenVersion,
		ChainID:           cfg.Chain.ChainID,
		VerifyingContract: cfg.Chain.TokenAddress,
	}
	pipeline := verify.New(domain, chainClient, riskEngine, logger)

	var monitor *fcr.Monitor
	if cfg.FCR.Enabled {
		f3, err := fcr.DialF3(ctx, cfg.ConsensusEndpoint())
		if err != nil {
			return fmt.Errorf("dial consensus rpc: %w", err)
		}
		defer f3.Close()
		monitor = fcr.NewMonitor(fcr.Config{
			Enabled:             true,
			PollInterval:        cfg.FCR.PollInterval(),
			RequireRoundZero:    cfg.FCR.RequireRoundZero,
			MinTimeInPrepare:    cfg.FCR.MinTimeInPrepare(),
			ConfirmationTimeout: cfg.FCR.ConfirmationTimeout(),
		}, f3, logger)
		go monitor.Run(ctx)
		logger.Info("fcr monitor started", "pollInterval", cfg.FCR.PollInterval())
	}

	var bondLedger bond.Ledger
	if cfg.Bond.Enabled() {
		bondLedger, err = bond.NewEVMLedger(chainClient, cfg.Bond.ContractAddress)
		if err != nil {
			return fmt.Errorf("bind bond contract: %w", err)
		}
		logger.Info("bond ledger enabled", "contract", cfg.Bond.ContractAddress)
	}

	engine := settle.NewEngine(settle.Config{
		MaxAttempts:           cfg.Settlement.MaxAttempts,
		RetryDelay:            cfg.Settlement.RetryDelay(),
		ReceiptTimeout:        cfg.Settlement.Timeout(),
		AlertThresholdPercent: cfg.Bond.AlertThresholdPercent,
	}, pipeline, riskEngine, chainClient, bondLedger, monitor, logger)
	go engine.Run(ctx)

	var vouchers *deferred.Store
	if cfg.Escrow.Enabled() {
		escrow, err := deferred.NewEVMEscrow(chainClient, cfg.Escrow.ContractAddress)
		if err != nil {
			return fmt.Errorf("bind escrow contract: %w", err)
		}
		vouchers, err = deferred.NewStore(cfg.Escrow.DatabasePath, escrow, cfg.Chain.ChainID, cfg.Escrow.ContractAddress, logger)
		if err != nil {
			return fmt.Errorf("open voucher store: %w", err)
		}
		defer vouchers.Close()
		go vouchers.Run(ctx, time.Hour)
		logger.Info("deferred store enabled", "contract", cfg.Escrow.ContractAddress)
	}

	server := gateway.NewServer(gateway.Options{
		Engine:   engine,
		Risk:     riskEngine,
		Monitor:  monitor,
		Vouchers: vouchers,
		Chain:    gateway.ChainInfo{ChainID: cfg.Chain.ChainID, Name: cfg.Chain.ChainName},
		ChainOK: func(ctx context.Context) bool {
			_, err := chainClient.CurrentHeight(ctx)
			return err == nil
		},
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
		Logger:             logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening", "addr", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
