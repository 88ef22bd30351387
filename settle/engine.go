// Package settle owns the payment lifecycle after verification: reserve risk
// credit, commit bond collateral, submit the transfer, then drive the record
// to a terminal state from a background worker. Errors never escape the
// worker loop; they become retry transitions.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"filpay/bond"
	"filpay/chain"
	"filpay/eip712"
	"filpay/fcr"
	"filpay/observability"
	"filpay/payment"
	"filpay/risk"
	"filpay/verify"
)

// Error strings crossing the HTTP edge.
const (
	ErrAlreadySubmitted         = "payment_already_submitted"
	ErrInsufficientBondCapacity = "insufficient_bond_capacity"
	errBondCommitFailed         = "bond_commit_failed"
	errSubmissionFailed         = "submission_failed"
)

// Config tunes the engine and its worker.
type Config struct {
	// MaxAttempts bounds on-chain submissions per payment.
	MaxAttempts int
	// RetryDelay is the worker tick.
	RetryDelay time.Duration
	// ReceiptTimeout bounds each waitForReceipt call; it must stay short of
	// the tick so a slow node cannot stall the whole batch.
	ReceiptTimeout time.Duration
	// Confirmations required on top of inclusion before a receipt counts.
	Confirmations uint64
	// StaleGrace is how long a reservation may sit in pending before the
	// reaper releases it (bond-capacity rejections leave these behind).
	StaleGrace time.Duration
	// TerminalTTL is how long terminal records stay queryable.
	TerminalTTL time.Duration
	// AlertThresholdPercent warns when bond exposure crosses this share of
	// the total bond. Zero disables the alert.
	AlertThresholdPercent int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ReceiptTimeout <= 0 || c.ReceiptTimeout >= c.RetryDelay {
		c.ReceiptTimeout = c.RetryDelay * 4 / 5
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = 10 * time.Minute
	}
	if c.TerminalTTL <= 0 {
		c.TerminalTTL = 24 * time.Hour
	}
	return c
}

// Result is the synchronous reply to a settle request.
type Result struct {
	Success           bool                    `json:"success"`
	PaymentID         string                  `json:"paymentId,omitempty"`
	TransactionHandle string                  `json:"transactionHandle,omitempty"`
	Error             string                  `json:"error,omitempty"`
	FCR               *fcr.ConfirmationStatus `json:"fcr,omitempty"`
}

// Engine coordinates risk, bond, chain, and the confirmation monitor.
type Engine struct {
	cfg      Config
	verifier *verify.Pipeline
	risk     *risk.Engine
	chain    chain.Client
	bond     bond.Ledger  // nil disables bond commitments
	monitor  *fcr.Monitor // nil disables confirmation tracking
	log      *slog.Logger
	nowFn    func() time.Time

	tickBusy atomic.Bool

	// Confirmed records still below L3 stay watched so confirmedAt lands on
	// the L3 transition even after the risk ledger closed them.
	wmu      sync.Mutex
	watching map[string]struct{}
}

// NewEngine wires the settlement engine. bondLedger and monitor may be nil.
func NewEngine(cfg Config, verifier *verify.Pipeline, riskEngine *risk.Engine, chainClient chain.Client, bondLedger bond.Ledger, monitor *fcr.Monitor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		risk:     riskEngine,
		chain:    chainClient,
		bond:     bondLedger,
		monitor:  monitor,
		log:      logger.With("component", "settle"),
		nowFn:    time.Now,
		watching: make(map[string]struct{}),
	}
}

// Verify exposes the pipeline for the /verify route.
func (e *Engine) Verify(ctx context.Context, auth *payment.Authorization, req *payment.Requirements) verify.Result {
	return e.verifier.Verify(ctx, auth, req)
}

// Status returns the settlement record for id.
func (e *Engine) Status(id string) (risk.Settlement, bool) {
	return e.risk.Settlement(id)
}

// Settle runs the synchronous submit path and returns the reply for the edge.
// The background worker picks up whatever is not terminal afterwards.
func (e *Engine) Settle(ctx context.Context, auth *payment.Authorization, req *payment.Requirements) Result {
	id, err := eip712.PaymentID(auth)
	if err != nil {
		return Result{Error: verify.ReasonInvalidSignature}
	}
	if rec, ok := e.risk.Settlement(id); ok {
		return Result{PaymentID: id, TransactionHandle: rec.TxHash, Error: ErrAlreadySubmitted}
	}

	if res := e.verifier.Verify(ctx, auth, req); !res.Valid {
		return Result{PaymentID: id, Error: res.Reason}
	}

	decision, err := e.risk.ReserveCredit(id, *auth, *req, e.cfg.MaxAttempts)
	if err != nil {
		// Lost the race against a concurrent submit of the same payment.
		if rec, ok := e.risk.Settlement(id); ok {
			return Result{PaymentID: id, TransactionHandle: rec.TxHash, Error: ErrAlreadySubmitted}
		}
		return Result{PaymentID: id, Error: "internal_error"}
	}
	if !decision.Allowed {
		return Result{PaymentID: id, Error: decision.Reason}
	}

	if e.bond != nil {
		value, _ := auth.Amount()
		ok, err := e.bond.HasCapacity(ctx, value)
		if err != nil || !ok {
			// Credit stays reserved; the reaper releases it after StaleGrace.
			return Result{PaymentID: id, Error: ErrInsufficientBondCapacity}
		}
		if err := e.bond.CommitPayment(ctx, id, req.PayTo, value); err != nil {
			e.log.Error("bond commit failed", "paymentId", id, "err", err)
			return Result{PaymentID: id, Error: fmt.Sprintf("%s: %v", errBondCommitFailed, err)}
		}
		e.exportBondExposure(ctx)
	}

	txHash, err := e.chain.SubmitTransfer(ctx, auth)
	observability.Facilitator().SettlementAttempts.Inc()
	if err != nil {
		e.log.Warn("transfer submission failed", "paymentId", id, "err", err)
		_ = e.risk.UpdateSettlement(id, func(rec *risk.Settlement) {
			rec.Status = risk.StatusRetry
			rec.Attempts = 1
			rec.LastError = err.Error()
		})
		return Result{PaymentID: id, Error: fmt.Sprintf("%s: %v", errSubmissionFailed, err)}
	}

	var height uint64
	if h, err := e.chain.CurrentHeight(ctx); err == nil {
		height = h
	} else {
		e.log.Warn("current height unavailable", "paymentId", id, "err", err)
	}
	status := e.evaluate(ctx, height)

	now := e.nowFn()
	_ = e.risk.UpdateSettlement(id, func(rec *risk.Settlement) {
		rec.Status = risk.StatusSubmitted
		rec.TxHash = txHash
		rec.Attempts = 1
		rec.TipsetHeight = height
		if status != nil {
			rec.Level = status.Level
			rec.F3Instance = status.Instance
			rec.F3Round = status.Round
			rec.F3Phase = status.Phase
			if status.Level == fcr.LevelL3 && rec.ConfirmedAt == nil {
				rec.ConfirmedAt = &now
			}
		}
	})
	e.log.Info("transfer submitted", "paymentId", id, "tx", txHash, "height", height)
	return Result{Success: true, PaymentID: id, TransactionHandle: txHash, FCR: status}
}

func (e *Engine) evaluate(ctx context.Context, height uint64) *fcr.ConfirmationStatus {
	if e.monitor == nil || !e.monitor.Enabled() || height == 0 {
		return nil
	}
	status := e.monitor.Evaluate(ctx, height)
	return &status
}

func (e *Engine) exportBondExposure(ctx context.Context) {
	exposure, err := e.bond.Exposure(ctx)
	if err != nil {
		return
	}
	decimals := e.risk.Limits().TokenDecimals
	observability.Facilitator().BondExposure.Set(observability.TokensFromBase(exposure, decimals))

	if e.cfg.AlertThresholdPercent <= 0 {
		return
	}
	available, err := e.bond.AvailableBond(ctx)
	if err != nil {
		return
	}
	total := new(big.Int).Add(exposure, available)
	if total.Sign() == 0 {
		return
	}
	// exposure/total >= threshold/100, kept in integers.
	lhs := new(big.Int).Mul(exposure, big.NewInt(100))
	rhs := new(big.Int).Mul(total, big.NewInt(int64(e.cfg.AlertThresholdPercent)))
	if lhs.Cmp(rhs) >= 0 {
		e.log.Warn("bond exposure above alert threshold",
			"exposure", exposure.String(),
			"available", available.String(),
			"thresholdPercent", e.cfg.AlertThresholdPercent)
	}
}

// Run drives the background worker until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RetryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick processes every non-terminal settlement once. Overlapping ticks are
// suppressed; a slow batch simply absorbs the next ticks.
func (e *Engine) Tick(ctx context.Context) {
	if !e.tickBusy.CompareAndSwap(false, true) {
		return
	}
	defer e.tickBusy.Store(false)

	for _, rec := range e.risk.OpenSettlements() {
		if ctx.Err() != nil {
			return
		}
		switch rec.Status {
		case risk.StatusSubmitted:
			e.checkReceipt(ctx, rec)
		case risk.StatusRetry:
			e.resubmit(ctx, rec)
		}
		e.advanceLevel(ctx, rec.PaymentID)
	}
	e.advanceWatched(ctx)
	e.risk.ReapStale(e.cfg.StaleGrace)
	e.risk.EvictTerminal(e.cfg.TerminalTTL)
}

func (e *Engine) checkReceipt(ctx context.Context, rec risk.Settlement) {
	if rec.TxHash == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	receipt, err := e.chain.WaitForReceipt(callCtx, rec.TxHash, e.cfg.Confirmations)
	cancel()
	if err != nil {
		if err != chain.ErrPending && ctx.Err() == nil {
			e.log.Warn("receipt lookup failed", "paymentId", rec.PaymentID, "err", err)
		}
		return
	}
	if receipt.Succeeded() {
		if e.bond != nil {
			if err := e.bond.ReleasePayment(ctx, rec.PaymentID); err != nil {
				e.log.Error("bond release failed", "paymentId", rec.PaymentID, "err", err)
			} else {
				e.exportBondExposure(ctx)
			}
		}
		if err := e.risk.ReleaseCredit(rec.PaymentID, true); err != nil {
			e.log.Error("release credit", "paymentId", rec.PaymentID, "err", err)
		}
		e.log.Info("settlement confirmed", "paymentId", rec.PaymentID, "tx", rec.TxHash)
		e.watch(rec.PaymentID)
		return
	}
	_ = e.risk.UpdateSettlement(rec.PaymentID, func(r *risk.Settlement) {
		r.Status = risk.StatusRetry
		r.LastError = "transaction_reverted"
	})
}

func (e *Engine) resubmit(ctx context.Context, rec risk.Settlement) {
	if rec.Attempts >= rec.MaxAttempts {
		e.log.Warn("settlement exhausted attempts", "paymentId", rec.PaymentID, "attempts", rec.Attempts)
		e.fail(rec.PaymentID)
		return
	}
	if e.nowFn().Unix() >= rec.Payment.ValidBefore {
		e.log.Warn("authorization expired before settlement", "paymentId", rec.PaymentID)
		_ = e.risk.UpdateSettlement(rec.PaymentID, func(r *risk.Settlement) {
			r.LastError = "authorization_expired"
		})
		e.fail(rec.PaymentID)
		return
	}

	// The authorization is replayed byte-for-byte. Its nonce is fixed, so a
	// duplicate landing after a reorg is rejected by the token contract.
	txHash, err := e.chain.SubmitTransfer(ctx, &rec.Payment)
	observability.Facilitator().SettlementAttempts.Inc()
	if err != nil {
		e.log.Warn("resubmission failed", "paymentId", rec.PaymentID, "attempt", rec.Attempts+1, "err", err)
		_ = e.risk.UpdateSettlement(rec.PaymentID, func(r *risk.Settlement) {
			r.Attempts++
			r.LastError = err.Error()
		})
		return
	}
	_ = e.risk.UpdateSettlement(rec.PaymentID, func(r *risk.Settlement) {
		r.Status = risk.StatusSubmitted
		r.TxHash = txHash
		r.Attempts++
		r.LastError = ""
	})
	e.log.Info("transfer resubmitted", "paymentId", rec.PaymentID, "tx", txHash)
}

func (e *Engine) fail(id string) {
	if err := e.risk.ReleaseCredit(id, false); err != nil {
		e.log.Error("release credit", "paymentId", id, "err", err)
	}
}

// advanceLevel applies the monitor's view of the record's tipset height,
// never regressing the stored level. confirmedAt is set on the L3 transition.
func (e *Engine) advanceLevel(ctx context.Context, id string) {
	if e.monitor == nil || !e.monitor.Enabled() {
		return
	}
	rec, ok := e.risk.Settlement(id)
	if !ok || rec.TipsetHeight == 0 || rec.Level >= fcr.LevelL3 {
		return
	}
	status := e.monitor.Evaluate(ctx, rec.TipsetHeight)
	if status.Level <= rec.Level {
		return
	}
	now := e.nowFn()
	_ = e.risk.UpdateSettlement(id, func(r *risk.Settlement) {
		if status.Level <= r.Level {
			return
		}
		r.Level = status.Level
		r.F3Instance = status.Instance
		r.F3Round = status.Round
		r.F3Phase = status.Phase
		if status.Level == fcr.LevelL3 && r.ConfirmedAt == nil {
			r.ConfirmedAt = &now
		}
	})
	observability.Facilitator().FCRLevelChanges.WithLabelValues(status.Level.String()).Inc()
	e.log.Info("confirmation level advanced", "paymentId", id, "level", status.Level.String())
}

func (e *Engine) watch(id string) {
	if e.monitor == nil || !e.monitor.Enabled() {
		return
	}
	if rec, ok := e.risk.Settlement(id); ok && rec.TipsetHeight > 0 && rec.Level < fcr.LevelL3 {
		e.wmu.Lock()
		e.watching[id] = struct{}{}
		e.wmu.Unlock()
	}
}

// advanceWatched keeps tracking confirmed records until they reach L3 or are
// evicted.
func (e *Engine) advanceWatched(ctx context.Context) {
	e.wmu.Lock()
	ids := make([]string, 0, len(e.watching))
	for id := range e.watching {
		ids = append(ids, id)
	}
	e.wmu.Unlock()

	for _, id := range ids {
		rec, ok := e.risk.Settlement(id)
		done := !ok || rec.Level >= fcr.LevelL3 || rec.Status == risk.StatusFailed
		if !done {
			e.advanceLevel(ctx, id)
			if rec, ok = e.risk.Settlement(id); ok {
				done = rec.Level >= fcr.LevelL3
			}
		}
		if done {
			e.wmu.Lock()
			delete(e.watching, id)
			e.wmu.Unlock()
		}
	}
}
