// Package verify implements the ordered gate chain that classifies a payment
// authorization as acceptable or not. Gates short-circuit on the first
// failure; their order is load-bearing, later gates assume the guarantees of
// earlier ones.
package verify

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"filpay/chain"
	"filpay/eip712"
	"filpay/observability"
	"filpay/payment"
	"filpay/risk"
)

// Stable reason strings crossing the HTTP edge.
const (
	ReasonTokenMismatch      = "token_mismatch"
	ReasonRecipientMismatch  = "recipient_mismatch"
	ReasonInsufficientAmount = "insufficient_amount"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonExpiredOrNotYet    = "expired_or_not_yet_valid"
	ReasonExpiresTooSoon     = "expires_too_soon"
	ReasonNonceAlreadyUsed   = "nonce_already_used"
	ReasonBalanceCheckFailed = "balance_check_failed"
	ReasonInsufficientBalance = "insufficient_balance"
)

// ExpiryBudget is the settlement headroom a payment must leave before its
// window closes.
const ExpiryBudget = 120 * time.Second

// hardRejectScore marks failures the client must fix before resubmitting.
const hardRejectScore = 100

// Result is the pipeline's decision.
type Result struct {
	Valid         bool
	Reason        string
	Score         int
	WalletBalance *big.Int
	PendingAmount *big.Int
	Fees          *risk.FeeBreakdown
}

// Pipeline wires the signature domain, the chain reads, and the risk engine.
type Pipeline struct {
	domain eip712.Domain
	chain  chain.Client
	risk   *risk.Engine
	log    *slog.Logger
	nowFn  func() time.Time
}

// New constructs a pipeline.
func New(domain eip712.Domain, chainClient chain.Client, riskEngine *risk.Engine, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		domain: domain,
		chain:  chainClient,
		risk:   riskEngine,
		log:    logger.With("component", "verify"),
		nowFn:  time.Now,
	}
}

// Verify runs every gate in order and returns the first failure, or a valid
// result carrying the wallet balance and pending amount observed.
func (p *Pipeline) Verify(ctx context.Context, auth *payment.Authorization, req *payment.Requirements) Result {
	res := p.verify(ctx, auth, req)
	label := res.Reason
	if res.Valid {
		label = "ok"
	}
	observability.Facilitator().Verifications.WithLabelValues(label).Inc()
	return res
}

func (p *Pipeline) verify(ctx context.Context, auth *payment.Authorization, req *payment.Requirements) Result {
	if !payment.SameAddress(auth.Token, req.TokenAddress) {
		return reject(ReasonTokenMismatch)
	}
	if !payment.SameAddress(auth.To, req.PayTo) {
		return reject(ReasonRecipientMismatch)
	}

	value, err := auth.Amount()
	if err != nil {
		return reject(ReasonInsufficientAmount)
	}
	required, err := req.RequiredAmount()
	if err != nil {
		return reject(ReasonInsufficientAmount)
	}
	if value.Cmp(required) < 0 {
		return reject(ReasonInsufficientAmount)
	}

	if !eip712.VerifyPayer(p.domain, auth) {
		return reject(ReasonInvalidSignature)
	}

	now := p.nowFn()
	if !auth.WithinWindow(now) {
		return reject(ReasonExpiredOrNotYet)
	}
	if auth.ExpiresWithin(now, ExpiryBudget) {
		return reject(ReasonExpiresTooSoon)
	}

	// Nonce uniqueness is best-effort: a flaky RPC must not permanently
	// block a valid payment, and the token contract rejects replays anyway.
	nonce, err := auth.NonceBytes()
	if err != nil {
		return reject(ReasonInvalidSignature)
	}
	if used, err := p.chain.AuthorizationUsed(ctx, auth.Token, auth.From, nonce); err != nil {
		p.log.Warn("nonce check unavailable", "from", auth.From, "err", err)
	} else if used {
		return reject(ReasonNonceAlreadyUsed)
	}

	balance, err := p.chain.BalanceOf(ctx, auth.Token, auth.From)
	if err != nil {
		return reject(ReasonBalanceCheckFailed)
	}
	if balance.Cmp(value) < 0 {
		res := reject(ReasonInsufficientBalance)
		res.WalletBalance = balance
		return res
	}

	decision := p.risk.CheckPayment(auth.From, value)
	pending := p.risk.PendingFor(auth.From)
	if !decision.Allowed {
		return Result{
			Reason:        decision.Reason,
			Score:         decision.Score,
			WalletBalance: balance,
			PendingAmount: pending,
		}
	}

	fees := risk.Fees(value, 0)
	return Result{
		Valid:         true,
		WalletBalance: balance,
		PendingAmount: pending,
		Fees:          &fees,
	}
}

func reject(reason string) Result {
	return Result{Reason: reason, Score: hardRejectScore}
}
