package risk

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"filpay/observability"
	"filpay/payment"
	"filpay/storage"
)

// Scores attached to risk rejections. They rank the severity of the gate
// that fired; they are not probabilities.
const (
	ScoreAllowed       = 0
	ScoreExceedsDaily  = 60
	ScoreExceedsPending = 70
	ScoreExceedsPerTx  = 80
)

// Limits are the absolute risk limits, configured in whole USD and converted
// to token base units with the token's decimals.
type Limits struct {
	MaxPerTransactionUSD   int64
	MaxPendingPerWalletUSD int64
	DailyLimitPerWalletUSD int64
	TokenDecimals          uint8
}

// Decision is the outcome of the risk gates for one payment.
type Decision struct {
	Allowed bool
	Score   int
	Reason  string
}

var allowed = Decision{Allowed: true, Score: ScoreAllowed}

type walletState struct {
	mu           sync.Mutex
	pending      *uint256.Int
	dailyAmount  *uint256.Int
	dailyDate    string
	firstSeen    time.Time
	tierOverride *Tier
}

type settlementEntry struct {
	mu  sync.Mutex
	rec Settlement
}

// Engine owns the wallet ledger and the settlement record map. All
// transitions of a wallet's pending/daily figures happen under that wallet's
// mutex; settlement records serialize per payment id.
type Engine struct {
	limits     Limits
	maxPerTx   *uint256.Int
	maxPending *uint256.Int
	dailyAbs   *uint256.Int
	tierCaps   map[Tier]*uint256.Int

	log   *slog.Logger
	nowFn func() time.Time

	store storage.Database
	keys  storage.Keyspace

	mu      sync.Mutex
	wallets map[string]*walletState

	smu         sync.RWMutex
	settlements map[string]*settlementEntry
	open        map[string]struct{}
}

// NewEngine constructs the risk engine. store may be nil for purely
// in-memory operation; when set, previously persisted state is restored.
func NewEngine(limits Limits, store storage.Database, keys storage.Keyspace, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		limits:      limits,
		maxPerTx:    usdToTokenUnits(limits.MaxPerTransactionUSD, limits.TokenDecimals),
		maxPending:  usdToTokenUnits(limits.MaxPendingPerWalletUSD, limits.TokenDecimals),
		dailyAbs:    usdToTokenUnits(limits.DailyLimitPerWalletUSD, limits.TokenDecimals),
		tierCaps:    make(map[Tier]*uint256.Int, len(TierDailyCapsUSD)),
		log:         logger.With("component", "risk"),
		nowFn:       time.Now,
		store:       store,
		keys:        keys,
		wallets:     make(map[string]*walletState),
		settlements: make(map[string]*settlementEntry),
		open:        make(map[string]struct{}),
	}
	for tier, usd := range TierDailyCapsUSD {
		e.tierCaps[tier] = usdToTokenUnits(usd, limits.TokenDecimals)
	}
	if store != nil {
		e.restore()
	}
	return e
}

func usdToTokenUnits(usd int64, decimals uint8) *uint256.Int {
	if usd < 0 {
		usd = 0
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return new(uint256.Int).Mul(uint256.NewInt(uint64(usd)), scale)
}

// wallet returns the state for addr, creating it on first use.
func (e *Engine) wallet(addr string) *walletState {
	key := payment.NormalizeAddress(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	ws, ok := e.wallets[key]
	if !ok {
		ws = &walletState{
			pending:     uint256.NewInt(0),
			dailyAmount: uint256.NewInt(0),
		}
		e.wallets[key] = ws
	}
	return ws
}

// CheckPayment runs the risk gates for a prospective payment without
// reserving credit. It also records the wallet's first observation.
func (e *Engine) CheckPayment(from string, amount *big.Int) Decision {
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return Decision{Score: ScoreExceedsPerTx, Reason: "risk: amount out of range"}
	}
	ws := e.wallet(from)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	e.observeLocked(from, ws)
	return e.evaluateLocked(from, ws, value)
}

// evaluateLocked runs the three gates in severity order. Callers hold the
// wallet mutex.
func (e *Engine) evaluateLocked(addr string, ws *walletState, value *uint256.Int) Decision {
	if value.Gt(e.maxPerTx) {
		return Decision{
			Score:  ScoreExceedsPerTx,
			Reason: fmt.Sprintf("risk: amount exceeds max per transaction limit (%s)", e.maxPerTx.Dec()),
		}
	}
	projected := new(uint256.Int).Add(ws.pending, value)
	if projected.Gt(e.maxPending) {
		return Decision{
			Score:  ScoreExceedsPending,
			Reason: fmt.Sprintf("risk: pending amount would exceed wallet limit (%s)", e.maxPending.Dec()),
		}
	}
	dailyCap := e.effectiveDailyCapLocked(ws)
	used := ws.dailyAmount
	if ws.dailyDate != e.dateKey() {
		used = uint256.NewInt(0)
	}
	daily := new(uint256.Int).Add(used, value)
	if daily.Gt(dailyCap) {
		return Decision{
			Score:  ScoreExceedsDaily,
			Reason: fmt.Sprintf("risk: daily limit exceeded for tier %s (%s)", e.tierLocked(ws), dailyCap.Dec()),
		}
	}
	return allowed
}

func (e *Engine) observeLocked(addr string, ws *walletState) {
	if ws.firstSeen.IsZero() {
		ws.firstSeen = e.nowFn()
		e.persistWallet(addr, ws)
	}
}

func (e *Engine) tierLocked(ws *walletState) Tier {
	if ws.tierOverride != nil {
		return *ws.tierOverride
	}
	return DeriveTier(ws.firstSeen, e.nowFn())
}

func (e *Engine) effectiveDailyCapLocked(ws *walletState) *uint256.Int {
	tierCap := e.tierCaps[e.tierLocked(ws)]
	if tierCap == nil || e.dailyAbs.Lt(tierCap) {
		return e.dailyAbs
	}
	return tierCap
}

func (e *Engine) dateKey() string {
	return e.nowFn().UTC().Format("2006-01-02")
}

// ReserveCredit re-runs the gates and, if allowed, atomically inserts a
// pending settlement record and reserves the payment value against the
// wallet. Check and reserve share one critical section, so a concurrent
// reservation cannot slip between them.
func (e *Engine) ReserveCredit(id string, auth payment.Authorization, req payment.Requirements, maxAttempts int) (Decision, error) {
	amount, err := auth.Amount()
	if err != nil {
		return Decision{}, err
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return Decision{}, fmt.Errorf("amount out of range")
	}

	ws := e.wallet(auth.From)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	e.observeLocked(auth.From, ws)
	if decision := e.evaluateLocked(auth.From, ws, value); !decision.Allowed {
		return decision, nil
	}

	now := e.nowFn()
	rec := Settlement{
		PaymentID:    id,
		Payment:      auth,
		Requirements: req,
		Status:       StatusPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	e.smu.Lock()
	if _, exists := e.settlements[id]; exists {
		e.smu.Unlock()
		return Decision{}, fmt.Errorf("settlement %s already exists", id)
	}
	e.settlements[id] = &settlementEntry{rec: rec}
	e.open[id] = struct{}{}
	e.smu.Unlock()

	ws.pending.Add(ws.pending, value)
	e.persistWallet(auth.From, ws)
	e.persistSettlement(rec)
	e.persistOpenSet()
	e.exportGauges()
	return allowed, nil
}

// ReleaseCredit removes the reservation for id and, on success, counts the
// value against the wallet's daily bucket. The settlement transitions to its
// terminal state.
func (e *Engine) ReleaseCredit(id string, success bool) error {
	entry, ok := e.entry(id)
	if !ok {
		return fmt.Errorf("unknown settlement %s", id)
	}

	entry.mu.Lock()
	rec := entry.rec
	entry.mu.Unlock()
	if rec.Status.Terminal() {
		return nil
	}
	amount, err := rec.Payment.Amount()
	if err != nil {
		return err
	}
	value, _ := uint256.FromBig(amount)

	ws := e.wallet(rec.Payment.From)
	ws.mu.Lock()
	if ws.pending.Lt(value) {
		// Never drive a wallet's reservation negative; restart recovery can
		// legitimately release more than it restored.
		ws.pending.Clear()
	} else {
		ws.pending.Sub(ws.pending, value)
	}
	if success {
		key := e.dateKey()
		if ws.dailyDate != key {
			ws.dailyDate = key
			ws.dailyAmount = uint256.NewInt(0)
		}
		ws.dailyAmount.Add(ws.dailyAmount, value)
	}
	e.persistWallet(rec.Payment.From, ws)
	ws.mu.Unlock()

	status := StatusFailed
	if success {
		status = StatusConfirmed
	}
	entry.mu.Lock()
	entry.rec.Status = status
	entry.rec.UpdatedAt = e.nowFn()
	rec = entry.rec
	entry.mu.Unlock()

	e.smu.Lock()
	delete(e.open, id)
	e.smu.Unlock()

	e.persistSettlement(rec)
	e.persistOpenSet()
	observability.Facilitator().Settlements.WithLabelValues(string(status)).Inc()
	e.exportGauges()
	return nil
}

// UpdateSettlement applies patch under the record's mutex and bumps the
// updated timestamp. Only the settlement engine calls this.
func (e *Engine) UpdateSettlement(id string, patch func(*Settlement)) error {
	entry, ok := e.entry(id)
	if !ok {
		return fmt.Errorf("unknown settlement %s", id)
	}
	entry.mu.Lock()
	patch(&entry.rec)
	entry.rec.UpdatedAt = e.nowFn()
	rec := entry.rec
	entry.mu.Unlock()
	e.persistSettlement(rec)
	return nil
}

func (e *Engine) entry(id string) (*settlementEntry, bool) {
	e.smu.RLock()
	defer e.smu.RUnlock()
	entry, ok := e.settlements[id]
	return entry, ok
}

// Settlement returns a copy of the record for id.
func (e *Engine) Settlement(id string) (Settlement, bool) {
	entry, ok := e.entry(id)
	if !ok {
		return Settlement{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, true
}

// OpenSettlements returns copies of every non-terminal record.
func (e *Engine) OpenSettlements() []Settlement {
	e.smu.RLock()
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	e.smu.RUnlock()

	out := make([]Settlement, 0, len(ids))
	for _, id := range ids {
		if rec, ok := e.Settlement(id); ok && !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

// PendingStats summarizes open reservations for /health.
func (e *Engine) PendingStats() (count int, total *big.Int, wallets int) {
	total = new(big.Int)
	seen := make(map[string]struct{})
	for _, rec := range e.OpenSettlements() {
		amount, err := rec.Payment.Amount()
		if err != nil {
			continue
		}
		count++
		total.Add(total, amount)
		seen[payment.NormalizeAddress(rec.Payment.From)] = struct{}{}
	}
	return count, total, len(seen)
}

// PendingFor returns the wallet's reserved credit.
func (e *Engine) PendingFor(addr string) *big.Int {
	ws := e.wallet(addr)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.pending.ToBig()
}

// DailyUsed returns the wallet's confirmed volume for the current UTC date.
func (e *Engine) DailyUsed(addr string) *big.Int {
	ws := e.wallet(addr)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.dailyDate != e.dateKey() {
		return new(big.Int)
	}
	return ws.dailyAmount.ToBig()
}

// TierOf returns the wallet's effective tier.
func (e *Engine) TierOf(addr string) Tier {
	ws := e.wallet(addr)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return e.tierLocked(ws)
}

// SetTierOverride pins the wallet to a tier regardless of age.
func (e *Engine) SetTierOverride(addr string, tier Tier) {
	ws := e.wallet(addr)
	ws.mu.Lock()
	ws.tierOverride = &tier
	e.persistWallet(addr, ws)
	ws.mu.Unlock()
}

// Limits exposes the configured absolute limits for /health.
func (e *Engine) Limits() Limits {
	return e.limits
}

// EvictTerminal drops terminal settlement records older than ttl. The floor
// is 24 hours so operators can always inspect a day of history.
func (e *Engine) EvictTerminal(ttl time.Duration) int {
	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}
	cutoff := e.nowFn().Add(-ttl)

	e.smu.Lock()
	victims := make([]string, 0)
	for id, entry := range e.settlements {
		entry.mu.Lock()
		if entry.rec.Status.Terminal() && entry.rec.UpdatedAt.Before(cutoff) {
			victims = append(victims, id)
		}
		entry.mu.Unlock()
	}
	for _, id := range victims {
		delete(e.settlements, id)
	}
	e.smu.Unlock()

	for _, id := range victims {
		if e.store != nil {
			_ = e.store.Delete(e.keys.Settlement(id))
		}
	}
	if len(victims) > 0 {
		e.log.Info("evicted terminal settlements", "count", len(victims))
	}
	return len(victims)
}

// ReapStale releases reservations that never left the pending state, e.g.
// after a bond-capacity rejection. Returns the released ids.
func (e *Engine) ReapStale(grace time.Duration) []string {
	cutoff := e.nowFn().Add(-grace)
	stale := make([]string, 0)
	for _, rec := range e.OpenSettlements() {
		if rec.Status == StatusPending && rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, rec.PaymentID)
		}
	}
	for _, id := range stale {
		e.log.Warn("releasing stale credit reservation", "paymentId", id)
		if err := e.ReleaseCredit(id, false); err != nil {
			e.log.Error("release stale reservation", "paymentId", id, "err", err)
		}
	}
	return stale
}

func (e *Engine) exportGauges() {
	count, total, _ := e.PendingStats()
	m := observability.Facilitator()
	m.PendingSettlements.Set(float64(count))
	m.PendingAmount.Set(observability.TokensFromBase(total, e.limits.TokenDecimals))
}
