package bond

import (
	"context"
	"math/big"
	"sync"
	"time"

	"filpay/payment"
)

// MemoryLedger enforces the bond contract's semantics in process. It backs
// tests and the no-contract development mode; production deployments point
// at the real contract through EVMLedger.
type MemoryLedger struct {
	mu             sync.Mutex
	bondBalance    *big.Int
	totalCommitted *big.Int
	commitments    map[string]*Commitment
	nowFn          func() time.Time
}

// NewMemoryLedger seeds the facilitator's bond balance.
func NewMemoryLedger(bondBalance *big.Int) *MemoryLedger {
	if bondBalance == nil {
		bondBalance = new(big.Int)
	}
	return &MemoryLedger{
		bondBalance:    new(big.Int).Set(bondBalance),
		totalCommitted: new(big.Int),
		commitments:    make(map[string]*Commitment),
		nowFn:          time.Now,
	}
}

// SetClock overrides the ledger clock; tests use it to reach deadlines.
func (l *MemoryLedger) SetClock(nowFn func() time.Time) {
	l.mu.Lock()
	l.nowFn = nowFn
	l.mu.Unlock()
}

func (l *MemoryLedger) CommitPayment(_ context.Context, paymentID, provider string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.commitments[paymentID]; exists {
		return ErrAlreadyCommitted
	}
	free := new(big.Int).Sub(l.bondBalance, l.totalCommitted)
	if free.Cmp(amount) < 0 {
		return ErrInsufficientBond
	}
	now := l.nowFn()
	l.commitments[paymentID] = &Commitment{
		PaymentID:   paymentID,
		Provider:    provider,
		Amount:      new(big.Int).Set(amount),
		CommittedAt: now,
		Deadline:    now.Add(CommitmentWindow),
	}
	l.totalCommitted.Add(l.totalCommitted, amount)
	return nil
}

func (l *MemoryLedger) ReleasePayment(_ context.Context, paymentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.commitments[paymentID]
	if !ok {
		return ErrNotCommitted
	}
	if c.Settled || c.Claimed {
		return ErrAlreadyResolved
	}
	c.Settled = true
	l.totalCommitted.Sub(l.totalCommitted, c.Amount)
	return nil
}

func (l *MemoryLedger) ClaimPayment(_ context.Context, paymentID, provider string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.commitments[paymentID]
	if !ok {
		return ErrNotCommitted
	}
	if !payment.SameAddress(c.Provider, provider) {
		return ErrNotProvider
	}
	if c.Settled || c.Claimed {
		return ErrAlreadyResolved
	}
	if l.nowFn().Before(c.Deadline) {
		return ErrDeadlineNotReached
	}
	c.Claimed = true
	l.totalCommitted.Sub(l.totalCommitted, c.Amount)
	l.bondBalance.Sub(l.bondBalance, c.Amount)
	return nil
}

func (l *MemoryLedger) Commitment(_ context.Context, paymentID string) (*Commitment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.commitments[paymentID]
	if !ok {
		return nil, ErrNotCommitted
	}
	cp := *c
	cp.Amount = new(big.Int).Set(c.Amount)
	return &cp, nil
}

func (l *MemoryLedger) Exposure(_ context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.totalCommitted), nil
}

func (l *MemoryLedger) AvailableBond(_ context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Sub(l.bondBalance, l.totalCommitted), nil
}

func (l *MemoryLedger) HasCapacity(ctx context.Context, amount *big.Int) (bool, error) {
	available, err := l.AvailableBond(ctx)
	if err != nil {
		return false, err
	}
	return available.Cmp(amount) >= 0, nil
}

// Balance returns the remaining bond balance (tests observe claims here).
func (l *MemoryLedger) Balance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.bondBalance)
}
