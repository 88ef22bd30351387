package deferred

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"filpay/payment"
)

// MemoryEscrow enforces the escrow contract's collect semantics in process:
// signature against buyer, domain check, strictly increasing nonce and
// aggregate per id, delta payout, thaw clamp. It backs tests and the
// no-contract development mode.
type MemoryEscrow struct {
	chainID int64
	address string

	mu        sync.Mutex
	accounts  map[string]*Account
	settled   map[[32]byte]uint64   // id -> last settled nonce
	collected map[[32]byte]*big.Int // id -> cumulative collected value
	payouts   map[string]*big.Int   // seller -> total received
	seq       int
}

// NewMemoryEscrow builds an empty escrow bound to a chain id and address.
func NewMemoryEscrow(chainID int64, address string) *MemoryEscrow {
	return &MemoryEscrow{
		chainID:   chainID,
		address:   address,
		accounts:  make(map[string]*Account),
		settled:   make(map[[32]byte]uint64),
		collected: make(map[[32]byte]*big.Int),
		payouts:   make(map[string]*big.Int),
	}
}

// Deposit credits a buyer's escrow balance.
func (m *MemoryEscrow) Deposit(buyer string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(buyer)
	acct.Balance.Add(acct.Balance, amount)
}

// Thaw starts withdrawing amount with the given unlock time.
func (m *MemoryEscrow) Thaw(buyer string, amount *big.Int, thawEnd int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(buyer)
	acct.ThawingAmount = new(big.Int).Set(amount)
	acct.ThawEndTime = thawEnd
}

func (m *MemoryEscrow) account(buyer string) *Account {
	key := payment.NormalizeAddress(buyer)
	acct, ok := m.accounts[key]
	if !ok {
		acct = &Account{Balance: new(big.Int), ThawingAmount: new(big.Int)}
		m.accounts[key] = acct
	}
	return acct
}

func (m *MemoryEscrow) Collect(_ context.Context, v *Voucher) (string, error) {
	if v.ChainID != m.chainID || !payment.SameAddress(v.Escrow, m.address) {
		return "", ErrWrongDomain
	}
	if err := v.VerifyBuyerSignature(); err != nil {
		return "", err
	}
	id, err := v.IDBytes()
	if err != nil {
		return "", err
	}
	aggregate, ok := new(big.Int).SetString(v.ValueAggregate, 10)
	if !ok {
		return "", fmt.Errorf("invalid voucher aggregate %q", v.ValueAggregate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Nonce <= m.settled[id] {
		return "", ErrStaleVoucher
	}
	prev, ok := m.collected[id]
	if !ok {
		prev = new(big.Int)
	}
	if aggregate.Cmp(prev) <= 0 {
		return "", ErrValueNotIncreasing
	}
	delta := new(big.Int).Sub(aggregate, prev)

	acct := m.account(v.Buyer)
	if acct.Balance.Cmp(delta) < 0 {
		return "", fmt.Errorf("escrow balance %s below delta %s", acct.Balance, delta)
	}
	acct.Balance.Sub(acct.Balance, delta)
	// Thawing funds cannot exceed what remains.
	if acct.ThawingAmount.Cmp(acct.Balance) > 0 {
		acct.ThawingAmount.Set(acct.Balance)
	}

	m.settled[id] = v.Nonce
	m.collected[id] = aggregate
	seller := payment.NormalizeAddress(v.Seller)
	if m.payouts[seller] == nil {
		m.payouts[seller] = new(big.Int)
	}
	m.payouts[seller].Add(m.payouts[seller], delta)
	m.seq++
	return fmt.Sprintf("0xcollect%04d", m.seq), nil
}

func (m *MemoryEscrow) GetAccount(_ context.Context, buyer string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(buyer)
	return &Account{
		Balance:       new(big.Int).Set(acct.Balance),
		ThawingAmount: new(big.Int).Set(acct.ThawingAmount),
		ThawEndTime:   acct.ThawEndTime,
	}, nil
}

func (m *MemoryEscrow) SettledNonce(_ context.Context, id [32]byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled[id], nil
}

func (m *MemoryEscrow) CollectedValue(_ context.Context, id [32]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.collected[id]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// PaidTo reports the cumulative amount delivered to a seller.
func (m *MemoryEscrow) PaidTo(seller string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.payouts[payment.NormalizeAddress(seller)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}
