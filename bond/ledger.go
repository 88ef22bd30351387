// Package bond adapts the on-chain bond contract: facilitator collateral
// committed per payment so the provider is made whole even when settlement
// fails. The safety contract (at-most-one resolution per id, deadline
// monotonicity, ledger conservation) lives in the contract itself; this
// package only translates.
package bond

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// CommitmentWindow is the provider's claim deadline measured from commit.
const CommitmentWindow = 10 * time.Minute

var (
	// ErrAlreadyCommitted means a commitment exists under the payment id.
	// Commit is therefore never blindly retried.
	ErrAlreadyCommitted = errors.New("payment already committed")
	// ErrInsufficientBond means the facilitator's free collateral cannot
	// cover the amount.
	ErrInsufficientBond = errors.New("insufficient bond capacity")
	// ErrNotCommitted means no commitment exists under the id.
	ErrNotCommitted = errors.New("payment not committed")
	// ErrAlreadyResolved means the commitment was already settled or claimed.
	ErrAlreadyResolved = errors.New("commitment already resolved")
	// ErrDeadlineNotReached means the provider claimed before the window
	// elapsed.
	ErrDeadlineNotReached = errors.New("claim deadline not reached")
	// ErrNotProvider means the claimer is not the committed provider.
	ErrNotProvider = errors.New("caller is not the committed provider")
)

// Commitment mirrors one on-chain bond row.
type Commitment struct {
	PaymentID   string
	Provider    string
	Amount      *big.Int
	CommittedAt time.Time
	Deadline    time.Time
	Settled     bool
	Claimed     bool
}

// Ledger is the bond contract surface. releasePayment and claimPayment fail
// idempotently on a second resolution; commitPayment must not be retried
// after an ambiguous failure.
type Ledger interface {
	CommitPayment(ctx context.Context, paymentID, provider string, amount *big.Int) error
	ReleasePayment(ctx context.Context, paymentID string) error
	ClaimPayment(ctx context.Context, paymentID, provider string) error
	Commitment(ctx context.Context, paymentID string) (*Commitment, error)
	Exposure(ctx context.Context) (*big.Int, error)
	AvailableBond(ctx context.Context) (*big.Int, error)
	HasCapacity(ctx context.Context, amount *big.Int) (bool, error)
}
