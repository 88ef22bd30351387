package bond

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	provider = "0x9999999999999999999999999999999999999999"
	five     = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
	ten      = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
)

func TestCommitCapacity(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(ten)

	ok, err := l.HasCapacity(ctx, five)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.CommitPayment(ctx, "0x01", provider, five))
	require.ErrorIs(t, l.CommitPayment(ctx, "0x01", provider, five), ErrAlreadyCommitted)

	exposure, err := l.Exposure(ctx)
	require.NoError(t, err)
	require.Equal(t, five, exposure)

	require.NoError(t, l.CommitPayment(ctx, "0x02", provider, five))
	require.ErrorIs(t, l.CommitPayment(ctx, "0x03", provider, big.NewInt(1)), ErrInsufficientBond)
}

func TestReleaseResolvesOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(ten)
	require.NoError(t, l.CommitPayment(ctx, "0x01", provider, five))

	require.NoError(t, l.ReleasePayment(ctx, "0x01"))
	require.ErrorIs(t, l.ReleasePayment(ctx, "0x01"), ErrAlreadyResolved)
	require.ErrorIs(t, l.ClaimPayment(ctx, "0x01", provider), ErrAlreadyResolved)

	available, err := l.AvailableBond(ctx)
	require.NoError(t, err)
	require.Equal(t, ten, available)
	// Release returns collateral without touching the balance.
	require.Equal(t, ten, l.Balance())
}

func TestClaimAfterDeadline(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(ten)
	start := time.Now()
	now := start
	l.SetClock(func() time.Time { return now })

	require.NoError(t, l.CommitPayment(ctx, "0x01", provider, five))

	require.ErrorIs(t, l.ClaimPayment(ctx, "0x01", provider), ErrDeadlineNotReached)
	require.ErrorIs(t, l.ClaimPayment(ctx, "0x01", "0x1234567890123456789012345678901234567890"), ErrNotProvider)

	now = start.Add(CommitmentWindow + time.Second)
	require.NoError(t, l.ClaimPayment(ctx, "0x01", provider))
	require.ErrorIs(t, l.ClaimPayment(ctx, "0x01", provider), ErrAlreadyResolved)

	// The claim pays the provider out of the bond balance.
	require.Equal(t, five, l.Balance())
	exposure, err := l.Exposure(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), exposure.Int64())
}
