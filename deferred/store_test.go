package deferred

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"filpay/eip712"
)

const (
	testChainID = int64(314)
	escrowAddr  = "0x4444444444444444444444444444444444444444"
	sellerAddr  = "0x5555555555555555555555555555555555555555"
	assetAddr   = "0x1111111111111111111111111111111111111111"
)

func voucherID(n byte) string {
	var id [32]byte
	id[31] = n
	return hexutil.Encode(id[:])
}

func signVoucher(t *testing.T, key *ecdsa.PrivateKey, v *Voucher) {
	t.Helper()
	claim, err := v.Claim()
	require.NoError(t, err)
	digest, err := eip712.VoucherDigest(testChainID, escrowAddr, claim)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)
	v.Signature = hexutil.Encode(sig)
}

func makeVoucher(t *testing.T, key *ecdsa.PrivateKey, id string, nonce uint64, aggregate string) *Voucher {
	t.Helper()
	v := &Voucher{
		ID:             id,
		Buyer:          ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Seller:         sellerAddr,
		ValueAggregate: aggregate,
		Asset:          assetAddr,
		Timestamp:      time.Now().Unix(),
		Nonce:          nonce,
		Escrow:         escrowAddr,
		ChainID:        testChainID,
	}
	signVoucher(t, key, v)
	return v
}

func newTestStore(t *testing.T) (*Store, *MemoryEscrow, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	escrow := NewMemoryEscrow(testChainID, escrowAddr)
	escrow.Deposit(ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)))
	store, err := NewStore(":memory:", escrow, testChainID, escrowAddr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, escrow, key
}

func tokens(n int64) string {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)).String()
}

func TestSettleVoucherPaysDelta(t *testing.T) {
	ctx := context.Background()
	store, escrow, key := newTestStore(t)
	id := voucherID(1)
	buyer := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 1, tokens(100))))
	settled, err := store.SettleVoucher(ctx, id, buyer, sellerAddr)
	require.NoError(t, err)
	require.True(t, settled.Settled)
	require.NotEmpty(t, settled.TransactionHandle)
	require.Equal(t, tokens(100), escrow.PaidTo(sellerAddr).String())

	// The next voucher raises the aggregate; settlement pays only the delta.
	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 2, tokens(250))))
	_, err = store.SettleVoucher(ctx, id, buyer, sellerAddr)
	require.NoError(t, err)
	require.Equal(t, tokens(250), escrow.PaidTo(sellerAddr).String())

	acct, err := escrow.GetAccount(ctx, buyer)
	require.NoError(t, err)
	require.Equal(t, tokens(750), acct.Balance.String())
}

func TestStoreVoucherNonceRules(t *testing.T) {
	ctx := context.Background()
	store, _, key := newTestStore(t)
	id := voucherID(2)

	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 5, tokens(10))))

	// Equal nonce is stale, even with a larger aggregate.
	require.ErrorIs(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 5, tokens(20))), ErrStaleVoucher)
	require.ErrorIs(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 4, tokens(20))), ErrStaleVoucher)

	// Advancing nonce without growing the aggregate is refused.
	require.ErrorIs(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 6, tokens(10))), ErrValueNotIncreasing)

	// Strictly greater on both axes is accepted and replaces the row.
	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 6, tokens(11))))
	v, err := store.Voucher(ctx, id, ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), sellerAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(6), v.Nonce)
	require.Equal(t, tokens(11), v.ValueAggregate)
}

func TestStoreVoucherRejectsWrongDomain(t *testing.T) {
	ctx := context.Background()
	store, _, key := newTestStore(t)

	v := makeVoucher(t, key, voucherID(3), 1, tokens(1))
	v.ChainID = testChainID + 1
	require.ErrorIs(t, store.StoreVoucher(ctx, v), ErrWrongDomain)

	v = makeVoucher(t, key, voucherID(3), 1, tokens(1))
	v.Escrow = sellerAddr
	require.ErrorIs(t, store.StoreVoucher(ctx, v), ErrWrongDomain)
}

func TestStoreVoucherRejectsForgedSignature(t *testing.T) {
	ctx := context.Background()
	store, _, key := newTestStore(t)
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	v := makeVoucher(t, key, voucherID(4), 1, tokens(1))
	// Signed by someone other than the buyer.
	forged := makeVoucher(t, other, voucherID(4), 1, tokens(1))
	v.Signature = forged.Signature
	require.ErrorIs(t, store.StoreVoucher(ctx, v), eip712.ErrInvalidSignature)
}

func TestSettleVoucherRefusals(t *testing.T) {
	ctx := context.Background()
	store, _, key := newTestStore(t)
	id := voucherID(5)
	buyer := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	_, err := store.SettleVoucher(ctx, id, buyer, sellerAddr)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, id, 1, tokens(5))))
	_, err = store.SettleVoucher(ctx, id, buyer, sellerAddr)
	require.NoError(t, err)

	_, err = store.SettleVoucher(ctx, id, buyer, sellerAddr)
	require.ErrorIs(t, err, ErrAlreadySettled)
}

func TestVouchersForBuyerAndTTL(t *testing.T) {
	ctx := context.Background()
	store, _, key := newTestStore(t)
	buyer := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, voucherID(6), 1, tokens(1))))
	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, voucherID(7), 1, tokens(2))))

	list, err := store.VouchersForBuyer(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Past the TTL the vouchers disappear from reads and the purge removes
	// the rows.
	store.nowFn = func() time.Time { return time.Now().Add(VoucherTTL + time.Hour) }
	list, err = store.VouchersForBuyer(ctx, buyer)
	require.NoError(t, err)
	require.Empty(t, list)

	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)
}

func TestRunSweepsExpiredVouchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _, key := newTestStore(t)

	require.NoError(t, store.StoreVoucher(ctx, makeVoucher(t, key, voucherID(8), 1, tokens(1))))
	store.nowFn = func() time.Time { return time.Now().Add(VoucherTTL + time.Hour) }

	go store.Run(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		var n int
		if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vouchers`).Scan(&n); err != nil {
			return false
		}
		return n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestVoucherIDValidation(t *testing.T) {
	v := &Voucher{ID: "0x1234"}
	_, err := v.IDBytes()
	require.Error(t, err)
	_, err = v.Claim()
	require.Error(t, err)
}
