package settle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"filpay/bond"
	"filpay/chain"
	"filpay/eip712"
	"filpay/fcr"
	"filpay/payment"
	"filpay/risk"
	"filpay/storage"
	"filpay/verify"
)

var testDomain = eip712.Domain{
	Name:              "USD Stable",
	Version:           "1",
	ChainID:           314,
	VerifyingContract: "0x1111111111111111111111111111111111111111",
}

const providerAddr = "0x2222222222222222222222222222222222222222"

type fakeChain struct {
	mu        sync.Mutex
	balance   *big.Int
	height    uint64
	submitErr error
	submits   int
	receipts  map[string]*chain.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balance:  new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
		height:   100,
		receipts: make(map[string]*chain.Receipt),
	}
}

func (f *fakeChain) BalanceOf(context.Context, string, string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) AuthorizationUsed(context.Context, string, string, [32]byte) (bool, error) {
	return false, nil
}

func (f *fakeChain) SubmitTransfer(context.Context, *payment.Authorization) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return fmt.Sprintf("0xtx%02d", f.submits), nil
}

func (f *fakeChain) WaitForReceipt(_ context.Context, txHash string, _ uint64) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, chain.ErrPending
	}
	return receipt, nil
}

func (f *fakeChain) CurrentHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) setReceipt(txHash string, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = &chain.Receipt{TxHash: txHash, Status: status, BlockNumber: f.height}
}

func (f *fakeChain) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

type fakeF3 struct {
	mu       sync.Mutex
	progress fcr.Progress
	certs    map[uint64]*fcr.Certificate
}

func (f *fakeF3) GetProgress(context.Context) (fcr.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress, nil
}

func (f *fakeF3) GetCertificate(_ context.Context, instance uint64) (*fcr.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert, ok := f.certs[instance]
	if !ok {
		return nil, errors.New("not decided")
	}
	return cert, nil
}

func (f *fakeF3) GetLatestCertificate(ctx context.Context) (*fcr.Certificate, error) {
	f.mu.Lock()
	var best *fcr.Certificate
	for _, cert := range f.certs {
		if best == nil || cert.Instance > best.Instance {
			best = cert
		}
	}
	f.mu.Unlock()
	if best == nil {
		return nil, errors.New("no certificates")
	}
	return best, nil
}

func (f *fakeF3) GetManifest(context.Context) (*fcr.Manifest, error) {
	return &fcr.Manifest{NetworkName: "testnet"}, nil
}

func (f *fakeF3) set(progress fcr.Progress) {
	f.mu.Lock()
	f.progress = progress
	f.mu.Unlock()
}

func (f *fakeF3) decide(instance uint64, height int64) {
	f.mu.Lock()
	if f.certs == nil {
		f.certs = make(map[uint64]*fcr.Certificate)
	}
	f.certs[instance] = &fcr.Certificate{
		Instance: instance,
		ECChain:  []fcr.ECTipset{{Epoch: height}},
	}
	f.mu.Unlock()
}

type fixture struct {
	engine *Engine
	chain  *fakeChain
	bond   *bond.MemoryLedger
	risk   *risk.Engine
	key    *ecdsa.PrivateKey
}

func newFixture(t *testing.T, monitor *fcr.Monitor) *fixture {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	fc := newFakeChain()
	riskEngine := risk.NewEngine(risk.Limits{
		MaxPerTransactionUSD:   100,
		MaxPendingPerWalletUSD: 500,
		DailyLimitPerWalletUSD: 1000,
		TokenDecimals:          18,
	}, nil, storage.NewKeyspace("test"), nil)
	pipeline := verify.New(testDomain, fc, riskEngine, nil)
	ledger := bond.NewMemoryLedger(new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)))

	engine := NewEngine(Config{
		MaxAttempts:    2,
		RetryDelay:     5 * time.Second,
		ReceiptTimeout: time.Second,
		StaleGrace:     10 * time.Minute,
	}, pipeline, riskEngine, fc, ledger, monitor, nil)

	return &fixture{engine: engine, chain: fc, bond: ledger, risk: riskEngine, key: key}
}

// one token: $1 at 18 decimals, inside the UNKNOWN-tier daily cap of $5.
const oneToken = "1000000000000000000"

func (f *fixture) signedAuth(t *testing.T, value string) *payment.Authorization {
	t.Helper()
	now := time.Now().Unix()
	auth := &payment.Authorization{
		Token:       testDomain.VerifyingContract,
		From:        ethcrypto.PubkeyToAddress(f.key.PublicKey).Hex(),
		To:          providerAddr,
		Value:       value,
		ValidAfter:  now - 60,
		ValidBefore: now + 3600,
		Nonce:       fmt.Sprintf("0x%064x", time.Now().UnixNano()),
	}
	digest, err := eip712.TransferDigest(testDomain, auth)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, f.key)
	require.NoError(t, err)
	auth.Signature = hexutil.Encode(sig)
	return auth
}

func requirements(amount string) *payment.Requirements {
	return &payment.Requirements{
		PayTo:             providerAddr,
		MaxAmountRequired: amount,
		TokenAddress:      testDomain.VerifyingContract,
		ChainID:           testDomain.ChainID,
	}
}

func TestSettleHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	auth := f.signedAuth(t, oneToken)

	res := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.PaymentID)
	require.NotEmpty(t, res.TransactionHandle)

	rec, ok := f.engine.Status(res.PaymentID)
	require.True(t, ok)
	require.Equal(t, risk.StatusSubmitted, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, uint64(100), rec.TipsetHeight)

	// Bond collateral is committed while the transfer is in flight.
	exposure, err := f.bond.Exposure(ctx)
	require.NoError(t, err)
	require.Equal(t, oneToken, exposure.String())

	f.chain.setReceipt(res.TransactionHandle, 1)
	f.engine.Tick(ctx)

	rec, ok = f.engine.Status(res.PaymentID)
	require.True(t, ok)
	require.Equal(t, risk.StatusConfirmed, rec.Status)

	// Credit moved from pending to the daily bucket, bond released.
	require.Equal(t, int64(0), f.risk.PendingFor(auth.From).Int64())
	require.Equal(t, oneToken, f.risk.DailyUsed(auth.From).String())
	exposure, err = f.bond.Exposure(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), exposure.Int64())
}

func TestSettleDuplicateReturnsSameHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	auth := f.signedAuth(t, oneToken)

	first := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.True(t, first.Success, first.Error)

	second := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.False(t, second.Success)
	require.Equal(t, ErrAlreadySubmitted, second.Error)
	require.Equal(t, first.PaymentID, second.PaymentID)
	require.Equal(t, first.TransactionHandle, second.TransactionHandle)
}

func TestSettleInsufficientBondCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	// Drain the bond with a prior commitment.
	require.NoError(t, f.bond.CommitPayment(ctx, "0xprior", providerAddr,
		new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))))

	auth := f.signedAuth(t, oneToken)
	res := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.False(t, res.Success)
	require.Equal(t, ErrInsufficientBondCapacity, res.Error)

	// Credit stays reserved until the reaper catches it.
	require.Equal(t, oneToken, f.risk.PendingFor(auth.From).String())
	released := f.risk.ReapStale(0)
	require.Len(t, released, 1)
	require.Equal(t, int64(0), f.risk.PendingFor(auth.From).Int64())
}

func TestSettleSubmissionFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.chain.setSubmitErr(errors.New("rpc down"))

	auth := f.signedAuth(t, oneToken)
	res := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.False(t, res.Success)
	require.Contains(t, res.Error, errSubmissionFailed)

	rec, ok := f.engine.Status(res.PaymentID)
	require.True(t, ok)
	require.Equal(t, risk.StatusRetry, rec.Status)
	require.Equal(t, 1, rec.Attempts)

	// Second attempt also fails, exhausting maxAttempts=2.
	f.engine.Tick(ctx)
	rec, _ = f.engine.Status(res.PaymentID)
	require.Equal(t, risk.StatusRetry, rec.Status)
	require.Equal(t, 2, rec.Attempts)

	f.engine.Tick(ctx)
	rec, _ = f.engine.Status(res.PaymentID)
	require.Equal(t, risk.StatusFailed, rec.Status)
	require.Equal(t, int64(0), f.risk.PendingFor(auth.From).Int64())

	// The bond commitment stays locked; after the deadline the provider
	// claims it and the facilitator's balance shrinks.
	start := time.Now()
	f.bond.SetClock(func() time.Time { return start.Add(bond.CommitmentWindow + time.Second) })
	require.NoError(t, f.bond.ClaimPayment(ctx, res.PaymentID, providerAddr))
	want := new(big.Int).Mul(big.NewInt(9), big.NewInt(1e18))
	require.Equal(t, want, f.bond.Balance())
}

func TestRevertedTransferRetriesWithFreshHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	auth := f.signedAuth(t, oneToken)

	res := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.True(t, res.Success, res.Error)

	f.chain.setReceipt(res.TransactionHandle, 0)
	f.engine.Tick(ctx)
	rec, _ := f.engine.Status(res.PaymentID)
	require.Equal(t, risk.StatusRetry, rec.Status)
	require.Equal(t, "transaction_reverted", rec.LastError)

	// Next tick resubmits the same authorization under a new handle.
	f.engine.Tick(ctx)
	rec, _ = f.engine.Status(res.PaymentID)
	require.Equal(t, risk.StatusSubmitted, rec.Status)
	require.Equal(t, 2, rec.Attempts)
	require.NotEqual(t, res.TransactionHandle, rec.TxHash)
}

func TestExpiredAuthorizationFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.chain.setSubmitErr(errors.New("rpc down"))

	auth := f.signedAuth(t, oneToken)
	res := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.False(t, res.Success)

	// The window closes before the next attempt.
	f.engine.nowFn = func() time.Time { return time.Unix(auth.ValidBefore+1, 0) }
	f.engine.Tick(ctx)

	rec, _ := f.engine.Status(res.PaymentID)
	require.Equal(t, risk.StatusFailed, rec.Status)
	require.Equal(t, "authorization_expired", rec.LastError)
}

func TestConfirmationLevelAdvancesMonotonically(t *testing.T) {
	ctx := context.Background()
	f3 := &fakeF3{progress: fcr.Progress{Instance: 7, Round: 0, Phase: fcr.PhaseCommit}}
	monitor := fcr.NewMonitor(fcr.Config{
		Enabled:      true,
		PollInterval: 10 * time.Millisecond,
	}, f3, nil)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go monitor.Run(runCtx)
	require.Eventually(t, monitor.Healthy, time.Second, 5*time.Millisecond)

	f := newFixture(t, monitor)
	auth := f.signedAuth(t, oneToken)
	res := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.FCR)
	require.Equal(t, fcr.LevelL2, res.FCR.Level)

	// A certificate covering the tipset height finalizes the payment.
	f3.decide(7, 100)
	f3.set(fcr.Progress{Instance: 8, Round: 0, Phase: fcr.PhaseQuality})
	require.Eventually(t, func() bool {
		return monitor.Evaluate(ctx, 100).Level == fcr.LevelL3
	}, time.Second, 5*time.Millisecond)

	f.engine.Tick(ctx)
	rec, _ := f.engine.Status(res.PaymentID)
	require.Equal(t, fcr.LevelL3, rec.Level)
	require.NotNil(t, rec.ConfirmedAt)

	// Levels never regress even if the monitor's view does.
	f3.set(fcr.Progress{Instance: 8, Round: 3, Phase: fcr.PhasePrepare})
	time.Sleep(30 * time.Millisecond)
	f.engine.Tick(ctx)
	rec, _ = f.engine.Status(res.PaymentID)
	require.Equal(t, fcr.LevelL3, rec.Level)
}

func TestSubmitIntoFinalizedHeightSetsConfirmedAt(t *testing.T) {
	ctx := context.Background()
	f3 := &fakeF3{progress: fcr.Progress{Instance: 8, Round: 0, Phase: fcr.PhaseQuality}}
	// The submission height is already covered by a certificate.
	f3.decide(7, 100)
	monitor := fcr.NewMonitor(fcr.Config{
		Enabled:      true,
		PollInterval: 10 * time.Millisecond,
	}, f3, nil)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go monitor.Run(runCtx)
	require.Eventually(t, monitor.Healthy, time.Second, 5*time.Millisecond)

	f := newFixture(t, monitor)
	auth := f.signedAuth(t, oneToken)
	res := f.engine.Settle(ctx, auth, requirements(oneToken))
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.FCR)
	require.Equal(t, fcr.LevelL3, res.FCR.Level)

	rec, ok := f.engine.Status(res.PaymentID)
	require.True(t, ok)
	require.Equal(t, fcr.LevelL3, rec.Level)
	require.NotNil(t, rec.ConfirmedAt)
}
