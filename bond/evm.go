package bond

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"filpay/chain"
)

const bondABI = `[
  {"type":"function","name":"commitPayment","stateMutability":"nonpayable","inputs":[{"name":"paymentId","type":"bytes32"},{"name":"provider","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"releasePayment","stateMutability":"nonpayable","inputs":[{"name":"paymentId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"claimPayment","stateMutability":"nonpayable","inputs":[{"name":"paymentId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getCommitment","stateMutability":"view","inputs":[{"name":"paymentId","type":"bytes32"}],"outputs":[
    {"name":"provider","type":"address"},{"name":"amount","type":"uint256"},{"name":"committedAt","type":"uint256"},
    {"name":"deadline","type":"uint256"},{"name":"settled","type":"bool"},{"name":"claimed","type":"bool"}]},
  {"type":"function","name":"getExposure","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"getAvailableBond","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`

// EVMLedger drives the deployed bond contract through a shared chain
// backend.
type EVMLedger struct {
	backend  chain.ContractBackend
	contract string
	parsed   abi.ABI
}

// NewEVMLedger binds the adapter to the bond contract address.
func NewEVMLedger(backend chain.ContractBackend, contract string) (*EVMLedger, error) {
	if strings.TrimSpace(contract) == "" {
		return nil, fmt.Errorf("bond contract address required")
	}
	parsed, err := abi.JSON(strings.NewReader(bondABI))
	if err != nil {
		return nil, fmt.Errorf("parse bond abi: %w", err)
	}
	return &EVMLedger{backend: backend, contract: contract, parsed: parsed}, nil
}

func (l *EVMLedger) CommitPayment(ctx context.Context, paymentID, provider string, amount *big.Int) error {
	data, err := l.parsed.Pack("commitPayment", common.HexToHash(paymentID), common.HexToAddress(provider), amount)
	if err != nil {
		return fmt.Errorf("pack commitPayment: %w", err)
	}
	return l.transact(ctx, data, "commitPayment")
}

func (l *EVMLedger) ReleasePayment(ctx context.Context, paymentID string) error {
	data, err := l.parsed.Pack("releasePayment", common.HexToHash(paymentID))
	if err != nil {
		return fmt.Errorf("pack releasePayment: %w", err)
	}
	return l.transact(ctx, data, "releasePayment")
}

func (l *EVMLedger) ClaimPayment(ctx context.Context, paymentID, provider string) error {
	// The facilitator never claims for itself; this path exists for tooling
	// operated by the provider's key. The contract enforces the caller.
	data, err := l.parsed.Pack("claimPayment", common.HexToHash(paymentID))
	if err != nil {
		return fmt.Errorf("pack claimPayment: %w", err)
	}
	return l.transact(ctx, data, "claimPayment")
}

func (l *EVMLedger) Commitment(ctx context.Context, paymentID string) (*Commitment, error) {
	data, err := l.parsed.Pack("getCommitment", common.HexToHash(paymentID))
	if err != nil {
		return nil, fmt.Errorf("pack getCommitment: %w", err)
	}
	raw, err := l.backend.Call(ctx, l.contract, data)
	if err != nil {
		return nil, fmt.Errorf("getCommitment: %w", err)
	}
	out, err := l.parsed.Unpack("getCommitment", raw)
	if err != nil {
		return nil, fmt.Errorf("decode commitment: %w", err)
	}
	provider := out[0].(common.Address)
	if provider == (common.Address{}) {
		return nil, ErrNotCommitted
	}
	return &Commitment{
		PaymentID:   paymentID,
		Provider:    provider.Hex(),
		Amount:      out[1].(*big.Int),
		CommittedAt: time.Unix(out[2].(*big.Int).Int64(), 0),
		Deadline:    time.Unix(out[3].(*big.Int).Int64(), 0),
		Settled:     out[4].(bool),
		Claimed:     out[5].(bool),
	}, nil
}

func (l *EVMLedger) Exposure(ctx context.Context) (*big.Int, error) {
	return l.readUint(ctx, "getExposure")
}

func (l *EVMLedger) AvailableBond(ctx context.Context) (*big.Int, error) {
	return l.readUint(ctx, "getAvailableBond")
}

func (l *EVMLedger) HasCapacity(ctx context.Context, amount *big.Int) (bool, error) {
	available, err := l.AvailableBond(ctx)
	if err != nil {
		return false, err
	}
	return available.Cmp(amount) >= 0, nil
}

func (l *EVMLedger) readUint(ctx context.Context, method string) (*big.Int, error) {
	data, err := l.parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := l.backend.Call(ctx, l.contract, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := l.parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s type %T", method, out[0])
	}
	return value, nil
}

// transact submits and waits for inclusion so callers observe reverts as
// errors rather than silent no-ops.
func (l *EVMLedger) transact(ctx context.Context, data []byte, label string) error {
	txHash, err := l.backend.Transact(ctx, l.contract, data)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		receipt, err := l.backend.WaitForReceipt(ctx, txHash, 1)
		if err == nil {
			if !receipt.Succeeded() {
				return fmt.Errorf("%s reverted (tx %s)", label, txHash)
			}
			return nil
		}
		if err != chain.ErrPending {
			return fmt.Errorf("%s receipt: %w", label, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", label, ctx.Err())
		case <-ticker.C:
		}
	}
}
