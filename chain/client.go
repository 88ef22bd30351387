// Package chain wraps the EVM JSON-RPC endpoint behind the small, typed
// surface the facilitator consumes. The adapter performs no retries of its
// own; retry policy belongs to the settlement engine.
package chain

import (
	"context"
	"errors"
	"math/big"

	"filpay/payment"
)

// ErrPending is returned by WaitForReceipt while the transaction is not yet
// mined.
var ErrPending = errors.New("transaction pending")

// Receipt is the settled view of a submitted transaction.
type Receipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// ContractBackend is the minimal surface the bond and escrow adapters need
// to drive their contracts: read-only calls, signed transactions, and
// receipt polling.
type ContractBackend interface {
	Call(ctx context.Context, contract string, data []byte) ([]byte, error)
	Transact(ctx context.Context, contract string, data []byte) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error)
}

// Client is the chain surface used by verification and settlement.
type Client interface {
	// BalanceOf reads the payer's token balance.
	BalanceOf(ctx context.Context, token, addr string) (*big.Int, error)
	// AuthorizationUsed reports whether the (authorizer, nonce) pair has been
	// consumed on-chain.
	AuthorizationUsed(ctx context.Context, token, authorizer string, nonce [32]byte) (bool, error)
	// SubmitTransfer submits the signed authorization as a
	// transferWithAuthorization call and returns the transaction hash.
	SubmitTransfer(ctx context.Context, auth *payment.Authorization) (string, error)
	// WaitForReceipt fetches the receipt, requiring at least confirmations
	// blocks on top. Returns ErrPending while unmined.
	WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error)
	// CurrentHeight returns the chain head height.
	CurrentHeight(ctx context.Context) (uint64, error)
	// SuggestGasPrice returns the node's gas price estimate.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}
