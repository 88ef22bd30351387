// Package deferred stores buyer-signed payment vouchers and settles them
// against the escrow contract. A voucher's value aggregate is monotone per
// voucher id; the contract pays sellers the delta against the last collected
// value, so replaying an old voucher can never pay twice.
package deferred

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"filpay/eip712"
	"filpay/payment"
)

// VoucherTTL is how long a stored voucher stays collectable.
const VoucherTTL = 7 * 24 * time.Hour

var (
	// ErrStaleVoucher rejects a voucher whose nonce does not advance past
	// every stored voucher under the same id.
	ErrStaleVoucher = errors.New("stale voucher")
	// ErrValueNotIncreasing rejects a voucher whose aggregate does not grow.
	ErrValueNotIncreasing = errors.New("voucher value not increasing")
	// ErrWrongDomain rejects a voucher bound to another escrow or chain.
	ErrWrongDomain = errors.New("voucher domain mismatch")
	// ErrNotFound means no live voucher exists for the triple.
	ErrNotFound = errors.New("voucher not found")
	// ErrAlreadySettled refuses to settle the same stored voucher twice.
	ErrAlreadySettled = errors.New("voucher already settled")
)

// Voucher is an off-chain promise by a buyer to a seller. ValueAggregate is
// the cumulative amount owed under the voucher id, not an increment.
type Voucher struct {
	ID             string `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	ValueAggregate string `json:"valueAggregate"`
	Asset          string `json:"asset"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          uint64 `json:"nonce"`
	Escrow         string `json:"escrow"`
	ChainID        int64  `json:"chainId"`
	Signature      string `json:"signature"`

	Settled           bool      `json:"settled"`
	TransactionHandle string    `json:"transactionHandle,omitempty"`
	StoredAt          time.Time `json:"storedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// IDBytes decodes the 32-byte voucher id.
func (v *Voucher) IDBytes() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(v.ID, "0x"))
	if err != nil {
		return out, fmt.Errorf("decode voucher id: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("voucher id must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Claim maps the voucher onto the signed struct.
func (v *Voucher) Claim() (eip712.VoucherClaim, error) {
	id, err := v.IDBytes()
	if err != nil {
		return eip712.VoucherClaim{}, err
	}
	return eip712.VoucherClaim{
		ID:             id,
		Buyer:          v.Buyer,
		Seller:         v.Seller,
		ValueAggregate: v.ValueAggregate,
		Asset:          v.Asset,
		Timestamp:      v.Timestamp,
		Nonce:          v.Nonce,
	}, nil
}

// VerifyBuyerSignature recovers the voucher signer and compares it to the
// buyer address.
func (v *Voucher) VerifyBuyerSignature() error {
	claim, err := v.Claim()
	if err != nil {
		return fmt.Errorf("%w: %v", eip712.ErrInvalidSignature, err)
	}
	signer, err := eip712.RecoverVoucherSigner(v.ChainID, v.Escrow, claim, v.Signature)
	if err != nil {
		return err
	}
	if !payment.SameAddress(signer.Hex(), v.Buyer) {
		return eip712.ErrInvalidSignature
	}
	return nil
}
