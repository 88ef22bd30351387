package payment

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Authorization is an off-chain signed EIP-3009 transferWithAuthorization
// payload. Amounts travel as decimal strings so that 256-bit values survive
// JSON; use Amount to obtain the parsed value.
type Authorization struct {
	Token       string `json:"token"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// Requirements describes what the provider demands in exchange for serving
// the request: the receiving address, the minimum amount and the asset.
type Requirements struct {
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	TokenAddress      string `json:"tokenAddress"`
	ChainID           int64  `json:"chainId"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
}

// Amount parses the authorization value as a base-10 unsigned integer.
func (a *Authorization) Amount() (*big.Int, error) {
	return ParseAmount(a.Value)
}

// NonceBytes decodes the 32-byte authorization nonce.
func (a *Authorization) NonceBytes() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(a.Nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("decode nonce: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// SignatureBytes decodes the 65-byte secp256k1 signature.
func (a *Authorization) SignatureBytes() ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(a.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}
	return raw, nil
}

// WithinWindow reports whether now falls inside [validAfter, validBefore).
func (a *Authorization) WithinWindow(now time.Time) bool {
	ts := now.Unix()
	return a.ValidAfter <= ts && ts < a.ValidBefore
}

// ExpiresWithin reports whether the authorization expires within budget
// seconds, boundary included. Settlement needs strictly more headroom than
// the budget to land the transfer before the window closes.
func (a *Authorization) ExpiresWithin(now time.Time, budget time.Duration) bool {
	remaining := a.ValidBefore - now.Unix()
	return remaining <= int64(budget/time.Second)
}

// RequiredAmount parses the requirements amount.
func (r *Requirements) RequiredAmount() (*big.Int, error) {
	return ParseAmount(r.MaxAmountRequired)
}

// ParseAmount parses a non-negative decimal string into a big integer.
func ParseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return v, nil
}

// NormalizeAddress lower-cases a 0x address for use as a map key. It does not
// checksum-validate; mixed-case inputs from different clients must land on
// the same wallet record.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
