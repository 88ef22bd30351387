// Package eip712 computes the typed-data digests the facilitator accepts:
// EIP-3009 transfer authorizations against the stablecoin domain and
// deferred-payment vouchers against the escrow domain.
package eip712

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"filpay/payment"
)

// ErrInvalidSignature is returned when a signature cannot be decoded or does
// not recover to any address.
var ErrInvalidSignature = errors.New("invalid signature")

// Domain identifies the verifying contract for a typed-data signature.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// EscrowDomainName and EscrowDomainVersion are fixed by the deferred payment
// escrow contract.
const (
	EscrowDomainName    = "DeferredPaymentEscrow"
	EscrowDomainVersion = "1"
)

var transferTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

var voucherTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Voucher": {
		{Name: "id", Type: "bytes32"},
		{Name: "buyer", Type: "address"},
		{Name: "seller", Type: "address"},
		{Name: "valueAggregate", Type: "uint256"},
		{Name: "asset", Type: "address"},
		{Name: "timestamp", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

func (d Domain) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           ethmath.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract,
	}
}

// TransferDigest computes the EIP-712 digest a payer signs for an EIP-3009
// transfer authorization.
func TransferDigest(domain Domain, auth *payment.Authorization) ([]byte, error) {
	nonce, err := auth.NonceBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	td := apitypes.TypedData{
		Types:       transferTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain:      domain.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  fmt.Sprintf("%d", auth.ValidAfter),
			"validBefore": fmt.Sprintf("%d", auth.ValidBefore),
			"nonce":       hexutil.Encode(nonce[:]),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return digest, nil
}

// RecoverSigner recovers the address that produced the authorization
// signature over the transfer digest.
func RecoverSigner(domain Domain, auth *payment.Authorization) (common.Address, error) {
	digest, err := TransferDigest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := auth.SignatureBytes()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return recover(digest, sig)
}

// VerifyPayer reports whether the authorization was signed by its from
// address. Address comparison is case-insensitive.
func VerifyPayer(domain Domain, auth *payment.Authorization) bool {
	signer, err := RecoverSigner(domain, auth)
	if err != nil {
		return false
	}
	return payment.SameAddress(signer.Hex(), auth.From)
}

// PaymentID derives the settlement primary key from the authorization
// signature: keccak256(signature), 0x-prefixed. Two distinct authorizations
// never share a signature, so the id doubles as the bond commitment id.
func PaymentID(auth *payment.Authorization) (string, error) {
	sig, err := auth.SignatureBytes()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return hexutil.Encode(ethcrypto.Keccak256(sig)), nil
}

// VoucherClaim carries the signed fields of a deferred-payment voucher.
type VoucherClaim struct {
	ID             [32]byte
	Buyer          string
	Seller         string
	ValueAggregate string
	Asset          string
	Timestamp      int64
	Nonce          uint64
}

// VoucherDigest computes the EIP-712 digest a buyer signs over a voucher.
// The domain is fixed to the escrow contract.
func VoucherDigest(chainID int64, escrow string, claim VoucherClaim) ([]byte, error) {
	td := apitypes.TypedData{
		Types:       voucherTypes,
		PrimaryType: "Voucher",
		Domain: Domain{
			Name:              EscrowDomainName,
			Version:           EscrowDomainVersion,
			ChainID:           chainID,
			VerifyingContract: escrow,
		}.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"id":             hexutil.Encode(claim.ID[:]),
			"buyer":          claim.Buyer,
			"seller":         claim.Seller,
			"valueAggregate": claim.ValueAggregate,
			"asset":          claim.Asset,
			"timestamp":      fmt.Sprintf("%d", claim.Timestamp),
			"nonce":          fmt.Sprintf("%d", claim.Nonce),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash voucher: %w", err)
	}
	return digest, nil
}

// RecoverVoucherSigner recovers the buyer address from a voucher signature.
func RecoverVoucherSigner(chainID int64, escrow string, claim VoucherClaim, signature string) (common.Address, error) {
	digest, err := VoucherDigest(chainID, escrow, claim)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(ensureHexPrefix(signature))
	if err != nil || len(sig) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	return recover(digest, sig)
}

func recover(digest, sig []byte) (common.Address, error) {
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	// Accept both raw recovery ids and the Ethereum 27/28 convention.
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
