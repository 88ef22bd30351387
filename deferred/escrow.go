package deferred

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"filpay/chain"
)

// Account is a buyer's escrow position.
type Account struct {
	Balance       *big.Int `json:"balance"`
	ThawingAmount *big.Int `json:"thawingAmount"`
	ThawEndTime   int64    `json:"thawEndTime"`
}

// Escrow is the deferred-payment contract surface. collect enforces the
// monotonic-nonce and monotonic-aggregate rules on chain; the store's
// off-chain checks only keep obviously stale vouchers out of the database.
type Escrow interface {
	// Collect settles a voucher and returns the transaction handle. The
	// contract pays the seller valueAggregate minus the previously collected
	// value.
	Collect(ctx context.Context, v *Voucher) (string, error)
	GetAccount(ctx context.Context, buyer string) (*Account, error)
	SettledNonce(ctx context.Context, id [32]byte) (uint64, error)
	CollectedValue(ctx context.Context, id [32]byte) (*big.Int, error)
}

const escrowABI = `[
  {"type":"function","name":"collect","stateMutability":"nonpayable","inputs":[
    {"name":"voucher","type":"tuple","components":[
      {"name":"id","type":"bytes32"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},
      {"name":"valueAggregate","type":"uint256"},{"name":"asset","type":"address"},
      {"name":"timestamp","type":"uint256"},{"name":"nonce","type":"uint256"}]},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"getAccount","stateMutability":"view","inputs":[{"name":"buyer","type":"address"}],"outputs":[
    {"name":"balance","type":"uint256"},{"name":"thawingAmount","type":"uint256"},{"name":"thawEndTime","type":"uint256"}]},
  {"type":"function","name":"getSettledNonce","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"getCollectedValue","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"type":"uint256"}]}
]`

type abiVoucher struct {
	Id             [32]byte
	Buyer          common.Address
	Seller         common.Address
	ValueAggregate *big.Int
	Asset          common.Address
	Timestamp      *big.Int
	Nonce          *big.Int
}

// EVMEscrow drives the deployed escrow contract.
type EVMEscrow struct {
	backend  chain.ContractBackend
	contract string
	parsed   abi.ABI
}

// NewEVMEscrow binds the adapter to the escrow contract address.
func NewEVMEscrow(backend chain.ContractBackend, contract string) (*EVMEscrow, error) {
	if strings.TrimSpace(contract) == "" {
		return nil, fmt.Errorf("escrow contract address required")
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	return &EVMEscrow{backend: backend, contract: contract, parsed: parsed}, nil
}

func (e *EVMEscrow) Collect(ctx context.Context, v *Voucher) (string, error) {
	id, err := v.IDBytes()
	if err != nil {
		return "", err
	}
	aggregate, ok := new(big.Int).SetString(v.ValueAggregate, 10)
	if !ok {
		return "", fmt.Errorf("invalid voucher aggregate %q", v.ValueAggregate)
	}
	sig, err := hexutil.Decode(v.Signature)
	if err != nil {
		return "", fmt.Errorf("decode voucher signature: %w", err)
	}
	data, err := e.parsed.Pack("collect", abiVoucher{
		Id:             id,
		Buyer:          common.HexToAddress(v.Buyer),
		Seller:         common.HexToAddress(v.Seller),
		ValueAggregate: aggregate,
		Asset:          common.HexToAddress(v.Asset),
		Timestamp:      big.NewInt(v.Timestamp),
		Nonce:          new(big.Int).SetUint64(v.Nonce),
	}, sig)
	if err != nil {
		return "", fmt.Errorf("pack collect: %w", err)
	}
	txHash, err := e.backend.Transact(ctx, e.contract, data)
	if err != nil {
		return "", fmt.Errorf("collect: %w", err)
	}
	return txHash, nil
}

func (e *EVMEscrow) GetAccount(ctx context.Context, buyer string) (*Account, error) {
	data, err := e.parsed.Pack("getAccount", common.HexToAddress(buyer))
	if err != nil {
		return nil, fmt.Errorf("pack getAccount: %w", err)
	}
	raw, err := e.backend.Call(ctx, e.contract, data)
	if err != nil {
		return nil, fmt.Errorf("getAccount: %w", err)
	}
	out, err := e.parsed.Unpack("getAccount", raw)
	if err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &Account{
		Balance:       out[0].(*big.Int),
		ThawingAmount: out[1].(*big.Int),
		ThawEndTime:   out[2].(*big.Int).Int64(),
	}, nil
}

func (e *EVMEscrow) SettledNonce(ctx context.Context, id [32]byte) (uint64, error) {
	value, err := e.readUint(ctx, "getSettledNonce", id)
	if err != nil {
		return 0, err
	}
	return value.Uint64(), nil
}

func (e *EVMEscrow) CollectedValue(ctx context.Context, id [32]byte) (*big.Int, error) {
	return e.readUint(ctx, "getCollectedValue", id)
}

func (e *EVMEscrow) readUint(ctx context.Context, method string, id [32]byte) (*big.Int, error) {
	data, err := e.parsed.Pack(method, id)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := e.backend.Call(ctx, e.contract, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := e.parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return out[0].(*big.Int), nil
}
