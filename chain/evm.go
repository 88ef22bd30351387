package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"filpay/payment"
)

// eip3009ABI covers the token surface the facilitator touches: balance
// reads, nonce lookups and the authorized transfer itself.
const eip3009ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view","inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"outputs":[{"type":"bool"}]},
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
    {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
    {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]}
]`

const fallbackTransferGasLimit = 180_000

// EVMClient implements Client against an Ethereum-compatible node. A single
// facilitator key signs every submission; its account nonce is managed by
// the chain.
type EVMClient struct {
	eth     *ethclient.Client
	tokAbi  abi.ABI
	key     *ecdsa.PrivateKey
	sender  common.Address
	chainID *big.Int
}

// Dial connects to the RPC endpoint and loads the facilitator signing key.
func Dial(ctx context.Context, endpoint, signingKeyHex string, chainID int64) (*EVMClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain endpoint required")
	}
	eth, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(signingKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("load facilitator key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(eip3009ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	return &EVMClient{
		eth:     eth,
		tokAbi:  parsed,
		key:     key,
		sender:  ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

// Sender returns the facilitator's signing address.
func (c *EVMClient) Sender() string {
	return c.sender.Hex()
}

func (c *EVMClient) BalanceOf(ctx context.Context, token, addr string) (*big.Int, error) {
	data, err := c.tokAbi.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("balance check failed: %w", err)
	}
	out, err := c.tokAbi.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type %T", out[0])
	}
	return balance, nil
}

func (c *EVMClient) AuthorizationUsed(ctx context.Context, token, authorizer string, nonce [32]byte) (bool, error) {
	data, err := c.tokAbi.Pack("authorizationState", common.HexToAddress(authorizer), nonce)
	if err != nil {
		return false, fmt.Errorf("pack authorizationState: %w", err)
	}
	raw, err := c.call(ctx, token, data)
	if err != nil {
		return false, fmt.Errorf("authorization state: %w", err)
	}
	out, err := c.tokAbi.Unpack("authorizationState", raw)
	if err != nil {
		return false, fmt.Errorf("decode authorization state: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState type %T", out[0])
	}
	return used, nil
}

func (c *EVMClient) SubmitTransfer(ctx context.Context, auth *payment.Authorization) (string, error) {
	value, err := auth.Amount()
	if err != nil {
		return "", err
	}
	nonce, err := auth.NonceBytes()
	if err != nil {
		return "", err
	}
	sig, err := auth.SignatureBytes()
	if err != nil {
		return "", err
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])

	data, err := c.tokAbi.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
		v, r, s,
	)
	if err != nil {
		return "", fmt.Errorf("pack transferWithAuthorization: %w", err)
	}

	tx, err := c.buildAndSign(ctx, common.HexToAddress(auth.Token), data)
	if err != nil {
		return "", err
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EVMClient) buildAndSign(ctx context.Context, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	acctNonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return nil, fmt.Errorf("account nonce: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.sender, To: &to, Data: data,
	})
	if err != nil {
		// Estimation can fail transiently; a generous static limit keeps the
		// submission path alive and the chain refunds unused gas.
		gasLimit = fallbackTransferGasLimit
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     acctNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

func (c *EVMClient) WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrPending
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, ErrPending
	}
	if confirmations > 1 {
		head, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain head: %w", err)
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined || head-mined+1 < confirmations {
			return nil, ErrPending
		}
	}
	return &Receipt{
		TxHash:      txHash,
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (c *EVMClient) CurrentHeight(ctx context.Context) (uint64, error) {
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain head: %w", err)
	}
	return height, nil
}

func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return price, nil
}

// Call performs a read-only contract call.
func (c *EVMClient) Call(ctx context.Context, contract string, data []byte) ([]byte, error) {
	return c.call(ctx, contract, data)
}

// Transact signs and submits a contract call from the facilitator account.
func (c *EVMClient) Transact(ctx context.Context, contract string, data []byte) (string, error) {
	tx, err := c.buildAndSign(ctx, common.HexToAddress(contract), data)
	if err != nil {
		return "", err
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// Close releases the underlying RPC connection.
func (c *EVMClient) Close() {
	c.eth.Close()
}

func (c *EVMClient) call(ctx context.Context, contract string, data []byte) ([]byte, error) {
	to := common.HexToAddress(contract)
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
