// Package evm implements the drip backend for EVM chains: native transfers
// and ERC20 transfer calls as legacy transactions at a fixed gas price.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/metrics"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// DefaultNativeGas covers a plain value transfer to an EOA.
	DefaultNativeGas = 21000
	// DefaultTokenGas covers a typical ERC20 transfer.
	DefaultTokenGas = 65000
)

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

var erc20ABI = mustParseABI(erc20TransferABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// Client is a chain.Backend bound to one EVM node and the funding key.
type Client struct {
	rpc      RPCClient
	network  string
	chainID  *big.Int
	gasPrice *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ chain.Backend = (*Client)(nil)

// Dial connects to the endpoint's node.
func Dial(ctx context.Context, endpoint config.Chain, key *ecdsa.PrivateKey, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	rpcClient, err := NewRPCClient(ctx, endpoint.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm %s: failed to connect: %w", endpoint.Network, err)
	}

	c, err := NewClient(ctx, rpcClient, endpoint, key, m, logger)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("evm %s: %w", endpoint.Network, err)
	}
	return c, nil
}

// NewClient creates a backend over an established RPC client and reads the
// chain id used for replay protection.
// If metrics is nil, no metrics will be recorded.
func NewClient(ctx context.Context, rpcClient RPCClient, endpoint config.Chain, key *ecdsa.PrivateKey, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	gasPrice, err := endpoint.GasPriceWei()
	if err != nil {
		return nil, err
	}

	var chainID *big.Int
	err = chain.Instrument(m, endpoint.Network, "eth_chainId", func() (err error) {
		chainID, err = rpcClient.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	c := &Client{
		rpc:      rpcClient,
		network:  endpoint.Network,
		chainID:  chainID,
		gasPrice: gasPrice,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(chainID),
		logger:   logger.With("network", endpoint.Network, "family", config.FamilyEVM),
		metrics:  m,
	}

	c.logger.InfoContext(ctx, "connected to node",
		"chain_id", chainID.String(),
		"funding_account", c.from.Hex(),
	)
	return c, nil
}

// From is the funding account.
func (c *Client) From() common.Address {
	return c.from
}

// NextNonce returns the funding account's pending nonce.
func (c *Client) NextNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := chain.Instrument(c.metrics, c.network, "eth_getTransactionCount", func() (err error) {
		nonce, err = c.rpc.PendingNonceAt(ctx, c.from)
		return err
	})
	return nonce, err
}

// Sign builds and signs a legacy transaction for a single op.
func (c *Client) Sign(ctx context.Context, ops []chain.TransferOp, nonce uint64) (chain.SignedTx, error) {
	if len(ops) != 1 {
		return chain.SignedTx{}, fmt.Errorf("evm transactions carry exactly one transfer, got %d", len(ops))
	}
	op := ops[0]

	if op.Amount == nil || op.Amount.Sign() <= 0 {
		return chain.SignedTx{}, fmt.Errorf("amount must be positive")
	}
	if len(op.Dest.Account) != common.AddressLength {
		return chain.SignedTx{}, fmt.Errorf("destination is not a 20-byte address")
	}
	dest := common.BytesToAddress(op.Dest.Account)

	var (
		to    common.Address
		value *big.Int
		data  []byte
		gas   = op.GasLimit
	)

	switch op.Asset {
	case config.AssetNative:
		to, value = dest, op.Amount
		if gas == 0 {
			gas = DefaultNativeGas
		}
	case config.AssetERC20:
		if !common.IsHexAddress(op.AssetID) {
			return chain.SignedTx{}, fmt.Errorf("invalid token contract %q", op.AssetID)
		}
		packed, err := erc20ABI.Pack("transfer", dest, op.Amount)
		if err != nil {
			return chain.SignedTx{}, fmt.Errorf("failed to encode transfer: %w", err)
		}
		to, value, data = common.HexToAddress(op.AssetID), new(big.Int), packed
		if gas == 0 {
			gas = DefaultTokenGas
		}
	default:
		return chain.SignedTx{}, fmt.Errorf("unsupported asset %q on evm", op.Asset)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: c.gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})

	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return chain.SignedTx{
		Nonce: nonce,
		Hash:  signed.Hash().Hex(),
		Raw:   raw,
	}, nil
}

// Broadcast sends the raw transaction to the node's pool.
func (c *Client) Broadcast(ctx context.Context, signed chain.SignedTx) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}
	if tx.Nonce() != signed.Nonce {
		return "", fmt.Errorf("transaction nonce %d does not match allocated nonce %d", tx.Nonce(), signed.Nonce)
	}

	err := chain.Instrument(c.metrics, c.network, "eth_sendRawTransaction", func() error {
		return c.rpc.SendTransaction(ctx, tx)
	})
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Ping checks the node answers with its head block.
func (c *Client) Ping(ctx context.Context) error {
	return chain.Instrument(c.metrics, c.network, "eth_blockNumber", func() error {
		_, err := c.rpc.BlockNumber(ctx)
		return err
	})
}

func (c *Client) Close() {
	c.rpc.Close()
}
