// Package solana implements the drip backend for Solana clusters. Solana has
// no account nonce, so the connection's counter is carried as a sequence
// number in a memo instruction that keeps identical transfers distinct.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/dripper/service/address"
	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

// Client is a chain.Backend bound to one cluster and the funding key.
type Client struct {
	rpc     RPCClient
	network string
	key     solana.PrivateKey
	from    solana.PublicKey
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ chain.Backend = (*Client)(nil)

// NewClient creates a new Solana backend over rpcClient.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, network string, key solana.PrivateKey, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:     rpcClient,
		network: network,
		key:     key,
		from:    key.PublicKey(),
		logger:  logger.With("network", network, "family", config.FamilySolana),
		metrics: m,
	}
}

// Dial connects to the endpoint's cluster and checks it is healthy.
func Dial(ctx context.Context, endpoint config.Chain, key solana.PrivateKey, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	c := NewClient(NewRPCClient(endpoint.RPCURL), endpoint.Network, key, m, logger)
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("solana %s: %w", endpoint.Network, err)
	}
	return c, nil
}

// From is the funding account.
func (c *Client) From() solana.PublicKey {
	return c.from
}

// NextNonce checks the funding account is readable and starts the sequence at 0.
func (c *Client) NextNonce(ctx context.Context) (uint64, error) {
	var balance *rpc.GetBalanceResult
	err := chain.Instrument(c.metrics, c.network, "getBalance", func() (err error) {
		balance, err = c.rpc.GetBalance(ctx, c.from, rpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read funding balance: %w", err)
	}

	if balance == nil || balance.Value == 0 {
		c.logger.WarnContext(ctx, "funding account has no balance", "account", c.from.String())
	} else {
		c.logger.DebugContext(ctx, "funding balance", "account", c.from.String(), "lamports", balance.Value)
	}
	return 0, nil
}

// Sign builds one transaction with a system transfer per op and the sequence
// memo, then signs it with the funding key.
func (c *Client) Sign(ctx context.Context, ops []chain.TransferOp, nonce uint64) (chain.SignedTx, error) {
	instructions := make([]solana.Instruction, 0, len(ops)+1)
	for i, op := range ops {
		if op.Asset != config.AssetNative {
			return chain.SignedTx{}, fmt.Errorf("op %d: unsupported asset %q on solana", i, op.Asset)
		}
		if op.Amount == nil || op.Amount.Sign() <= 0 || !op.Amount.IsUint64() {
			return chain.SignedTx{}, fmt.Errorf("op %d: lamports out of range", i)
		}
		if len(op.Dest.Account) != address.AccountWidth {
			return chain.SignedTx{}, fmt.Errorf("op %d: destination is not a 32-byte account", i)
		}

		to := solana.PublicKeyFromBytes(op.Dest.Account)
		instructions = append(instructions, system.NewTransferInstruction(op.Amount.Uint64(), c.from, to).Build())
	}
	instructions = append(instructions,
		solana.NewInstruction(MemoProgramIDSPL, solana.AccountMetaSlice{}, []byte(formatMemo(nonce))))

	var latest *rpc.GetLatestBlockhashResult
	err := chain.Instrument(c.metrics, c.network, "getLatestBlockhash", func() (err error) {
		latest, err = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to get blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return chain.SignedTx{}, errors.New("node returned no blockhash")
	}

	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(c.from))
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.from) {
			return &c.key
		}
		return nil
	})
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return chain.SignedTx{
		Nonce: nonce,
		Hash:  tx.Signatures[0].String(),
		Raw:   raw,
	}, nil
}

// Broadcast decodes tx, checks it carries the sequence it was signed with and
// sends it to the cluster.
func (c *Client) Broadcast(ctx context.Context, signed chain.SignedTx) (string, error) {
	tx, err := decodeTx(signed.Raw)
	if err != nil {
		return "", err
	}

	drip, err := parseDripTx(tx)
	if err != nil {
		return "", err
	}
	if seq, ok := MemoSequence(drip.Memo); !ok || seq != signed.Nonce {
		return "", fmt.Errorf("transaction memo %q does not carry sequence %d", drip.Memo, signed.Nonce)
	}

	var sig solana.Signature
	err = chain.Instrument(c.metrics, c.network, "sendTransaction", func() (err error) {
		sig, err = c.rpc.SendTransaction(ctx, tx)
		return err
	})
	if err != nil {
		return "", err
	}

	c.logger.DebugContext(ctx, "transaction sent",
		"signature", sig.String(),
		"transfers", len(drip.Transfers),
		"sequence", signed.Nonce,
	)
	return sig.String(), nil
}

// Ping checks the node reports itself healthy.
func (c *Client) Ping(ctx context.Context) error {
	return chain.Instrument(c.metrics, c.network, "getHealth", func() error {
		status, err := c.rpc.GetHealth(ctx)
		if err != nil {
			return err
		}
		if status != "ok" {
			return fmt.Errorf("node unhealthy: %s", status)
		}
		return nil
	})
}

func (c *Client) Close() {
	if err := c.rpc.Close(); err != nil {
		c.logger.Debug("error closing rpc client", "error", err)
	}
}
