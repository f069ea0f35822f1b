// Package substrate implements the drip backend for substrate based chains:
// balances and pallet-assets transfers, optionally wrapped in a
// Utility.batch_all, signed with the funding sr25519 key as immortal
// extrinsics.
package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/metrics"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"golang.org/x/crypto/blake2b"
)

const (
	callTransfer      = "Balances.transfer_keep_alive"
	callAssetTransfer = "Assets.transfer_keep_alive"
	callBatchAll      = "Utility.batch_all"
)

// Client is a chain.Backend bound to one substrate node and the funding keypair.
type Client struct {
	rpc     RPCClient
	network string
	keypair signature.KeyringPair
	genesis types.Hash
	logger  *slog.Logger
	metrics *metrics.Metrics

	// metadata is refreshed when the runtime spec version changes
	mu          sync.Mutex
	meta        *types.Metadata
	specVersion types.U32
}

var _ chain.Backend = (*Client)(nil)

// Dial connects to the endpoint's node and loads its genesis hash and metadata.
func Dial(ctx context.Context, endpoint config.Chain, keypair signature.KeyringPair, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	return dial(ctx, NewRPCClient, endpoint, keypair, m, logger)
}

func dial(ctx context.Context, connect func(url string) (RPCClient, error), endpoint config.Chain, keypair signature.KeyringPair, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	rpcClient, err := rpcCallLate(ctx, m, endpoint.Network, "connect", func() (RPCClient, error) {
		return connect(endpoint.RPCURL)
	}, func(late RPCClient, err error) {
		// nobody owns a connection that arrives after ctx is done
		if err == nil {
			late.Close()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("substrate %s: failed to connect: %w", endpoint.Network, err)
	}

	c, err := NewClient(ctx, rpcClient, endpoint.Network, keypair, m, logger)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("substrate %s: %w", endpoint.Network, err)
	}
	return c, nil
}

// NewClient creates a backend over an established RPC client.
// If metrics is nil, no metrics will be recorded.
func NewClient(ctx context.Context, rpcClient RPCClient, network string, keypair signature.KeyringPair, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	c := &Client{
		rpc:     rpcClient,
		network: network,
		keypair: keypair,
		logger:  logger.With("network", network, "family", config.FamilySubstrate),
		metrics: m,
	}

	genesis, err := rpcCall(ctx, m, network, "chain_getBlockHash", rpcClient.GenesisHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get genesis hash: %w", err)
	}
	c.genesis = genesis

	if _, err := c.metadata(ctx); err != nil {
		return nil, err
	}

	name, err := rpcCall(ctx, m, network, "system_chain", rpcClient.ChainName)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain name: %w", err)
	}
	version, err := rpcCall(ctx, m, network, "system_version", rpcClient.NodeVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to get node version: %w", err)
	}

	c.logger.InfoContext(ctx, "connected to node",
		"chain", name,
		"node_version", version,
		"spec_version", c.specVersion,
		"funding_account", keypair.Address,
	)
	return c, nil
}

// rpcCall runs a blocking RPC call, returning early when ctx is done.
func rpcCall[T any](ctx context.Context, m *metrics.Metrics, network, method string, fn func() (T, error)) (T, error) {
	return rpcCallLate(ctx, m, network, method, fn, nil)
}

// rpcCallLate is rpcCall where late, if set, receives the result of a call
// that was still running when ctx was done.
func rpcCallLate[T any](ctx context.Context, m *metrics.Metrics, network, method string, fn func() (T, error), late func(T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	var out T
	err := chain.Instrument(m, network, method, func() error {
		done := make(chan result, 1)
		go func() {
			v, err := fn()
			done <- result{v: v, err: err}
		}()

		select {
		case <-ctx.Done():
			if late != nil {
				go func() {
					r := <-done
					late(r.v, r.err)
				}()
			}
			return ctx.Err()
		case r := <-done:
			out = r.v
			return r.err
		}
	})
	return out, err
}

// metadata returns metadata matching the node's current runtime, along with
// the runtime version it was checked against.
func (c *Client) metadata(ctx context.Context) (*types.RuntimeVersion, error) {
	rv, err := rpcCall(ctx, c.metrics, c.network, "state_getRuntimeVersion", c.rpc.RuntimeVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to get runtime version: %w", err)
	}

	c.mu.Lock()
	current := c.meta != nil && c.specVersion == rv.SpecVersion
	c.mu.Unlock()
	if current {
		return rv, nil
	}

	meta, err := rpcCall(ctx, c.metrics, c.network, "state_getMetadata", c.rpc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}

	c.mu.Lock()
	if c.meta != nil {
		c.logger.InfoContext(ctx, "runtime upgraded, metadata refreshed",
			"old_spec_version", c.specVersion,
			"spec_version", rv.SpecVersion,
		)
	}
	c.meta = meta
	c.specVersion = rv.SpecVersion
	c.mu.Unlock()

	return rv, nil
}

func (c *Client) currentMetadata() *types.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// Address is the funding account in the chain's SS58 format.
func (c *Client) Address() string {
	return c.keypair.Address
}

// NextNonce asks the node for the funding account's next index, including
// transactions still in the pool.
func (c *Client) NextNonce(ctx context.Context) (uint64, error) {
	return rpcCall(ctx, c.metrics, c.network, "system_accountNextIndex", func() (uint64, error) {
		return c.rpc.AccountNextIndex(c.keypair.Address)
	})
}

// Sign builds the call for ops (a batch_all when there is more than one) and
// signs it as an immortal extrinsic with nonce.
func (c *Client) Sign(ctx context.Context, ops []chain.TransferOp, nonce uint64) (chain.SignedTx, error) {
	rv, err := c.metadata(ctx)
	if err != nil {
		return chain.SignedTx{}, err
	}

	call, err := buildCall(c.currentMetadata(), ops)
	if err != nil {
		return chain.SignedTx{}, err
	}

	ext := types.NewExtrinsic(call)
	err = ext.Sign(c.keypair, types.SignatureOptions{
		BlockHash:          c.genesis,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        c.genesis,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	})
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to sign extrinsic: %w", err)
	}

	raw, err := codec.Encode(ext)
	if err != nil {
		return chain.SignedTx{}, fmt.Errorf("failed to encode extrinsic: %w", err)
	}

	digest := blake2b.Sum256(raw)
	return chain.SignedTx{
		Nonce: nonce,
		Hash:  types.NewHash(digest[:]).Hex(),
		Raw:   raw,
	}, nil
}

// Broadcast submits the extrinsic and returns once the node has accepted it
// into its pool.
func (c *Client) Broadcast(ctx context.Context, tx chain.SignedTx) (string, error) {
	encoded := codec.HexEncodeToString(tx.Raw)
	hash, err := rpcCallLate(ctx, c.metrics, c.network, "author_submitExtrinsic", func() (types.Hash, error) {
		return c.rpc.SubmitExtrinsic(encoded)
	}, func(hash types.Hash, err error) {
		if err != nil {
			c.logger.Warn("broadcast failed after its deadline", "nonce", tx.Nonce, "error", err)
			return
		}
		c.logger.Warn("broadcast accepted after its deadline", "nonce", tx.Nonce, "tx_hash", hash.Hex())
	})
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Ping checks the node answers and, when it expects peers, has some.
func (c *Client) Ping(ctx context.Context) error {
	health, err := rpcCall(ctx, c.metrics, c.network, "system_health", c.rpc.Health)
	if err != nil {
		return err
	}
	if health.ShouldHavePeers && health.Peers == 0 {
		return fmt.Errorf("node has no peers")
	}
	return nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func buildCall(meta *types.Metadata, ops []chain.TransferOp) (types.Call, error) {
	if len(ops) == 0 {
		return types.Call{}, fmt.Errorf("no transfers to build")
	}

	calls := make([]types.Call, 0, len(ops))
	for i, op := range ops {
		call, err := transferCall(meta, op)
		if err != nil {
			return types.Call{}, fmt.Errorf("op %d: %w", i, err)
		}
		calls = append(calls, call)
	}

	if len(calls) == 1 {
		return calls[0], nil
	}
	call, err := types.NewCall(meta, callBatchAll, calls)
	if err != nil {
		return types.Call{}, fmt.Errorf("failed to build %s: %w", callBatchAll, err)
	}
	return call, nil
}

func transferCall(meta *types.Metadata, op chain.TransferOp) (types.Call, error) {
	if op.Amount == nil || op.Amount.Sign() <= 0 {
		return types.Call{}, fmt.Errorf("amount must be positive")
	}

	dest, err := types.NewMultiAddressFromAccountID(op.Dest.Account)
	if err != nil {
		return types.Call{}, fmt.Errorf("invalid destination: %w", err)
	}
	amount := types.NewUCompact(op.Amount)

	switch op.Asset {
	case config.AssetNative:
		return types.NewCall(meta, callTransfer, dest, amount)
	case config.AssetPallet:
		id, err := strconv.ParseUint(op.AssetID, 10, 32)
		if err != nil {
			return types.Call{}, fmt.Errorf("invalid asset id %q: %w", op.AssetID, err)
		}
		return types.NewCall(meta, callAssetTransfer, types.NewUCompactFromUInt(id), dest, amount)
	default:
		return types.Call{}, fmt.Errorf("unsupported asset %q on substrate", op.Asset)
	}
}
