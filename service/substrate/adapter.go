package substrate

import (
	"fmt"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// RPCClient is the subset of the substrate node RPC the drip backend needs.
// The underlying client is synchronous; the backend bounds every call with
// the caller's context.
type RPCClient interface {
	ChainName() (string, error)
	NodeVersion() (string, error)
	GenesisHash() (types.Hash, error)
	RuntimeVersion() (*types.RuntimeVersion, error)
	Metadata() (*types.Metadata, error)
	AccountNextIndex(account string) (uint64, error)
	SubmitExtrinsic(encoded string) (types.Hash, error)
	Health() (types.Health, error)
	Close()
}

// realRPCClient adapts the go-substrate-rpc-client API to our RPCClient interface.
type realRPCClient struct {
	api *gsrpc.SubstrateAPI
}

// NewRPCClient connects to a substrate node over websocket or http.
func NewRPCClient(url string) (RPCClient, error) {
	api, err := gsrpc.NewSubstrateAPI(url)
	if err != nil {
		return nil, err
	}
	return &realRPCClient{api: api}, nil
}

func (r *realRPCClient) ChainName() (string, error) {
	name, err := r.api.RPC.System.Chain()
	return string(name), err
}

func (r *realRPCClient) NodeVersion() (string, error) {
	version, err := r.api.RPC.System.Version()
	return string(version), err
}

func (r *realRPCClient) GenesisHash() (types.Hash, error) {
	return r.api.RPC.Chain.GetBlockHash(0)
}

func (r *realRPCClient) RuntimeVersion() (*types.RuntimeVersion, error) {
	return r.api.RPC.State.GetRuntimeVersionLatest()
}

func (r *realRPCClient) Metadata() (*types.Metadata, error) {
	return r.api.RPC.State.GetMetadataLatest()
}

func (r *realRPCClient) AccountNextIndex(account string) (uint64, error) {
	var next uint64
	if err := r.api.Client.Call(&next, "system_accountNextIndex", account); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *realRPCClient) SubmitExtrinsic(encoded string) (types.Hash, error) {
	var res string
	if err := r.api.Client.Call(&res, "author_submitExtrinsic", encoded); err != nil {
		return types.Hash{}, err
	}
	hash, err := types.NewHashFromHexString(res)
	if err != nil {
		return types.Hash{}, fmt.Errorf("node returned malformed hash %q: %w", res, err)
	}
	return hash, nil
}

func (r *realRPCClient) Health() (types.Health, error) {
	return r.api.RPC.System.Health()
}

func (r *realRPCClient) Close() {
	if c, ok := r.api.Client.(interface{ Close() }); ok {
		c.Close()
	}
}
