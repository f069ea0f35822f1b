package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"testing"

	"github.com/brojonat/dripper/service/address"
	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSeed    = "e5be9a5092b81bca64be81d212e7f2f9eba183bb7a90954f7b76361f6edb5c0a"
	testAccount = "0x8097c3C354652CB1EEed3E5B65fBa2576470678A"
	testToken   = "0x94a9D9AC8a22534E3FaCa9F4e7F2E2cf85d5E4C8"
	sepoliaID   = 11155111
)

// mockRPCClient implements RPCClient for testing.
type mockRPCClient struct {
	chainID *big.Int
	pending uint64
	head    uint64
	err     error
	sendErr error
	sent    []*types.Transaction
	closed  bool
}

func (m *mockRPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	return m.chainID, m.err
}

func (m *mockRPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	if account != common.HexToAddress(testAccount) {
		return 0, errors.New("unexpected account")
	}
	return m.pending, nil
}

func (m *mockRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.head, m.err
}

func (m *mockRPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockRPCClient) Close() {
	m.closed = true
}

func newMock() *mockRPCClient {
	return &mockRPCClient{chainID: big.NewInt(sepoliaID), pending: 5, head: 100}
}

func endpoint() config.Chain {
	return config.Chain{
		Network:  "sepolia",
		Family:   config.FamilyEVM,
		RPCURL:   "http://localhost:8545",
		GasPrice: config.DefaultGasPrice,
	}
}

func newTestClient(t *testing.T, mock *mockRPCClient) *Client {
	t.Helper()
	key, err := crypto.HexToECDSA(testSeed)
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := NewClient(context.Background(), mock, endpoint(), key, nil, logger)
	require.NoError(t, err)
	return c
}

func dest(t *testing.T) address.Native {
	t.Helper()
	native, err := address.EVM{}.Normalize("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	require.NoError(t, err)
	return native
}

func decode(t *testing.T, raw []byte) *types.Transaction {
	t.Helper()
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))
	return tx
}

func TestNewClient(t *testing.T) {
	c := newTestClient(t, newMock())
	assert.Equal(t, testAccount, c.From().Hex())
	assert.Equal(t, int64(sepoliaID), c.chainID.Int64())
}

func TestNewClient_Errors(t *testing.T) {
	key, err := crypto.HexToECDSA(testSeed)
	require.NoError(t, err)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	mock := newMock()
	mock.err = errors.New("connection refused")
	_, err = NewClient(context.Background(), mock, endpoint(), key, nil, logger)
	assert.ErrorContains(t, err, "chain id")

	bad := endpoint()
	bad.GasPrice = "cheap"
	_, err = NewClient(context.Background(), newMock(), bad, key, nil, logger)
	assert.ErrorContains(t, err, "gas_price")
}

func TestClient_NextNonce(t *testing.T) {
	nonce, err := newTestClient(t, newMock()).NextNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), nonce)
}

func TestClient_Sign_Native(t *testing.T) {
	c := newTestClient(t, newMock())
	to := dest(t)

	signed, err := c.Sign(context.Background(), []chain.TransferOp{{
		Network: "sepolia",
		Asset:   config.AssetNative,
		Dest:    to,
		Amount:  big.NewInt(1e16),
	}}, 5)
	require.NoError(t, err)

	tx := decode(t, signed.Raw)
	assert.Equal(t, signed.Hash, tx.Hash().Hex())
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(DefaultNativeGas), tx.Gas())
	assert.Equal(t, "1000000000", tx.GasPrice().String())
	assert.Equal(t, common.HexToAddress(to.Address), *tx.To())
	assert.Equal(t, big.NewInt(1e16), tx.Value())
	assert.Empty(t, tx.Data())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(sepoliaID)), tx)
	require.NoError(t, err)
	assert.Equal(t, testAccount, sender.Hex())
}

func TestClient_Sign_ERC20(t *testing.T) {
	c := newTestClient(t, newMock())
	to := dest(t)

	signed, err := c.Sign(context.Background(), []chain.TransferOp{{
		Network:  "sepolia",
		Asset:    config.AssetERC20,
		AssetID:  testToken,
		Dest:     to,
		Amount:   big.NewInt(250),
		GasLimit: 80000,
	}}, 9)
	require.NoError(t, err)

	tx := decode(t, signed.Raw)
	assert.Equal(t, common.HexToAddress(testToken), *tx.To())
	assert.Zero(t, tx.Value().Sign())
	assert.Equal(t, uint64(80000), tx.Gas())
	assert.Equal(t, "a9059cbb", hex.EncodeToString(tx.Data()[:4]))

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, common.HexToAddress(to.Address), args[0])
	assert.Equal(t, big.NewInt(250), args[1])
}

func TestClient_Sign_Errors(t *testing.T) {
	to := dest(t)
	native := chain.TransferOp{Asset: config.AssetNative, Dest: to, Amount: big.NewInt(1)}

	tests := []struct {
		name string
		ops  []chain.TransferOp
		want string
	}{
		{name: "batch", ops: []chain.TransferOp{native, native}, want: "exactly one transfer"},
		{name: "empty", ops: nil, want: "exactly one transfer"},
		{name: "zero amount", ops: []chain.TransferOp{{Asset: config.AssetNative, Dest: to, Amount: new(big.Int)}}, want: "positive"},
		{name: "32-byte destination", ops: []chain.TransferOp{{Asset: config.AssetNative, Dest: address.Native{Account: make([]byte, 32)}, Amount: big.NewInt(1)}}, want: "20-byte"},
		{name: "pallet asset", ops: []chain.TransferOp{{Asset: config.AssetPallet, AssetID: "1", Dest: to, Amount: big.NewInt(1)}}, want: "unsupported asset"},
		{name: "bad token", ops: []chain.TransferOp{{Asset: config.AssetERC20, AssetID: "usdc", Dest: to, Amount: big.NewInt(1)}}, want: "invalid token contract"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestClient(t, newMock()).Sign(context.Background(), tt.ops, 0)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestClient_Broadcast(t *testing.T) {
	ctx := context.Background()
	op := chain.TransferOp{Asset: config.AssetNative, Dest: dest(t), Amount: big.NewInt(1)}

	t.Run("sends", func(t *testing.T) {
		mock := newMock()
		c := newTestClient(t, mock)

		signed, err := c.Sign(ctx, []chain.TransferOp{op}, 5)
		require.NoError(t, err)

		hash, err := c.Broadcast(ctx, signed)
		require.NoError(t, err)
		assert.Equal(t, signed.Hash, hash)
		require.Len(t, mock.sent, 1)
		assert.Equal(t, uint64(5), mock.sent[0].Nonce())
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		mock := newMock()
		c := newTestClient(t, mock)

		signed, err := c.Sign(ctx, []chain.TransferOp{op}, 5)
		require.NoError(t, err)
		signed.Nonce = 6

		_, err = c.Broadcast(ctx, signed)
		assert.ErrorContains(t, err, "does not match")
		assert.Empty(t, mock.sent)
	})

	t.Run("rejected", func(t *testing.T) {
		mock := newMock()
		mock.sendErr = errors.New("nonce too low")
		c := newTestClient(t, mock)

		signed, err := c.Sign(ctx, []chain.TransferOp{op}, 5)
		require.NoError(t, err)

		_, err = c.Broadcast(ctx, signed)
		assert.ErrorContains(t, err, "nonce too low")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := newTestClient(t, newMock()).Broadcast(ctx, chain.SignedTx{Raw: []byte{0xff}})
		assert.ErrorContains(t, err, "failed to decode")
	})
}

func TestClient_Ping(t *testing.T) {
	mock := newMock()
	c := newTestClient(t, mock)

	assert.NoError(t, c.Ping(context.Background()))

	mock.err = errors.New("503")
	assert.Error(t, c.Ping(context.Background()))

	c.Close()
	assert.True(t, mock.closed)
}
