package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/db"
	"github.com/brojonat/dripper/service/limiter"
	"github.com/brojonat/dripper/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	alice      = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	aliceSol   = "FHNpKmJrUtusuvKPGomAygQqeiks98bdV6yD61Stb6vg"
	evmAddress = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func endpoint(network string, family config.Family, transfers ...config.Transfer) config.Chain {
	if len(transfers) == 0 {
		transfers = []config.Transfer{{Asset: config.AssetNative, Amount: "1000"}}
	}
	return config.Chain{
		Network: network,
		Family:  family,
		RPCURL:  "ws://" + network,
		Recipe:  config.Recipe{Transfers: transfers},
	}
}

// fakeRegistry reports a fixed set of connections as Ready.
type fakeRegistry struct {
	endpoints []config.Chain
	conns     []*chain.Connection
}

func (f *fakeRegistry) Ready() []*chain.Connection {
	return f.conns
}

func (f *fakeRegistry) Endpoints() []config.Chain {
	return f.endpoints
}

type harness struct {
	engine   *Engine
	limiter  *limiter.Limiter
	backends map[string]*chain.MockBackend
	conns    map[string]*chain.Connection
}

func newHarness(t *testing.T, registry Registry, opts ...Option) *harness {
	t.Helper()

	lim, err := limiter.New(24*time.Hour, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { lim.Close() })

	e, err := New(registry, lim, Config{SubmitTimeout: time.Second, Workers: 8}, nil, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return &harness{engine: e, limiter: lim}
}

// newReadyHarness wires every endpoint to a Ready connection over a MockBackend.
func newReadyHarness(t *testing.T, endpoints []config.Chain, opts ...Option) *harness {
	t.Helper()

	reg := &fakeRegistry{endpoints: endpoints}
	backends := make(map[string]*chain.MockBackend)
	conns := make(map[string]*chain.Connection)
	for _, ep := range endpoints {
		b := chain.NewMockBackend(0)
		c := chain.NewConnection(ep, b, 0, nil)
		backends[ep.Network] = b
		conns[ep.Network] = c
		reg.conns = append(reg.conns, c)
	}

	h := newHarness(t, reg, opts...)
	h.backends = backends
	h.conns = conns
	return h
}

func TestRequestDrip_SuccessThenCooldown(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{endpoint("rococo", config.FamilySubstrate)})
	ctx := context.Background()

	result := h.engine.RequestDrip(ctx, "user-1", alice)
	assert.True(t, result.Success)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "Successfully requested funding for "+alice, result.Message)
	assert.NoError(t, result.Err())

	subs := h.backends["rococo"].Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint64(0), subs[0].Nonce)
	assert.Equal(t, alice, subs[0].Ops[0].Dest.Address)

	again := h.engine.RequestDrip(ctx, "user-1", alice)
	assert.False(t, again.Success)
	assert.Equal(t, StatusRateLimited, again.Status)
	assert.Equal(t, "Please wait one day before asking for more tokens", again.Message)
	assert.ErrorIs(t, again.Err(), ErrRateLimited)
	assert.Len(t, h.backends["rococo"].Submissions(), 1)

	other := h.engine.RequestDrip(ctx, "user-2", alice)
	assert.True(t, other.Success)
}

func TestRequestDrip_SkipsChainsThatNeverConnect(t *testing.T) {
	endpoints := []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("westend", config.FamilySubstrate),
	}
	backend := chain.NewMockBackend(40)
	dial := func(ctx context.Context, ep config.Chain) (chain.Backend, error) {
		if ep.Network == "westend" {
			return nil, chain.Permanent(errors.New("connection refused"))
		}
		return backend, nil
	}

	reg := chain.NewRegistry(endpoints, dial, chain.RegistryConfig{ConnectAttempts: 1}, nil, testLogger())
	reg.Start(context.Background())
	t.Cleanup(reg.Close)
	require.NoError(t, reg.WaitConnected(context.Background()))

	h := newHarness(t, reg)
	result := h.engine.RequestDrip(context.Background(), "user-1", alice)
	require.True(t, result.Success, result.Message)

	subs := backend.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint64(40), subs[0].Nonce)
	assert.True(t, h.limiter.IsLimited("user-1"))
}

func TestRequestDrip_NotInitialized(t *testing.T) {
	reg := &fakeRegistry{endpoints: []config.Chain{endpoint("rococo", config.FamilySubstrate)}}
	h := newHarness(t, reg)

	result := h.engine.RequestDrip(context.Background(), "user-1", alice)
	assert.False(t, result.Success)
	assert.Equal(t, "Bot API not initialized", result.Message)
	assert.ErrorIs(t, result.Err(), ErrNotInitialized)
	assert.False(t, h.limiter.IsLimited("user-1"))
}

func TestRequestDrip_InvalidAddress(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("sepolia", config.FamilyEVM),
	})

	for _, addr := range []string{"not-an-address", "0x1234", alice[:20]} {
		result := h.engine.RequestDrip(context.Background(), "user-1", addr)
		assert.False(t, result.Success)
		assert.Equal(t, "invalid address", result.Message)
		assert.ErrorIs(t, result.Err(), ErrInvalidAddress)
	}

	for network, conn := range h.conns {
		assert.Zero(t, conn.PeekNonce(), network)
		assert.Empty(t, h.backends[network].Submissions(), network)
	}
	assert.False(t, h.limiter.IsLimited("user-1"))
}

func TestRequestDrip_NoAddress(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{endpoint("rococo", config.FamilySubstrate)})

	result := h.engine.RequestDrip(context.Background(), "user-1", "   ")
	assert.Equal(t, "No address provided", result.Message)
	assert.Equal(t, StatusNoAddress, result.Status)
	assert.False(t, h.limiter.IsLimited("user-1"))
}

func TestRequestDrip_OneChainFails(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("westend", config.FamilySubstrate),
	})
	h.backends["westend"].SetBroadcastError(errors.New("1014: Priority is too low"))

	result := h.engine.RequestDrip(context.Background(), "user-1", alice)
	assert.True(t, result.Success)
	assert.NotContains(t, result.Message, "Priority")
	assert.True(t, h.limiter.IsLimited("user-1"))

	assert.Len(t, h.backends["rococo"].Submissions(), 1)
	assert.Empty(t, h.backends["westend"].Submissions())
	// the failed submission's nonce is not handed out again
	assert.Equal(t, uint64(1), h.conns["westend"].PeekNonce())
}

func TestRequestDrip_AllChainsFail(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("westend", config.FamilySubstrate),
	})
	h.backends["rococo"].SetSignError(errors.New("metadata mismatch"))
	h.backends["westend"].SetBroadcastError(errors.New("pool full"))

	result := h.engine.RequestDrip(context.Background(), "user-1", alice)
	assert.False(t, result.Success)
	assert.Equal(t, "funding failed, please contact support", result.Message)
	assert.ErrorIs(t, result.Err(), ErrFundingFailed)
	assert.False(t, h.limiter.IsLimited("user-1"))

	// the requester may retry straight away, on fresh nonces
	h.backends["rococo"].SetSignError(nil)
	h.backends["westend"].SetBroadcastError(nil)

	retry := h.engine.RequestDrip(context.Background(), "user-1", alice)
	require.True(t, retry.Success)
	assert.Equal(t, uint64(1), h.backends["rococo"].Submissions()[0].Nonce)
	assert.Equal(t, uint64(1), h.backends["westend"].Submissions()[0].Nonce)
}

func TestRequestDrip_BatchedRecipe(t *testing.T) {
	ep := endpoint("asset-hub", config.FamilySubstrate,
		config.Transfer{Asset: config.AssetNative, Amount: "1000"},
		config.Transfer{Asset: config.AssetPallet, AssetID: "1984", Amount: "50"},
	)
	ep.Recipe.Batch = true
	h := newReadyHarness(t, []config.Chain{ep})

	require.True(t, h.engine.RequestDrip(context.Background(), "user-1", alice).Success)

	subs := h.backends["asset-hub"].Submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0].Ops, 2)
	assert.Equal(t, config.AssetNative, subs[0].Ops[0].Asset)
	assert.Equal(t, config.AssetPallet, subs[0].Ops[1].Asset)
	assert.Equal(t, uint64(1), h.conns["asset-hub"].PeekNonce())
}

func TestRequestDrip_UnbatchedRecipe(t *testing.T) {
	ep := endpoint("asset-hub", config.FamilySubstrate,
		config.Transfer{Asset: config.AssetNative, Amount: "1000"},
		config.Transfer{Asset: config.AssetPallet, AssetID: "1984", Amount: "50"},
	)
	h := newReadyHarness(t, []config.Chain{ep})

	require.True(t, h.engine.RequestDrip(context.Background(), "user-1", alice).Success)

	subs := h.backends["asset-hub"].Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, uint64(0), subs[0].Nonce)
	assert.Equal(t, uint64(1), subs[1].Nonce)
}

func TestRequestDrip_EVMAddressEverywhere(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("sepolia", config.FamilyEVM),
		endpoint("solana-devnet", config.FamilySolana),
	})

	result := h.engine.RequestDrip(context.Background(), "user-1", "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	require.True(t, result.Success)

	rococo := h.backends["rococo"].Submissions()
	require.Len(t, rococo, 1)
	assert.Equal(t, "5EMjsczRtDvfTfUGr1KrQDbQEnx3V7DDc1aqSxuSPq7dSwRR", rococo[0].Ops[0].Dest.Address)
	assert.True(t, rococo[0].Ops[0].Dest.Mapped)

	sepolia := h.backends["sepolia"].Submissions()
	require.Len(t, sepolia, 1)
	assert.Equal(t, evmAddress, sepolia[0].Ops[0].Dest.Address)

	sol := h.backends["solana-devnet"].Submissions()
	require.Len(t, sol, 1)
	assert.Equal(t, "7q4v3nDXkPKfqtVSqSCMEYmqiGf4QeBGc5U5ZEsJ5B7D", sol[0].Ops[0].Dest.Address)
}

func TestRequestDrip_AddressForSomeChainsOnly(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("solana-devnet", config.FamilySolana),
	})

	result := h.engine.RequestDrip(context.Background(), "user-1", aliceSol)
	require.True(t, result.Success)
	assert.Empty(t, h.backends["rococo"].Submissions())
	assert.Len(t, h.backends["solana-devnet"].Submissions(), 1)
	assert.Zero(t, h.conns["rococo"].PeekNonce())
}

func TestRequestDrip_AddressOnlyValidForUnreadyChain(t *testing.T) {
	endpoints := []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("solana-devnet", config.FamilySolana),
	}
	conn := chain.NewConnection(endpoints[0], chain.NewMockBackend(0), 0, nil)
	h := newHarness(t, &fakeRegistry{endpoints: endpoints, conns: []*chain.Connection{conn}})

	result := h.engine.RequestDrip(context.Background(), "user-1", aliceSol)
	assert.Equal(t, StatusInvalidAddress, result.Status)
	assert.Zero(t, conn.PeekNonce())
}

func TestRequestDrip_SameRequesterConcurrently(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{endpoint("rococo", config.FamilySubstrate)})
	h.backends["rococo"].SetBroadcastLag(20 * time.Millisecond)

	const n = 20
	results := make(chan DripResult, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.engine.RequestDrip(context.Background(), "user-1", alice)
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for r := range results {
		if r.Success {
			granted++
		} else {
			assert.Equal(t, StatusRateLimited, r.Status)
		}
	}
	assert.Equal(t, 1, granted)
	assert.Len(t, h.backends["rococo"].Submissions(), 1)
}

func TestRequestDrip_ManyRequestersGetDistinctNonces(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("sepolia", config.FamilyEVM),
	})

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := h.engine.RequestDrip(context.Background(), "user-"+strconv.Itoa(i), evmAddress)
			assert.True(t, r.Success)
		}()
	}
	wg.Wait()

	for network, backend := range h.backends {
		subs := backend.Submissions()
		require.Len(t, subs, n, network)

		nonces := make([]int, 0, n)
		for _, s := range subs {
			nonces = append(nonces, int(s.Nonce))
		}
		sort.Ints(nonces)
		for i, nonce := range nonces {
			assert.Equal(t, i, nonce, network)
		}
	}
}

func TestRequestDrip_SubmitTimeout(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{endpoint("rococo", config.FamilySubstrate)})
	h.engine.cfg.SubmitTimeout = 20 * time.Millisecond
	h.backends["rococo"].SetBroadcastLag(time.Second)

	result := h.engine.RequestDrip(context.Background(), "user-1", alice)
	assert.Equal(t, StatusFundingFailed, result.Status)
	assert.False(t, h.limiter.IsLimited("user-1"))
	assert.Equal(t, uint64(1), h.conns["rococo"].PeekNonce())
}

func TestRequestDrip_CallerCancellationDoesNotAbortSubmission(t *testing.T) {
	h := newReadyHarness(t, []config.Chain{endpoint("rococo", config.FamilySubstrate)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.engine.RequestDrip(ctx, "user-1", alice)
	assert.True(t, result.Success)
	assert.Len(t, h.backends["rococo"].Submissions(), 1)
}

// mockLedger is a testify mock of Ledger.
type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) RecordDrip(ctx context.Context, rec *db.DripRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func TestRequestDrip_Audit(t *testing.T) {
	publisher := nats.NewMockPublisher()
	ledger := &mockLedger{}

	h := newReadyHarness(t, []config.Chain{
		endpoint("rococo", config.FamilySubstrate),
		endpoint("westend", config.FamilySubstrate),
	}, WithPublisher(publisher), WithLedger(ledger))
	h.backends["westend"].SetBroadcastError(errors.New("pool full"))

	ledger.On("RecordDrip", mock.Anything, mock.MatchedBy(func(rec *db.DripRecord) bool {
		if rec.Status != "success" || len(rec.Submissions) != 2 {
			return false
		}
		// the ledger keeps the raw error
		for _, sub := range rec.Submissions {
			if sub.Network == "westend" {
				return sub.Error != nil && strings.Contains(*sub.Error, "pool full")
			}
		}
		return false
	})).Return(nil).Once()
	ledger.On("RecordDrip", mock.Anything, mock.MatchedBy(func(rec *db.DripRecord) bool {
		return rec.Status == "rate_limited" && len(rec.Submissions) == 0
	})).Return(errors.New("db down")).Once()

	require.True(t, h.engine.RequestDrip(context.Background(), "user-1", alice).Success)
	// ledger failure is not surfaced
	assert.Equal(t, StatusRateLimited, h.engine.RequestDrip(context.Background(), "user-1", alice).Status)

	ledger.AssertExpectations(t)

	events := publisher.GetPublishedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "drips.success", events[0].Subject())
	assert.Equal(t, "user-1", events[0].RequesterID)
	require.Len(t, events[0].Chains, 2)

	byNetwork := map[string]nats.ChainResult{}
	for _, cr := range events[0].Chains {
		byNetwork[cr.Network] = cr
	}
	assert.True(t, byNetwork["rococo"].Success)
	assert.Equal(t, []string{"0xmockrococo0"}, byNetwork["rococo"].TxHashes)
	assert.False(t, byNetwork["westend"].Success)
	assert.Equal(t, []uint64{0}, byNetwork["westend"].Nonces)
	assert.Equal(t, ChainFailure, byNetwork["westend"].Error)
	assert.Empty(t, byNetwork["rococo"].Error)

	assert.Equal(t, "drips.rate_limited", events[1].Subject())
}

func TestRequestDrip_PublisherFailureIgnored(t *testing.T) {
	publisher := nats.NewMockPublisher()
	publisher.SetPublishError(errors.New("nats: no responders"))

	h := newReadyHarness(t, []config.Chain{endpoint("rococo", config.FamilySubstrate)}, WithPublisher(publisher))

	result := h.engine.RequestDrip(context.Background(), "user-1", alice)
	assert.True(t, result.Success)
	assert.True(t, h.limiter.IsLimited("user-1"))
}

func TestDripRecord(t *testing.T) {
	outcomes := []outcome{
		{SubmitOutcome: chain.SubmitOutcome{Network: "rococo", Success: true, TxHashes: []string{"0x1"}, Nonces: []uint64{3}}, Address: alice},
		{SubmitOutcome: chain.SubmitOutcome{Network: "westend", Nonces: []uint64{8}, Err: errors.New("pool full")}, Address: alice},
	}
	event := nats.NewDripEvent("user-1", alice, "success", true, time.Now(), time.Second)
	event.Chains = chainResults(outcomes)
	assert.Equal(t, ChainFailure, event.Chains[1].Error)

	rec := dripRecord(event, outcomes)
	assert.Equal(t, event.ID, rec.ID)
	assert.Equal(t, int64(1000), rec.DurationMS)
	require.Len(t, rec.Submissions, 2)
	assert.Equal(t, []int64{3}, rec.Submissions[0].Nonces)
	assert.Nil(t, rec.Submissions[0].Error)
	require.NotNil(t, rec.Submissions[1].Error)
	assert.Equal(t, "pool full", *rec.Submissions[1].Error)
}

func TestNew_Validation(t *testing.T) {
	lim, err := limiter.New(time.Hour, nil, testLogger())
	require.NoError(t, err)
	defer lim.Close()

	_, err = New(&fakeRegistry{}, lim, Config{SubmitTimeout: 0, Workers: 1}, nil, testLogger())
	assert.Error(t, err)

	_, err = New(&fakeRegistry{}, lim, Config{SubmitTimeout: time.Second, Workers: 0}, nil, testLogger())
	assert.Error(t, err)
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "Please wait one day before asking for more tokens", CooldownMessage(24*time.Hour))
	assert.Equal(t, "Please wait 2 hours before asking for more tokens", CooldownMessage(2*time.Hour))
	assert.Equal(t, "Successfully requested funding for x", SuccessMessage("x"))
}
