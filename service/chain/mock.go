package chain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBackend is an in-memory Backend for testing.
type MockBackend struct {
	mu           sync.RWMutex
	nonce        uint64
	nonceError   error
	signError    error
	broadcastErr error
	broadcastLag time.Duration
	pingError    error
	signed       map[string][]TransferOp
	broadcasts   []MockSubmission
	pings        int
	closed       bool
}

// MockSubmission is one broadcast recorded by MockBackend.
type MockSubmission struct {
	Nonce uint64
	Ops   []TransferOp
	Hash  string
}

// NewMockBackend creates a mock whose NextNonce returns nonce.
func NewMockBackend(nonce uint64) *MockBackend {
	return &MockBackend{nonce: nonce, signed: make(map[string][]TransferOp)}
}

// NextNonce returns the configured nonce or error.
func (m *MockBackend) NextNonce(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.nonceError != nil {
		return 0, m.nonceError
	}
	return m.nonce, nil
}

// Sign records ops against nonce and returns any configured error.
func (m *MockBackend) Sign(ctx context.Context, ops []TransferOp, nonce uint64) (SignedTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signError != nil {
		return SignedTx{}, m.signError
	}
	if err := ctx.Err(); err != nil {
		return SignedTx{}, err
	}

	tx := SignedTx{Nonce: nonce, Hash: fmt.Sprintf("0xmock%s%d", ops[0].Network, nonce)}
	m.signed[tx.Hash] = ops
	return tx, nil
}

// Broadcast records the transaction and returns its hash or any configured error.
// With a lag configured it waits for the lag or ctx, whichever ends first.
func (m *MockBackend) Broadcast(ctx context.Context, tx SignedTx) (string, error) {
	m.mu.RLock()
	lag := m.broadcastLag
	m.mu.RUnlock()
	if lag > 0 {
		select {
		case <-time.After(lag):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcastErr != nil {
		return "", m.broadcastErr
	}

	ops := m.signed[tx.Hash]
	delete(m.signed, tx.Hash)
	m.broadcasts = append(m.broadcasts, MockSubmission{Nonce: tx.Nonce, Ops: ops, Hash: tx.Hash})
	return tx.Hash, nil
}

// Ping returns any configured error.
func (m *MockBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return m.pingError
}

// Close marks the backend as closed.
func (m *MockBackend) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// SetNonceError configures the mock to fail NextNonce.
func (m *MockBackend) SetNonceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonceError = err
}

// SetSignError configures the mock to fail Sign.
func (m *MockBackend) SetSignError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signError = err
}

// SetBroadcastError configures the mock to fail Broadcast.
func (m *MockBackend) SetBroadcastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastErr = err
}

// SetBroadcastLag delays every Broadcast by d.
func (m *MockBackend) SetBroadcastLag(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastLag = d
}

// SetPingError configures the mock to fail Ping.
func (m *MockBackend) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingError = err
}

// Submissions returns a copy of every accepted broadcast.
func (m *MockBackend) Submissions() []MockSubmission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockSubmission, len(m.broadcasts))
	copy(out, m.broadcasts)
	return out
}

// Pings returns how many times Ping was called.
func (m *MockBackend) Pings() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pings
}

// IsClosed returns whether the backend has been closed.
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
