package chain

import (
	"sync"
	"time"

	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/metrics"
	"go.uber.org/atomic"
)

// State is the connectivity state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is one live connection to a chain endpoint. The nonce counter is
// seeded once from the chain and only advanced in-process afterwards.
type Connection struct {
	Endpoint config.Chain

	backend Backend
	state   *atomic.Int32
	metrics *metrics.Metrics

	mu          sync.Mutex
	nextNonce   uint64
	connectedAt time.Time
}

// NewConnection returns a Ready connection whose counter starts at nonce.
func NewConnection(endpoint config.Chain, backend Backend, nonce uint64, m *metrics.Metrics) *Connection {
	c := newConnection(endpoint, m)
	c.ready(backend, nonce)
	return c
}

func newConnection(endpoint config.Chain, m *metrics.Metrics) *Connection {
	return &Connection{
		Endpoint: endpoint,
		state:    atomic.NewInt32(int32(StateConnecting)),
		metrics:  m,
	}
}

func (c *Connection) ready(backend Backend, nonce uint64) {
	c.mu.Lock()
	c.backend = backend
	c.nextNonce = nonce
	c.connectedAt = time.Now().UTC()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetNextNonce(c.Network(), nonce)
	}
	c.setState(StateReady)
}

// Network is the endpoint's network name.
func (c *Connection) Network() string {
	return c.Endpoint.Network
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsReady reports whether the connection can take submissions.
func (c *Connection) IsReady() bool {
	return c.State() == StateReady
}

// setState stores s and reports whether it changed.
func (c *Connection) setState(s State) bool {
	old := State(c.state.Swap(int32(s)))
	if c.metrics != nil {
		c.metrics.SetConnectionReady(c.Network(), s == StateReady)
	}
	return old != s
}

// Backend returns the RPC backend, nil while connecting.
func (c *Connection) Backend() Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// AllocateNonce returns the current counter value and advances it.
// Concurrent callers never observe the same value.
func (c *Connection) AllocateNonce() uint64 {
	c.mu.Lock()
	nonce := c.nextNonce
	c.nextNonce++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetNextNonce(c.Network(), nonce+1)
	}
	return nonce
}

// PeekNonce returns the value the next AllocateNonce will hand out.
func (c *Connection) PeekNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextNonce
}

// ConnectedAt is when the connection became ready for the first time.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}
