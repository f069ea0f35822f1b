package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/metrics"
)

// RegistryConfig tunes connection bring-up and health checking.
type RegistryConfig struct {
	ConnectAttempts int
	ConnectBackoff  time.Duration
	HealthInterval  time.Duration
}

// Status is an operator view of one configured endpoint.
type Status struct {
	Network     string        `json:"network"`
	Family      config.Family `json:"family"`
	State       string        `json:"state"`
	NextNonce   *uint64       `json:"next_nonce,omitempty"`
	ConnectedAt *time.Time    `json:"connected_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// stateAbsent is reported for endpoints whose bring-up gave up.
const stateAbsent = "absent"

// Registry holds one Connection per configured endpoint. Endpoints are
// brought up independently in the background; dispatch only ever sees a
// snapshot of the connections that are Ready at that moment.
type Registry struct {
	endpoints []config.Chain
	dial      Dialer
	cfg       RegistryConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Connection
	failures map[string]error

	bringUp sync.WaitGroup
	workers sync.WaitGroup
	cancel  context.CancelFunc
}

// NewRegistry creates a registry for endpoints. Nothing is dialed until Start.
func NewRegistry(endpoints []config.Chain, dial Dialer, cfg RegistryConfig, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = time.Second
	}
	return &Registry{
		endpoints: endpoints,
		dial:      dial,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "registry"),
		conns:     make(map[string]*Connection),
		failures:  make(map[string]error),
	}
}

// Start connects every endpoint in its own goroutine and returns immediately.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, endpoint := range r.endpoints {
		conn := newConnection(endpoint, r.metrics)

		r.mu.Lock()
		r.conns[endpoint.Network] = conn
		r.mu.Unlock()

		r.bringUp.Add(1)
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			ok := r.connect(ctx, conn)
			r.bringUp.Done()
			if ok && r.cfg.HealthInterval > 0 {
				r.watch(ctx, conn)
			}
		}()
	}
}

// WaitConnected blocks until every endpoint has either connected or been given up on.
func (r *Registry) WaitConnected(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.bringUp.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) connect(ctx context.Context, conn *Connection) bool {
	network := conn.Network()
	logger := r.logger.With("network", network, "family", conn.Endpoint.Family)

	var lastErr error
attempts:
	for attempt := 1; attempt <= r.cfg.ConnectAttempts; attempt++ {
		backend, nonce, err := r.dialEndpoint(ctx, conn.Endpoint)
		if err == nil {
			conn.ready(backend, nonce)
			logger.InfoContext(ctx, "chain connection ready",
				"rpc", conn.Endpoint.RPCURL,
				"next_nonce", nonce,
				"attempt", attempt,
			)
			return true
		}
		lastErr = err

		if IsPermanent(err) || attempt == r.cfg.ConnectAttempts {
			break attempts
		}

		backoff := r.cfg.ConnectBackoff * time.Duration(1<<uint(attempt-1))
		logger.WarnContext(ctx, "chain connection failed, retrying",
			"attempt", attempt,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if r.metrics != nil {
			r.metrics.RecordConnectRetry(network)
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(backoff):
		}
	}

	logger.ErrorContext(ctx, "chain connection abandoned, network will not be dripped on",
		"rpc", conn.Endpoint.RPCURL,
		"error", lastErr,
	)

	r.mu.Lock()
	delete(r.conns, network)
	r.failures[network] = lastErr
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetConnectionReady(network, false)
	}
	return false
}

func (r *Registry) dialEndpoint(ctx context.Context, endpoint config.Chain) (Backend, uint64, error) {
	backend, err := r.dial(ctx, endpoint)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", endpoint.RPCURL, err)
	}
	nonce, err := backend.NextNonce(ctx)
	if err != nil {
		backend.Close()
		return nil, 0, fmt.Errorf("query next nonce: %w", err)
	}
	return backend, nonce, nil
}

// watch pings conn until ctx is done, toggling it between Ready and
// Disconnected. The nonce counter is left untouched.
func (r *Registry) watch(ctx context.Context, conn *Connection) {
	logger := r.logger.With("network", conn.Network())
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthInterval)
		err := conn.Backend().Ping(pingCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if conn.setState(StateDisconnected) {
				logger.WarnContext(ctx, "chain connection lost", "error", err)
			}
			continue
		}
		if conn.setState(StateReady) {
			logger.InfoContext(ctx, "chain connection restored")
		}
	}
}

// Ready returns the connections that are Ready right now, ordered by network.
func (r *Registry) Ready() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ready := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.IsReady() {
			ready = append(ready, conn)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Network() < ready[j].Network() })
	return ready
}

// Get returns the connection for network if it has not been given up on.
func (r *Registry) Get(network string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[network]
	return conn, ok
}

// Endpoints returns the configured endpoints in configuration order.
func (r *Registry) Endpoints() []config.Chain {
	return r.endpoints
}

// Snapshot reports the status of every configured endpoint in configuration order.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		st := Status{Network: endpoint.Network, Family: endpoint.Family, State: stateAbsent}

		if conn, ok := r.conns[endpoint.Network]; ok {
			st.State = conn.State().String()
			if conn.State() != StateConnecting {
				nonce := conn.PeekNonce()
				connectedAt := conn.ConnectedAt()
				st.NextNonce = &nonce
				st.ConnectedAt = &connectedAt
			}
		} else if err, failed := r.failures[endpoint.Network]; failed && err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close stops bring-up and health checks and closes every backend.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.workers.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for network, conn := range r.conns {
		if b := conn.Backend(); b != nil {
			b.Close()
		}
		delete(r.conns, network)
	}
}
