package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/db"
	"github.com/brojonat/dripper/service/engine"
	"github.com/brojonat/dripper/service/metrics"
	"github.com/brojonat/dripper/service/nats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dripper runs drip requests.
type Dripper interface {
	RequestDrip(ctx context.Context, requesterID, address string) engine.DripResult
}

// ChainLister reports the state of every configured endpoint.
type ChainLister interface {
	Snapshot() []chain.Status
}

// DripLister reads the drip ledger.
type DripLister interface {
	GetDrip(ctx context.Context, id string) (*db.DripRecord, error)
	ListDrips(ctx context.Context, params db.ListDripsParams) ([]*db.DripRecord, error)
}

// Server is the HTTP front of the drip service. It runs two listeners:
//
//   - the public listener serves POST /api/v1/drip and /health. The
//     requester id in a drip request is trusted as given, so this listener is
//     meant to sit behind an adapter that has already authenticated the user
//     (set a drip token to enforce that).
//   - the operator listener serves chain status, the drip ledger, the event
//     stream and metrics. These expose requester ids and chain topology and
//     must stay on a private address.
type Server struct {
	addr         string
	operatorAddr string
	dripToken    string
	dripper      Dripper
	chains       ChainLister
	funding      map[string]string
	drips        DripLister
	subscriber   nats.Subscriber
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
	operator     *http.Server
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithLedger enables the drip ledger endpoints.
func WithLedger(drips DripLister) Option {
	return func(s *Server) { s.drips = drips }
}

// WithStream enables the drip event stream.
func WithStream(sub nats.Subscriber) Option {
	return func(s *Server) { s.subscriber = sub }
}

// WithOperatorAddr sets the address of the operator listener. Without it
// Start serves the public listener only.
func WithOperatorAddr(addr string) Option {
	return func(s *Server) { s.operatorAddr = addr }
}

// WithDripToken makes the drip endpoint require "Authorization: Bearer <token>".
func WithDripToken(token string) Option {
	return func(s *Server) { s.dripToken = token }
}

// New creates a new HTTP server with the given dependencies.
// funding maps each network to the funding account's address on it.
// If metrics is nil, the metrics endpoint won't be available.
func New(addr string, dripper Dripper, chains ChainLister, funding map[string]string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		dripper: dripper,
		chains:  chains,
		funding: funding,
		metrics: m,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the public handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/drip", s.instrument("/api/v1/drip",
		requireToken(s.dripToken, handleDrip(s.dripper, s.logger))))
	mux.HandleFunc("GET /health", handleHealth)

	return corsMiddleware(mux)
}

// OperatorHandler builds the operator handler.
func (s *Server) OperatorHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/v1/chains", s.instrument("/api/v1/chains", handleListChains(s.chains, s.funding)))

	if s.drips != nil {
		mux.Handle("GET /api/v1/drips", s.instrument("/api/v1/drips", handleListDrips(s.drips, s.logger)))
		mux.Handle("GET /api/v1/drips/{id}", s.instrument("/api/v1/drips/{id}", handleGetDrip(s.drips, s.logger)))
	} else {
		s.logger.Warn("drip ledger not configured, ledger endpoints disabled")
	}

	if s.subscriber != nil {
		mux.Handle("GET /api/v1/stream/drips", handleStreamDrips(s.subscriber, s.logger))
		mux.Handle("GET /api/v1/stream/drips/{status}", handleStreamDrips(s.subscriber, s.logger))
	} else {
		s.logger.Warn("NATS subscriber not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", handleHealth)

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start starts both listeners and blocks until one of them stops.
func (s *Server) Start() error {
	s.server = newHTTPServer(s.addr, s.Handler())
	if s.operatorAddr != "" {
		s.operator = newHTTPServer(s.operatorAddr, s.OperatorHandler())
	}

	errs := make(chan error, 2)
	go func() { errs <- s.listen("public", s.server) }()
	if s.operator != nil {
		go func() { errs <- s.listen("operator", s.operator) }()
	} else {
		s.logger.Warn("operator address not set, operator endpoints disabled")
	}

	return <-errs
}

func (s *Server) listen(name string, srv *http.Server) error {
	s.logger.Info("starting HTTP server", "listener", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server failed: %w", name, err)
	}
	return nil
}

// Shutdown gracefully shuts down both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	var errs []error
	for _, srv := range []*http.Server{s.server, s.operator} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requireToken rejects requests without the bearer token. An empty token
// disables the check.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
