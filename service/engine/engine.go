// Package engine is the drip orchestrator: it gates a request on the
// requester's cooldown, validates the address for every configured network,
// fans the drip out to every Ready chain and folds the per-chain outcomes into
// one result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/dripper/service/address"
	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/db"
	"github.com/brojonat/dripper/service/limiter"
	"github.com/brojonat/dripper/service/metrics"
	"github.com/brojonat/dripper/service/nats"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrNotInitialized is reported when no chain connection is Ready.
	ErrNotInitialized = errors.New("not initialized")
	// ErrRateLimited is reported while the requester is inside its cooldown.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidAddress is reported when no configured network accepts the address.
	ErrInvalidAddress = address.ErrInvalidAddress
	// ErrNoAddress is reported for an empty address.
	ErrNoAddress = errors.New("no address provided")
	// ErrFundingFailed is reported when every attempted chain failed.
	ErrFundingFailed = errors.New("funding failed")
)

// Caller-visible messages.
const (
	MsgNotInitialized = "Bot API not initialized"
	MsgInvalidAddress = "invalid address"
	MsgNoAddress      = "No address provided"
	MsgFundingFailed  = "funding failed, please contact support"
)

// Status is the machine-readable outcome of a drip request.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusRateLimited    Status = "rate_limited"
	StatusNoAddress      Status = "no_address"
	StatusInvalidAddress Status = "invalid_address"
	StatusNotInitialized Status = "not_initialized"
	StatusFundingFailed  Status = "funding_failed"
)

// DripResult is what the requester sees. It never carries transport errors.
type DripResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  Status `json:"status"`
}

// Err returns the sentinel error matching the result, nil on success.
func (r DripResult) Err() error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusRateLimited:
		return ErrRateLimited
	case StatusNoAddress:
		return ErrNoAddress
	case StatusInvalidAddress:
		return ErrInvalidAddress
	case StatusNotInitialized:
		return ErrNotInitialized
	default:
		return ErrFundingFailed
	}
}

// CooldownMessage is the literal rejection shown to a rate-limited requester.
func CooldownMessage(window time.Duration) string {
	return fmt.Sprintf("Please wait %s before asking for more tokens", limiter.Describe(window))
}

// SuccessMessage is shown when at least one chain accepted the drip.
func SuccessMessage(addr string) string {
	return "Successfully requested funding for " + addr
}

// Registry is the view of the connection registry the engine dispatches on.
type Registry interface {
	Ready() []*chain.Connection
	Endpoints() []config.Chain
}

// Ledger stores an audit copy of every finished request.
type Ledger interface {
	RecordDrip(ctx context.Context, rec *db.DripRecord) error
}

// Config tunes dispatch.
type Config struct {
	// SubmitTimeout bounds one chain's whole submission sequence.
	SubmitTimeout time.Duration
	// Workers bounds how many chains are dispatched concurrently across all requests.
	Workers int
	// AuditTimeout bounds publishing the event and writing the ledger.
	AuditTimeout time.Duration
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithPublisher publishes a DripEvent for every finished request.
func WithPublisher(p nats.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLedger records every finished request in the ledger.
func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// Engine is the drip orchestrator. It is safe for concurrent use.
type Engine struct {
	registry  Registry
	limiter   *limiter.Limiter
	submitter *chain.Submitter
	pool      *ants.Pool
	cfg       Config
	publisher nats.Publisher
	ledger    Ledger
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates an engine. If metrics is nil, no metrics will be recorded.
func New(registry Registry, lim *limiter.Limiter, cfg Config, m *metrics.Metrics, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg.SubmitTimeout <= 0 {
		return nil, fmt.Errorf("submit timeout must be positive, got %s", cfg.SubmitTimeout)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}

	e := &Engine{
		registry:  registry,
		limiter:   lim,
		submitter: chain.NewSubmitter(m, logger),
		pool:      pool,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the dispatch pool.
func (e *Engine) Close() {
	e.pool.Release()
}

// target is one Ready connection together with the address in its native form.
type target struct {
	conn *chain.Connection
	dest address.Native
}

// outcome is a chain's SubmitOutcome plus the address it was sent to.
type outcome struct {
	chain.SubmitOutcome
	Address string
}

// RequestDrip runs one drip request end to end.
func (e *Engine) RequestDrip(ctx context.Context, requesterID, rawAddress string) DripResult {
	start := time.Now()
	logger := e.logger.With("requester_id", requesterID)

	if !e.limiter.Begin(requesterID) {
		logger.InfoContext(ctx, "drip rejected, requester is cooling down",
			"remaining", e.limiter.Remaining(requesterID).String())
		return e.finish(ctx, requesterID, rawAddress, start, nil, DripResult{
			Message: CooldownMessage(e.limiter.Window()),
			Status:  StatusRateLimited,
		})
	}

	granted := false
	defer func() {
		if err := e.limiter.End(requesterID, granted); err != nil {
			logger.ErrorContext(ctx, "failed to start cooldown", "error", err)
		}
	}()

	rawAddress = strings.TrimSpace(rawAddress)
	if rawAddress == "" {
		return e.finish(ctx, requesterID, rawAddress, start, nil, DripResult{
			Message: MsgNoAddress,
			Status:  StatusNoAddress,
		})
	}

	natives := e.normalize(rawAddress)
	if len(natives) == 0 {
		logger.InfoContext(ctx, "drip rejected, invalid address", "address", rawAddress)
		return e.finish(ctx, requesterID, rawAddress, start, nil, DripResult{
			Message: MsgInvalidAddress,
			Status:  StatusInvalidAddress,
		})
	}

	ready := e.registry.Ready()
	if len(ready) == 0 {
		logger.WarnContext(ctx, "drip rejected, no chain connection is ready")
		return e.finish(ctx, requesterID, rawAddress, start, nil, DripResult{
			Message: MsgNotInitialized,
			Status:  StatusNotInitialized,
		})
	}

	targets := make([]target, 0, len(ready))
	for _, conn := range ready {
		if dest, ok := natives[conn.Network()]; ok {
			targets = append(targets, target{conn: conn, dest: dest})
		}
	}
	if len(targets) == 0 {
		logger.InfoContext(ctx, "drip rejected, no ready chain accepts the address", "address", rawAddress)
		return e.finish(ctx, requesterID, rawAddress, start, nil, DripResult{
			Message: MsgInvalidAddress,
			Status:  StatusInvalidAddress,
		})
	}

	outcomes := e.dispatch(ctx, targets)

	succeeded := 0
	for _, out := range outcomes {
		if out.Success {
			succeeded++
			continue
		}
		logger.ErrorContext(ctx, "chain funding failed",
			"network", out.Network,
			"address", out.Address,
			"nonces", out.Nonces,
			"error", out.Err,
		)
	}

	if succeeded == 0 {
		return e.finish(ctx, requesterID, rawAddress, start, outcomes, DripResult{
			Message: MsgFundingFailed,
			Status:  StatusFundingFailed,
		})
	}

	granted = true
	logger.InfoContext(ctx, "drip granted",
		"address", rawAddress,
		"chains", len(outcomes),
		"succeeded", succeeded,
	)
	return e.finish(ctx, requesterID, rawAddress, start, outcomes, DripResult{
		Success: true,
		Message: SuccessMessage(rawAddress),
		Status:  StatusSuccess,
	})
}

// normalize runs the address through every configured network's codec and
// returns the networks that accepted it.
func (e *Engine) normalize(raw string) map[string]address.Native {
	natives := make(map[string]address.Native)
	for _, endpoint := range e.registry.Endpoints() {
		native, err := address.ForChain(endpoint).Normalize(raw)
		if err != nil {
			continue
		}
		natives[endpoint.Network] = native
	}
	return natives
}

// dispatch submits the drip on every target concurrently and waits for all of
// them. Submissions are detached from the caller's cancellation so an
// allocated nonce is always carried through to broadcast.
func (e *Engine) dispatch(ctx context.Context, targets []target) []outcome {
	outcomes := make([]outcome, len(targets))
	base := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, t := range targets {
		outcomes[i] = outcome{
			SubmitOutcome: chain.SubmitOutcome{Network: t.conn.Network()},
			Address:       t.dest.Address,
		}

		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(base, e.cfg.SubmitTimeout)
			defer cancel()

			ops, err := chain.Build(t.conn, t.dest)
			if err != nil {
				outcomes[i].Err = fmt.Errorf("%w: %w", chain.ErrSubmissionFailed, err)
				return
			}
			outcomes[i].SubmitOutcome = e.submitter.Submit(ctx, t.conn, ops)
		})
		if err != nil {
			wg.Done()
			outcomes[i].Err = fmt.Errorf("%w: dispatch pool: %w", chain.ErrSubmissionFailed, err)
		}
	}
	wg.Wait()

	return outcomes
}
