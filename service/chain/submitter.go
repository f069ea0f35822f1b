package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/dripper/service/metrics"
)

// SubmitOutcome is the result of dispatching a recipe on one chain.
type SubmitOutcome struct {
	Network  string
	Success  bool
	TxHashes []string
	Nonces   []uint64
	Err      error
}

// Submitter signs and broadcasts built ops on a connection.
type Submitter struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter. If metrics is nil, no metrics will be recorded.
func NewSubmitter(m *metrics.Metrics, logger *slog.Logger) *Submitter {
	return &Submitter{
		metrics: m,
		logger:  logger.With("component", "submitter"),
	}
}

// Submit sends ops on conn, one submission per op or one for the whole batch.
// Each submission consumes exactly one nonce, and an allocated nonce is never
// handed back even if signing or broadcast fails. The first failure stops the
// remaining submissions on this chain.
func (s *Submitter) Submit(ctx context.Context, conn *Connection, ops []TransferOp) SubmitOutcome {
	out := SubmitOutcome{Network: conn.Network()}
	logger := s.logger.With("network", conn.Network())

	if len(ops) == 0 {
		out.Err = fmt.Errorf("%w: nothing to submit", ErrSubmissionFailed)
		return out
	}

	backend := conn.Backend()
	if backend == nil {
		out.Err = fmt.Errorf("%w: connection has no backend", ErrSubmissionFailed)
		return out
	}

	for _, batch := range group(conn.Endpoint.Recipe.Batch, ops) {
		nonce := conn.AllocateNonce()
		out.Nonces = append(out.Nonces, nonce)

		hash, err := s.submitOne(ctx, backend, batch, nonce)
		if err != nil {
			s.record(conn.Network(), "error")
			logger.ErrorContext(ctx, "submission failed, nonce not reclaimed",
				"nonce", nonce,
				"ops", len(batch),
				"error", err,
			)
			out.Err = err
			return out
		}

		s.record(conn.Network(), "success")
		logger.InfoContext(ctx, "submission accepted",
			"nonce", nonce,
			"ops", len(batch),
			"tx_hash", hash,
		)
		out.TxHashes = append(out.TxHashes, hash)
	}

	out.Success = true
	return out
}

func (s *Submitter) submitOne(ctx context.Context, backend Backend, ops []TransferOp, nonce uint64) (string, error) {
	tx, err := backend.Sign(ctx, ops, nonce)
	if err != nil {
		return "", fmt.Errorf("%w: sign nonce %d: %w", ErrSubmissionFailed, nonce, err)
	}
	hash, err := backend.Broadcast(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: broadcast nonce %d: %w", ErrSubmissionFailed, nonce, err)
	}
	if hash == "" {
		hash = tx.Hash
	}
	return hash, nil
}

func (s *Submitter) record(network, status string) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(network, status)
	}
}
