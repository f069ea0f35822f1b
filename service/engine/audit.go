package engine

import (
	"context"
	"time"

	"github.com/brojonat/dripper/service/db"
	"github.com/brojonat/dripper/service/nats"
)

// ChainFailure replaces per-chain errors on published events. Raw errors
// only reach the logs and the ledger.
const ChainFailure = "submission failed"

// finish records metrics and the audit trail for a finished request and
// returns result unchanged. Audit failures are logged, never surfaced.
func (e *Engine) finish(ctx context.Context, requesterID, addr string, start time.Time, outcomes []outcome, result DripResult) DripResult {
	duration := time.Since(start)
	if e.metrics != nil {
		e.metrics.RecordDrip(string(result.Status), duration.Seconds())
	}

	if e.publisher == nil && e.ledger == nil {
		return result
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AuditTimeout)
	defer cancel()

	event := nats.NewDripEvent(requesterID, addr, string(result.Status), result.Success, start, duration)
	event.Chains = chainResults(outcomes)

	if e.publisher != nil {
		if err := e.publisher.PublishDrip(auditCtx, event); err != nil {
			e.logger.WarnContext(ctx, "failed to publish drip event",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	if e.ledger != nil {
		if err := e.ledger.RecordDrip(auditCtx, dripRecord(event, outcomes)); err != nil {
			e.logger.WarnContext(ctx, "failed to record drip",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	return result
}

func chainResults(outcomes []outcome) []nats.ChainResult {
	if len(outcomes) == 0 {
		return nil
	}
	results := make([]nats.ChainResult, 0, len(outcomes))
	for _, out := range outcomes {
		cr := nats.ChainResult{
			Network:  out.Network,
			Address:  out.Address,
			Success:  out.Success,
			TxHashes: out.TxHashes,
			Nonces:   out.Nonces,
		}
		if out.Err != nil {
			cr.Error = ChainFailure
		}
		results = append(results, cr)
	}
	return results
}

// dripRecord converts an event into its ledger row, taking each chain's raw
// error from outcomes.
func dripRecord(event *nats.DripEvent, outcomes []outcome) *db.DripRecord {
	rec := &db.DripRecord{
		ID:          event.ID,
		RequesterID: event.RequesterID,
		Address:     event.Address,
		Status:      event.Status,
		Success:     event.Success,
		RequestedAt: event.RequestedAt,
		DurationMS:  event.DurationMS,
	}

	for _, out := range outcomes {
		sub := db.Submission{
			Network:  out.Network,
			Address:  out.Address,
			Success:  out.Success,
			TxHashes: out.TxHashes,
			Nonces:   make([]int64, 0, len(out.Nonces)),
		}
		for _, n := range out.Nonces {
			sub.Nonces = append(sub.Nonces, int64(n))
		}
		if out.Err != nil {
			msg := out.Err.Error()
			sub.Error = &msg
		}
		rec.Submissions = append(rec.Submissions, sub)
	}
	return rec
}
