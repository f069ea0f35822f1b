package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/dripper/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a drip record does not exist.
var ErrNotFound = errors.New("drip record not found")

// Store is the drip ledger. It is an audit trail only; cooldowns are never
// rebuilt from it.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// DripRecord is one finished drip request.
type DripRecord struct {
	ID          string
	RequesterID string
	Address     string
	Status      string
	Success     bool
	RequestedAt time.Time
	DurationMS  int64
	CreatedAt   time.Time
	Submissions []Submission
}

// Submission is the per-network part of a DripRecord.
type Submission struct {
	Network  string
	Address  string
	Success  bool
	TxHashes []string
	Nonces   []int64
	Error    *string
}

// ListDripsParams contains filter and pagination parameters.
type ListDripsParams struct {
	RequesterID string // empty lists every requester
	Limit       int32
	Offset      int32
}

const schema = `
CREATE TABLE IF NOT EXISTS drips (
	id            TEXT PRIMARY KEY,
	requester_id  TEXT NOT NULL,
	address       TEXT NOT NULL,
	status        TEXT NOT NULL,
	success       BOOLEAN NOT NULL,
	requested_at  TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS drips_requester_idx ON drips (requester_id, requested_at DESC);
CREATE TABLE IF NOT EXISTS drip_submissions (
	drip_id    TEXT NOT NULL REFERENCES drips (id) ON DELETE CASCADE,
	network    TEXT NOT NULL,
	address    TEXT NOT NULL,
	success    BOOLEAN NOT NULL,
	tx_hashes  TEXT[] NOT NULL DEFAULT '{}',
	nonces     BIGINT[] NOT NULL DEFAULT '{}',
	error      TEXT,
	PRIMARY KEY (drip_id, network)
);
`

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordDrip inserts a drip and its submissions in one transaction.
func (s *Store) RecordDrip(ctx context.Context, rec *DripRecord) (err error) {
	defer s.observe("insert", "drips", time.Now(), &err)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO drips (id, requester_id, address, status, success, requested_at, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.RequesterID, rec.Address, rec.Status, rec.Success, rec.RequestedAt, rec.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert drip: %w", err)
		}

		batch := &pgx.Batch{}
		for _, sub := range rec.Submissions {
			batch.Queue(`
				INSERT INTO drip_submissions (drip_id, network, address, success, tx_hashes, nonces, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.ID, sub.Network, sub.Address, sub.Success, nonNil(sub.TxHashes), nonNil(sub.Nonces), sub.Error,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert submissions: %w", err)
		}
		return nil
	})
}

// GetDrip retrieves a drip by id.
func (s *Store) GetDrip(ctx context.Context, id string) (rec *DripRecord, err error) {
	defer s.observe("select", "drips", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		SELECT id, requester_id, address, status, success, requested_at, duration_ms, created_at
		FROM drips WHERE id = $1`, id)
	rec, err = scanDrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.attachSubmissions(ctx, []*DripRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListDrips returns drips newest first.
func (s *Store) ListDrips(ctx context.Context, params ListDripsParams) (out []*DripRecord, err error) {
	defer s.observe("select", "drips", time.Now(), &err)

	if params.Limit <= 0 {
		params.Limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, requester_id, address, status, success, requested_at, duration_ms, created_at
		FROM drips
		WHERE ($1::text = '' OR requester_id = $1)
		ORDER BY requested_at DESC, id
		LIMIT $2 OFFSET $3`,
		params.RequesterID, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list drips: %w", err)
	}
	defer rows.Close()

	out = make([]*DripRecord, 0)
	for rows.Next() {
		rec, err := scanDrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate drips: %w", err)
	}

	if err := s.attachSubmissions(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) attachSubmissions(ctx context.Context, recs []*DripRecord) error {
	if len(recs) == 0 {
		return nil
	}

	byID := make(map[string]*DripRecord, len(recs))
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT drip_id, network, address, success, tx_hashes, nonces, error
		FROM drip_submissions
		WHERE drip_id = ANY($1)
		ORDER BY drip_id, network`, ids)
	if err != nil {
		return fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dripID string
		var sub Submission
		if err := rows.Scan(&dripID, &sub.Network, &sub.Address, &sub.Success, &sub.TxHashes, &sub.Nonces, &sub.Error); err != nil {
			return fmt.Errorf("failed to scan submission: %w", err)
		}
		if rec, ok := byID[dripID]; ok {
			rec.Submissions = append(rec.Submissions, sub)
		}
	}
	return rows.Err()
}

func scanDrip(row pgx.Row) (*DripRecord, error) {
	var rec DripRecord
	err := row.Scan(&rec.ID, &rec.RequesterID, &rec.Address, &rec.Status, &rec.Success,
		&rec.RequestedAt, &rec.DurationMS, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) observe(operation, table string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
	}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
