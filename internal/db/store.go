package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metalagman/anchor/internal/evalgate"
)

// Store persists eval records and memory facts.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts an eval record. Records are append-only; the schema rejects
// updates and deletes.
func (s *Store) Append(ctx context.Context, r evalgate.Record) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO eval_records(
			run_id, capability, started_at, latency_ns, attempts, tier_reached, outcome,
			verification_ran, verification_passed, repair_exhausted, degraded, tool_requested)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Capability, r.StartedAt.UTC().Format(time.RFC3339Nano), int64(r.Latency), r.Attempts,
		r.TierReached, r.Outcome, r.VerificationRan, r.VerificationPassed, r.RepairExhausted,
		r.Degraded, r.ToolRequested); err != nil {
		return fmt.Errorf("insert eval record: %w", err)
	}
	return nil
}

// Window returns up to n most recent records, oldest first. n <= 0 returns all.
func (s *Store) Window(ctx context.Context, n int) ([]evalgate.Record, error) {
	limit := int64(n)
	if n <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, capability, started_at, latency_ns, attempts, tier_reached,
			outcome, verification_ran, verification_passed, repair_exhausted, degraded, tool_requested
		FROM (SELECT * FROM eval_records ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query eval records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []evalgate.Record
	for rows.Next() {
		var (
			r         evalgate.Record
			startedAt string
			latency   int64
		)
		if err := rows.Scan(&r.RunID, &r.Capability, &startedAt, &latency, &r.Attempts, &r.TierReached,
			&r.Outcome, &r.VerificationRan, &r.VerificationPassed, &r.RepairExhausted, &r.Degraded,
			&r.ToolRequested); err != nil {
			return nil, fmt.Errorf("scan eval record: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at of %s: %w", r.RunID, err)
		}
		r.StartedAt = ts
		r.Latency = time.Duration(latency)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read eval records: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM eval_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count eval records: %w", err)
	}
	return n, nil
}
