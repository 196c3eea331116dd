package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// OutcomeStore persists per-(job,recipient) delivery outcomes with an
// UPSERT, preserving the Reconciler's promotion rule at the storage layer:
// the caller reads-modify-writes under its own per-job lock, this type
// only has to make the write durable.
//
// Grounded on the teacher's repository/postgres package raw-SQL style,
// using Postgres's native ON CONFLICT upsert per SPEC_FULL's "Schema
// evolution supports an UPSERT fallback for stores that lack native
// upsert" note — this store has one, so no fallback path is needed.
type OutcomeStore struct{ db *sql.DB }

// NewOutcomeStore creates a Postgres-backed outcome store.
func NewOutcomeStore(db *sql.DB) *OutcomeStore { return &OutcomeStore{db: db} }

func (s *OutcomeStore) Get(ctx context.Context, jobID, recipient string) (*domain.RecipientOutcome, error) {
	var o domain.RecipientOutcome
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, recipient, status, first_at, updated_at, COALESCE(dsn_status,''), COALESCE(dsn_diag,'')
		FROM recipient_outcomes WHERE job_id = $1 AND recipient = $2
	`, jobID, recipient).Scan(&o.JobID, &o.Recipient, &o.Status, &o.FirstAt, &o.UpdatedAt, &o.DSNStatus, &o.DSNDiag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient outcome: %w", err)
	}
	return &o, nil
}

func (s *OutcomeStore) Put(ctx context.Context, outcome *domain.RecipientOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipient_outcomes (job_id, recipient, status, first_at, updated_at, dsn_status, dsn_diag)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, recipient) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			dsn_status = EXCLUDED.dsn_status,
			dsn_diag = EXCLUDED.dsn_diag
	`, outcome.JobID, outcome.Recipient, outcome.Status, outcome.FirstAt, outcome.UpdatedAt, outcome.DSNStatus, outcome.DSNDiag)
	if err != nil {
		return fmt.Errorf("upsert recipient outcome: %w", err)
	}
	return nil
}

// DeleteByJob removes every outcome row for jobID, used by delete().
func (s *OutcomeStore) DeleteByJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipient_outcomes WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete recipient outcomes: %w", err)
	}
	return nil
}

// CountByStatus returns the number of distinct recipients for jobID at
// each outcome status, used to check the §8 invariant that per-status
// counters equal the Outcome Store's row count.
func (s *OutcomeStore) CountByStatus(ctx context.Context, jobID string) (map[domain.OutcomeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM recipient_outcomes WHERE job_id = $1 GROUP BY status
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count recipient outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OutcomeStatus]int)
	for rows.Next() {
		var status domain.OutcomeStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
