package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// RecipientRegistry tracks which job last claimed a recipient, used by the
// Reconciler's fallback correlation path when a bridge event's Message-ID
// does not parse.
//
// Grounded on the teacher's repository/postgres package raw-SQL style.
type RecipientRegistry struct{ db *sql.DB }

// NewRecipientRegistry creates a Postgres-backed recipient registry.
func NewRecipientRegistry(db *sql.DB) *RecipientRegistry { return &RecipientRegistry{db: db} }

// Touch records that jobID is (still) the owner of recipient within
// campaignID, updating last_seen on conflict.
func (r *RecipientRegistry) Touch(ctx context.Context, entry domain.RecipientRegistryEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recipient_registry (job_id, recipient, campaign_id, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, recipient) DO UPDATE SET last_seen = EXCLUDED.last_seen
	`, entry.JobID, entry.Recipient, entry.CampaignID, entry.FirstSeen, entry.LastSeen)
	if err != nil {
		return fmt.Errorf("touch recipient registry: %w", err)
	}
	return nil
}

// FindJobID resolves the most recently active job claiming recipient.
func (r *RecipientRegistry) FindJobID(ctx context.Context, recipient string) (string, error) {
	var jobID string
	err := r.db.QueryRowContext(ctx, `
		SELECT job_id FROM recipient_registry WHERE recipient = $1 ORDER BY last_seen DESC LIMIT 1
	`, recipient).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find recipient registry entry: %w", err)
	}
	return jobID, nil
}

// DeleteByJob removes every registry row for jobID, used by delete().
func (r *RecipientRegistry) DeleteByJob(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM recipient_registry WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete recipient registry entries: %w", err)
	}
	return nil
}

// PruneOlderThan removes registry rows last seen before cutoff, keeping
// the table bounded for long-lived deployments.
func (r *RecipientRegistry) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM recipient_registry WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune recipient registry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
