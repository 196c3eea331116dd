package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// JobStore is the durable side of job lifecycle state: one row per job,
// the job itself stored as a JSON snapshot blob. It satisfies
// worker.JobRegistry, worker.JobMutator, worker.SnapshotStore, and
// pmta.JobLookup/pmta.JobMutator simultaneously — one implementation
// backing every consumer's structurally-typed interface.
//
// Grounded on the teacher's repository/postgres package (raw
// database/sql against lib/pq, $N placeholders, sql.ErrNoRows mapping),
// generalized from a normalized row-per-column schema to a snapshot-blob
// schema per SPEC_FULL's "Persisted State (owned)" external interface.
type JobStore struct{ db *sql.DB }

// NewJobStore creates a Postgres-backed job store.
func NewJobStore(db *sql.DB) *JobStore { return &JobStore{db: db} }

func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_snapshots (id, campaign_id, status, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, job.ID, job.CampaignID, string(job.Status), data)
	if err != nil {
		return fmt.Errorf("insert job snapshot: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.scanOne(ctx, `SELECT snapshot FROM job_snapshots WHERE id = $1`, jobID)
}

// GetJob is the pmta.JobLookup spelling of Get.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.Get(ctx, jobID)
}

func (s *JobStore) ActiveForCampaign(ctx context.Context, campaignID string) (*domain.Job, error) {
	return s.scanOne(ctx, `
		SELECT snapshot FROM job_snapshots
		WHERE campaign_id = $1 AND status IN ('queued','running','backoff','paused')
		ORDER BY updated_at DESC LIMIT 1
	`, campaignID)
}

// FindActiveJobByCampaign is the pmta.JobLookup spelling of ActiveForCampaign.
func (s *JobStore) FindActiveJobByCampaign(ctx context.Context, campaignID string) (*domain.Job, error) {
	return s.ActiveForCampaign(ctx, campaignID)
}

// FindJobByRecipient resolves the job currently tracking recipient via the
// recipient registry table, used by the Reconciler when a bridge event
// carries no parsable Message-ID.
func (s *JobStore) FindJobByRecipient(ctx context.Context, recipient string) (*domain.Job, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.job_id FROM recipient_registry r
		JOIN job_snapshots j ON j.id = r.job_id
		WHERE r.recipient = $1 AND j.status IN ('queued','running','backoff','paused')
		ORDER BY r.last_seen DESC LIMIT 1
	`, recipient).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by recipient: %w", err)
	}
	return s.Get(ctx, jobID)
}

func (s *JobStore) scanOne(ctx context.Context, query string, args ...interface{}) (*domain.Job, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job snapshot: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job snapshot: %w", err)
	}
	return &job, nil
}

// MutateJob loads job, applies fn under a row lock, and writes the result
// back in the same transaction, the single critical section per-job
// counters and series are required to go through.
func (s *JobStore) MutateJob(ctx context.Context, jobID string, fn func(j *domain.Job)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mutate tx: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, `SELECT snapshot FROM job_snapshots WHERE id = $1 FOR UPDATE`, jobID).Scan(&data)
	if err != nil {
		return fmt.Errorf("lock job snapshot: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("unmarshal job snapshot: %w", err)
	}

	fn(&job)
	job.UpdatedAt = time.Now()

	newData, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_snapshots SET snapshot = $1, status = $2, updated_at = NOW() WHERE id = $3
	`, newData, string(job.Status), jobID)
	if err != nil {
		return fmt.Errorf("update job snapshot: %w", err)
	}

	return tx.Commit()
}

// SaveSnapshot overwrites the durable row for job.ID with its current state.
func (s *JobStore) SaveSnapshot(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_snapshots SET snapshot = $1, status = $2, updated_at = NOW() WHERE id = $3
	`, data, string(job.Status), job.ID)
	if err != nil {
		return fmt.Errorf("save job snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.Create(ctx, job)
	}
	return nil
}

// ListActive returns every job whose status is active, for boot rehydration.
func (s *JobStore) ListActive(ctx context.Context) ([]*domain.Job, error) {
	return s.queryMany(ctx, `
		SELECT snapshot FROM job_snapshots WHERE status IN ('queued','running','backoff','paused')
	`)
}

// ListTerminalOlderThan returns terminal jobs last updated before cutoff,
// candidates for cold archival.
func (s *JobStore) ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	return s.queryMany(ctx, `
		SELECT snapshot FROM job_snapshots WHERE status IN ('stopped','done','error') AND updated_at < $1
	`, cutoff)
}

func (s *JobStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job snapshots: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job snapshot: %w", err)
		}
		var job domain.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job snapshot: %w", err)
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a job's durable row, used after cold archival or
// operator delete().
func (s *JobStore) DeleteSnapshot(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_snapshots WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job snapshot: %w", err)
	}
	return nil
}

// Delete is the worker.JobRegistry spelling of DeleteSnapshot.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	return s.DeleteSnapshot(ctx, jobID)
}
