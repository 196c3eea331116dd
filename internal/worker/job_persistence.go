package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pkg/logger"
)

// defaultSnapshotMinInterval and defaultSnapshotMaxEvents implement the
// throttled-write rule: a job snapshot is persisted once at least one of
// these elapses, or on a forced (terminal/operator) write.
const (
	defaultSnapshotMinInterval = time.Second
	defaultSnapshotMaxEvents   = 15
)

// SnapshotStore is the durable hot store backing Job Persistence. A single
// Postgres-backed implementation is expected to satisfy this alongside
// JobRegistry and JobMutator.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, job *domain.Job) error
	ListActive(ctx context.Context) ([]*domain.Job, error)
	ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Job, error)
	DeleteSnapshot(ctx context.Context, jobID string) error
}

// Archiver moves a terminal job snapshot to cold storage. Satisfied by
// storage.JobArchive.
type Archiver interface {
	Save(ctx context.Context, job *domain.Job) error
}

type persistState struct {
	lastWrite time.Time
	events    int
}

// JobPersistence throttles durable writes of in-memory job state and
// handles the boot-time rehydrate and retention-window cold-archival
// sweeps described for Job Persistence.
//
// Grounded on the teacher's campaign_scheduler.go ticker/heartbeat loop
// idiom for the archive sweep, generalized from a per-worker heartbeat to
// a periodic maintenance pass.
type JobPersistence struct {
	store   SnapshotStore
	archive Archiver

	mu    sync.Mutex
	state map[string]*persistState

	MinInterval time.Duration
	MaxEvents   int
}

// NewJobPersistence constructs a persistence layer. archive may be nil, in
// which case ArchiveAndPrune is a no-op.
func NewJobPersistence(store SnapshotStore, archive Archiver) *JobPersistence {
	return &JobPersistence{
		store:       store,
		archive:     archive,
		state:       make(map[string]*persistState),
		MinInterval: defaultSnapshotMinInterval,
		MaxEvents:   defaultSnapshotMaxEvents,
	}
}

// Record persists job's current state if the write-throttle rule is due:
// at least MinInterval elapsed since the last write (or since the job was
// first recorded), at least MaxEvents state changes accrued, the job
// reached a terminal status, or force is set by the caller (e.g. an
// explicit operator action).
func (p *JobPersistence) Record(ctx context.Context, job *domain.Job, force bool) error {
	p.mu.Lock()
	st, ok := p.state[job.ID]
	if !ok {
		st = &persistState{lastWrite: time.Now()}
		p.state[job.ID] = st
	}
	st.events++

	due := force || job.Status.IsTerminal() ||
		time.Since(st.lastWrite) >= p.MinInterval ||
		st.events >= p.MaxEvents
	if !due {
		p.mu.Unlock()
		return nil
	}
	st.events = 0
	st.lastWrite = time.Now()
	p.mu.Unlock()

	if err := p.store.SaveSnapshot(ctx, job); err != nil {
		return fmt.Errorf("save job snapshot %s: %w", job.ID, err)
	}
	return nil
}

// Forget drops a job's write-throttle bookkeeping, used after delete().
func (p *JobPersistence) Forget(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, jobID)
}

// RehydrateOnBoot loads every job the store considers active and rewrites
// it to stopped: no scheduler is running yet to own an in-flight job after
// a restart, so its true state is "was interrupted," not "still running."
func (p *JobPersistence) RehydrateOnBoot(ctx context.Context) (int, error) {
	jobs, err := p.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	for _, job := range jobs {
		job.Status = domain.JobStopped
		job.StopRequested = true
		job.LastError = "restored from DB"
		job.UpdatedAt = time.Now()

		if err := p.store.SaveSnapshot(ctx, job); err != nil {
			return 0, fmt.Errorf("rehydrate job %s: %w", job.ID, err)
		}
		logger.Info("job restored to stopped on boot", "job_id", job.ID, "campaign_id", job.CampaignID)
	}

	return len(jobs), nil
}

// ArchiveAndPrune moves terminal snapshots older than retention to cold
// storage and removes them from the hot table. A nil archiver disables
// the sweep entirely (snapshots simply age in the hot table).
func (p *JobPersistence) ArchiveAndPrune(ctx context.Context, retention time.Duration) (int, error) {
	if p.archive == nil {
		return 0, nil
	}

	cutoff := time.Now().Add(-retention)
	jobs, err := p.store.ListTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list terminal jobs: %w", err)
	}

	archived := 0
	for _, job := range jobs {
		if err := p.archive.Save(ctx, job); err != nil {
			logger.Warn("archive job snapshot failed", "job_id", job.ID, "error", err)
			continue
		}
		if err := p.store.DeleteSnapshot(ctx, job.ID); err != nil {
			logger.Warn("prune archived job failed", "job_id", job.ID, "error", err)
			continue
		}
		p.Forget(job.ID)
		archived++
	}

	return archived, nil
}

// RunArchiveLoop periodically sweeps terminal snapshots older than
// retention into cold storage until ctx is canceled.
func (p *JobPersistence) RunArchiveLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.ArchiveAndPrune(ctx, retention)
			if err != nil {
				logger.Warn("job archive sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("archived terminal jobs", "count", n)
			}
		}
	}
}
