package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

type fakeSnapshotStore struct {
	saved       []*domain.Job
	saveErr     error
	active      []*domain.Job
	terminal    []*domain.Job
	deleted     []string
}

func (f *fakeSnapshotStore) SaveSnapshot(ctx context.Context, job *domain.Job) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, job)
	return nil
}

func (f *fakeSnapshotStore) ListActive(ctx context.Context) ([]*domain.Job, error) {
	return f.active, nil
}

func (f *fakeSnapshotStore) ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	return f.terminal, nil
}

func (f *fakeSnapshotStore) DeleteSnapshot(ctx context.Context, jobID string) error {
	f.deleted = append(f.deleted, jobID)
	return nil
}

type fakeArchiver struct {
	saved []*domain.Job
	err   error
}

func (f *fakeArchiver) Save(ctx context.Context, job *domain.Job) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, job)
	return nil
}

func TestJobPersistence_Record_FirstEventIsNotDue(t *testing.T) {
	store := &fakeSnapshotStore{}
	p := NewJobPersistence(store, nil)
	p.MinInterval = time.Hour
	p.MaxEvents = 100

	job := &domain.Job{ID: "job-1", Status: domain.JobRunning}
	if err := p.Record(context.Background(), job, false); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(store.saved) != 0 {
		t.Errorf("Record() saved %d snapshots, want 0 (not due yet)", len(store.saved))
	}
}

func TestJobPersistence_Record_ForceAlwaysWrites(t *testing.T) {
	store := &fakeSnapshotStore{}
	p := NewJobPersistence(store, nil)
	p.MinInterval = time.Hour
	p.MaxEvents = 100

	job := &domain.Job{ID: "job-1", Status: domain.JobRunning}
	if err := p.Record(context.Background(), job, true); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(store.saved) != 1 {
		t.Errorf("Record(force=true) saved %d snapshots, want 1", len(store.saved))
	}
}

func TestJobPersistence_Record_TerminalAlwaysWrites(t *testing.T) {
	store := &fakeSnapshotStore{}
	p := NewJobPersistence(store, nil)
	p.MinInterval = time.Hour
	p.MaxEvents = 100

	job := &domain.Job{ID: "job-1", Status: domain.JobDone}
	if err := p.Record(context.Background(), job, false); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(store.saved) != 1 {
		t.Errorf("Record() for terminal job saved %d snapshots, want 1", len(store.saved))
	}
}

func TestJobPersistence_Record_MaxEventsTriggersWrite(t *testing.T) {
	store := &fakeSnapshotStore{}
	p := NewJobPersistence(store, nil)
	p.MinInterval = time.Hour
	p.MaxEvents = 3

	job := &domain.Job{ID: "job-1", Status: domain.JobRunning}
	for i := 0; i < 2; i++ {
		if err := p.Record(context.Background(), job, false); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	if len(store.saved) != 0 {
		t.Fatalf("Record() saved %d snapshots before threshold, want 0", len(store.saved))
	}
	if err := p.Record(context.Background(), job, false); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(store.saved) != 1 {
		t.Errorf("Record() at MaxEvents saved %d snapshots, want 1", len(store.saved))
	}
}

func TestJobPersistence_RehydrateOnBoot_StopsActiveJobs(t *testing.T) {
	store := &fakeSnapshotStore{
		active: []*domain.Job{
			{ID: "job-1", Status: domain.JobRunning},
			{ID: "job-2", Status: domain.JobBackoff},
		},
	}
	p := NewJobPersistence(store, nil)

	n, err := p.RehydrateOnBoot(context.Background())
	if err != nil {
		t.Fatalf("RehydrateOnBoot() error: %v", err)
	}
	if n != 2 {
		t.Errorf("RehydrateOnBoot() restored %d jobs, want 2", n)
	}
	for _, job := range store.active {
		if job.Status != domain.JobStopped || !job.StopRequested {
			t.Errorf("job %s = %+v, want stopped with StopRequested", job.ID, job)
		}
	}
	if len(store.saved) != 2 {
		t.Errorf("RehydrateOnBoot() persisted %d snapshots, want 2", len(store.saved))
	}
}

func TestJobPersistence_ArchiveAndPrune_NilArchiverIsNoop(t *testing.T) {
	store := &fakeSnapshotStore{terminal: []*domain.Job{{ID: "job-1", Status: domain.JobDone}}}
	p := NewJobPersistence(store, nil)

	n, err := p.ArchiveAndPrune(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ArchiveAndPrune() error: %v", err)
	}
	if n != 0 {
		t.Errorf("ArchiveAndPrune() with nil archiver = %d, want 0", n)
	}
}

func TestJobPersistence_ArchiveAndPrune_ArchivesAndDeletes(t *testing.T) {
	store := &fakeSnapshotStore{terminal: []*domain.Job{{ID: "job-1", Status: domain.JobDone}}}
	archive := &fakeArchiver{}
	p := NewJobPersistence(store, archive)

	n, err := p.ArchiveAndPrune(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ArchiveAndPrune() error: %v", err)
	}
	if n != 1 {
		t.Errorf("ArchiveAndPrune() archived %d, want 1", n)
	}
	if len(archive.saved) != 1 || len(store.deleted) != 1 {
		t.Errorf("ArchiveAndPrune() archive.saved=%d store.deleted=%d, want 1/1", len(archive.saved), len(store.deleted))
	}
}

func TestJobPersistence_ArchiveAndPrune_SkipsOnArchiveError(t *testing.T) {
	store := &fakeSnapshotStore{terminal: []*domain.Job{{ID: "job-1", Status: domain.JobDone}}}
	archive := &fakeArchiver{err: context.DeadlineExceeded}
	p := NewJobPersistence(store, archive)

	n, err := p.ArchiveAndPrune(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ArchiveAndPrune() error: %v", err)
	}
	if n != 0 {
		t.Errorf("ArchiveAndPrune() archived %d despite save error, want 0", n)
	}
	if len(store.deleted) != 0 {
		t.Errorf("ArchiveAndPrune() deleted snapshot despite failed archive, want no deletion")
	}
}
