package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/sparkpost-monitor/internal/domain"
)

func setupJobStoreTestDB(t *testing.T) (sqlmock.Sqlmock, *JobStore, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return mock, NewJobStore(db), func() { db.Close() }
}

func TestJobStore_Get_NotFoundReturnsNilNil(t *testing.T) {
	mock, store, cleanup := setupJobStoreTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT snapshot FROM job_snapshots WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	job, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if job != nil {
		t.Errorf("Get() = %+v, want nil for not found", job)
	}
}

func TestJobStore_Get_UnmarshalsSnapshot(t *testing.T) {
	mock, store, cleanup := setupJobStoreTestDB(t)
	defer cleanup()

	data, _ := json.Marshal(&domain.Job{ID: "job-1", CampaignID: "camp-1", Status: domain.JobRunning})
	mock.ExpectQuery("SELECT snapshot FROM job_snapshots WHERE id").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(data))

	job, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if job.ID != "job-1" || job.Status != domain.JobRunning {
		t.Errorf("Get() = %+v, want job-1/running", job)
	}
}

func TestJobStore_MutateJob_AppliesAndPersists(t *testing.T) {
	mock, store, cleanup := setupJobStoreTestDB(t)
	defer cleanup()

	data, _ := json.Marshal(&domain.Job{ID: "job-1", Status: domain.JobRunning})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT snapshot FROM job_snapshots WHERE id .* FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(data))
	mock.ExpectExec("UPDATE job_snapshots SET snapshot").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.MutateJob(context.Background(), "job-1", func(j *domain.Job) {
		j.Status = domain.JobPaused
		j.Paused = true
	})
	if err != nil {
		t.Fatalf("MutateJob() error: %v", err)
	}
}

func TestJobStore_SaveSnapshot_FallsBackToCreateWhenNoRowsAffected(t *testing.T) {
	mock, store, cleanup := setupJobStoreTestDB(t)
	defer cleanup()

	job := &domain.Job{ID: "job-1", CampaignID: "camp-1", Status: domain.JobQueued}

	mock.ExpectExec("UPDATE job_snapshots SET snapshot").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO job_snapshots").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.SaveSnapshot(context.Background(), job); err != nil {
		t.Errorf("SaveSnapshot() error: %v", err)
	}
}

func TestJobStore_ListActive(t *testing.T) {
	mock, store, cleanup := setupJobStoreTestDB(t)
	defer cleanup()

	data1, _ := json.Marshal(&domain.Job{ID: "job-1", Status: domain.JobRunning})
	data2, _ := json.Marshal(&domain.Job{ID: "job-2", Status: domain.JobQueued})
	mock.ExpectQuery("SELECT snapshot FROM job_snapshots WHERE status IN").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(data1).AddRow(data2))

	jobs, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("ListActive() returned %d jobs, want 2", len(jobs))
	}
}
