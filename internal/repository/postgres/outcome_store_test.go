package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/sparkpost-monitor/internal/domain"
)

func setupOutcomeTestDB(t *testing.T) (sqlmock.Sqlmock, *OutcomeStore, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return mock, NewOutcomeStore(db), func() { db.Close() }
}

func TestOutcomeStore_Get_NotFoundReturnsNilNil(t *testing.T) {
	mock, store, cleanup := setupOutcomeTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT job_id, recipient, status").
		WithArgs("job-1", "a@example.com").
		WillReturnError(sql.ErrNoRows)

	got, err := store.Get(context.Background(), "job-1", "a@example.com")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil for not found", got)
	}
}

func TestOutcomeStore_Put_Upsert(t *testing.T) {
	mock, store, cleanup := setupOutcomeTestDB(t)
	defer cleanup()

	now := time.Now()
	outcome := &domain.RecipientOutcome{
		JobID: "job-1", Recipient: "a@example.com", Status: domain.OutcomeStatus("delivered"),
		FirstAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO recipient_outcomes").
		WithArgs(outcome.JobID, outcome.Recipient, outcome.Status, outcome.FirstAt, outcome.UpdatedAt, outcome.DSNStatus, outcome.DSNDiag).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Put(context.Background(), outcome); err != nil {
		t.Errorf("Put() error: %v", err)
	}
}

func TestOutcomeStore_CountByStatus(t *testing.T) {
	mock, store, cleanup := setupOutcomeTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("delivered", 3).
		AddRow("bounced", 1)
	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs("job-1").
		WillReturnRows(rows)

	counts, err := store.CountByStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("CountByStatus() error: %v", err)
	}
	if counts[domain.OutcomeStatus("delivered")] != 3 || counts[domain.OutcomeStatus("bounced")] != 1 {
		t.Errorf("CountByStatus() = %v, want delivered:3 bounced:1", counts)
	}
}
