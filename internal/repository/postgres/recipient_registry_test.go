package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/sparkpost-monitor/internal/domain"
)

func setupRegistryTestDB(t *testing.T) (sqlmock.Sqlmock, *RecipientRegistry, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return mock, NewRecipientRegistry(db), func() { db.Close() }
}

func TestRecipientRegistry_Touch(t *testing.T) {
	mock, reg, cleanup := setupRegistryTestDB(t)
	defer cleanup()

	now := time.Now()
	entry := domain.RecipientRegistryEntry{JobID: "job-1", Recipient: "a@example.com", CampaignID: "camp-1", FirstSeen: now, LastSeen: now}

	mock.ExpectExec("INSERT INTO recipient_registry").
		WithArgs(entry.JobID, entry.Recipient, entry.CampaignID, entry.FirstSeen, entry.LastSeen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := reg.Touch(context.Background(), entry); err != nil {
		t.Errorf("Touch() error: %v", err)
	}
}

func TestRecipientRegistry_FindJobID_Found(t *testing.T) {
	mock, reg, cleanup := setupRegistryTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT job_id FROM recipient_registry WHERE recipient").
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("job-1"))

	jobID, err := reg.FindJobID(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("FindJobID() error: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("FindJobID() = %q, want job-1", jobID)
	}
}

func TestRecipientRegistry_FindJobID_NotFoundReturnsEmptyString(t *testing.T) {
	mock, reg, cleanup := setupRegistryTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT job_id FROM recipient_registry WHERE recipient").
		WithArgs("unknown@example.com").
		WillReturnError(sql.ErrNoRows)

	jobID, err := reg.FindJobID(context.Background(), "unknown@example.com")
	if err != nil {
		t.Fatalf("FindJobID() error: %v", err)
	}
	if jobID != "" {
		t.Errorf("FindJobID() = %q, want empty string", jobID)
	}
}

func TestRecipientRegistry_PruneOlderThan(t *testing.T) {
	mock, reg, cleanup := setupRegistryTestDB(t)
	defer cleanup()

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec("DELETE FROM recipient_registry WHERE last_seen").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := reg.PruneOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneOlderThan() error: %v", err)
	}
	if n != 5 {
		t.Errorf("PruneOlderThan() = %d, want 5", n)
	}
}
