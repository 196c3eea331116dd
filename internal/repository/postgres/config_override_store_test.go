package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupStoreTestDB(t *testing.T) (sqlmock.Sqlmock, *ConfigOverrideStore, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return mock, NewConfigOverrideStore(db), func() { db.Close() }
}

func TestConfigOverrideStore_All(t *testing.T) {
	mock, store, cleanup := setupStoreTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow("pressure.slowdown_threshold", "0.15").
		AddRow("scheduler.max_recipients_per_job", "500000")
	mock.ExpectQuery("SELECT key, value FROM config_overrides").WillReturnRows(rows)

	got, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	if got["pressure.slowdown_threshold"] != "0.15" || got["scheduler.max_recipients_per_job"] != "500000" {
		t.Errorf("All() = %v, missing expected keys", got)
	}
}

func TestConfigOverrideStore_Set(t *testing.T) {
	mock, store, cleanup := setupStoreTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO config_overrides").
		WithArgs("pressure.slowdown_threshold", "0.2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Set(context.Background(), "pressure.slowdown_threshold", "0.2"); err != nil {
		t.Errorf("Set() error: %v", err)
	}
}
