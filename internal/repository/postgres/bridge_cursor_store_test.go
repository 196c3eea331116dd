package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/sparkpost-monitor/internal/domain"
)

func setupCursorTestDB(t *testing.T) (sqlmock.Sqlmock, *BridgeCursorStore, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return mock, NewBridgeCursorStore(db), func() { db.Close() }
}

func TestBridgeCursorStore_LoadCursor_NotFoundReturnsNilNil(t *testing.T) {
	mock, store, cleanup := setupCursorTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT path, inode, offset_bytes, mtime FROM bridge_cursors").
		WithArgs("/var/log/pmta/acct-1.csv").
		WillReturnError(sql.ErrNoRows)

	cur, err := store.LoadCursor(context.Background(), "/var/log/pmta/acct-1.csv")
	if err != nil {
		t.Fatalf("LoadCursor() error: %v", err)
	}
	if cur != nil {
		t.Errorf("LoadCursor() = %+v, want nil for not found", cur)
	}
}

func TestBridgeCursorStore_LoadCursor_Found(t *testing.T) {
	mock, store, cleanup := setupCursorTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"path", "inode", "offset_bytes", "mtime"}).
		AddRow("/var/log/pmta/acct-1.csv", uint64(123), int64(4096), int64(1710000000))
	mock.ExpectQuery("SELECT path, inode, offset_bytes, mtime FROM bridge_cursors").
		WithArgs("/var/log/pmta/acct-1.csv").
		WillReturnRows(rows)

	cur, err := store.LoadCursor(context.Background(), "/var/log/pmta/acct-1.csv")
	if err != nil {
		t.Fatalf("LoadCursor() error: %v", err)
	}
	if cur.Offset != 4096 || cur.Inode != 123 {
		t.Errorf("LoadCursor() = %+v, want offset 4096 inode 123", cur)
	}
}

func TestBridgeCursorStore_SaveCursor(t *testing.T) {
	mock, store, cleanup := setupCursorTestDB(t)
	defer cleanup()

	cur := &domain.BridgeCursor{Path: "/var/log/pmta/acct-1.csv", Inode: 123, Offset: 8192, Mtime: 1710000500}

	mock.ExpectExec("INSERT INTO bridge_cursors").
		WithArgs(cur.Path, cur.Inode, cur.Offset, cur.Mtime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveCursor(context.Background(), cur); err != nil {
		t.Errorf("SaveCursor() error: %v", err)
	}
}
