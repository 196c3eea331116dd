package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// BridgeCursorStore persists the Accounting Bridge tailer's per-file
// offset across restarts, satisfying pmta.CursorStore.
//
// Grounded on the teacher's repository/postgres package raw-SQL style.
type BridgeCursorStore struct{ db *sql.DB }

// NewBridgeCursorStore creates a Postgres-backed cursor store.
func NewBridgeCursorStore(db *sql.DB) *BridgeCursorStore { return &BridgeCursorStore{db: db} }

func (s *BridgeCursorStore) LoadCursor(ctx context.Context, path string) (*domain.BridgeCursor, error) {
	var c domain.BridgeCursor
	err := s.db.QueryRowContext(ctx, `
		SELECT path, inode, offset_bytes, mtime FROM bridge_cursors WHERE path = $1
	`, path).Scan(&c.Path, &c.Inode, &c.Offset, &c.Mtime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bridge cursor: %w", err)
	}
	return &c, nil
}

func (s *BridgeCursorStore) SaveCursor(ctx context.Context, cur *domain.BridgeCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_cursors (path, inode, offset_bytes, mtime)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET inode = EXCLUDED.inode, offset_bytes = EXCLUDED.offset_bytes, mtime = EXCLUDED.mtime
	`, cur.Path, cur.Inode, cur.Offset, cur.Mtime)
	if err != nil {
		return fmt.Errorf("save bridge cursor: %w", err)
	}
	return nil
}
