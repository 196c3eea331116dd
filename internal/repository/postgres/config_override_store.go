package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// ConfigOverrideStore persists the Config Store's durable UI-override
// layer, satisfying config.OverrideStore.
//
// Grounded on the teacher's repository/postgres package raw-SQL style.
type ConfigOverrideStore struct{ db *sql.DB }

// NewConfigOverrideStore creates a Postgres-backed config override store.
func NewConfigOverrideStore(db *sql.DB) *ConfigOverrideStore { return &ConfigOverrideStore{db: db} }

func (s *ConfigOverrideStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config_overrides`)
	if err != nil {
		return nil, fmt.Errorf("list config overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config override: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *ConfigOverrideStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_overrides (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("set config override: %w", err)
	}
	return nil
}
