package postgres

import "database/sql"

// EnsureJobSchema creates the tables backing JobStore, OutcomeStore,
// RecipientRegistry, BridgeCursorStore, and ConfigOverrideStore if they do
// not already exist.
//
// Grounded on the teacher's internal/api/suppression_service.go
// ensureTables idiom: inline CREATE TABLE IF NOT EXISTS run at startup
// instead of a separate migration runner, since this repo has no
// migrations/ directory for cmd/migrate to read.
func EnsureJobSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_snapshots (
			id VARCHAR(100) PRIMARY KEY,
			campaign_id VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_snapshots_campaign ON job_snapshots(campaign_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_snapshots_status ON job_snapshots(status)`,

		`CREATE TABLE IF NOT EXISTS recipient_outcomes (
			job_id VARCHAR(100) NOT NULL,
			recipient VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			first_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			dsn_status VARCHAR(20),
			dsn_diag TEXT,
			PRIMARY KEY (job_id, recipient)
		)`,

		`CREATE TABLE IF NOT EXISTS recipient_registry (
			job_id VARCHAR(100) NOT NULL,
			recipient VARCHAR(255) NOT NULL,
			campaign_id VARCHAR(100) NOT NULL,
			first_seen TIMESTAMP WITH TIME ZONE NOT NULL,
			last_seen TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (job_id, recipient)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recipient_registry_recipient ON recipient_registry(recipient)`,

		`CREATE TABLE IF NOT EXISTS bridge_cursors (
			path VARCHAR(500) PRIMARY KEY,
			inode BIGINT NOT NULL,
			offset_bytes BIGINT NOT NULL,
			mtime BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS config_overrides (
			key VARCHAR(200) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
