package store

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolean := "INTEGER"
	boolTrue := "1"
	timestamp := "DATETIME"
	if s.dialect == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
		boolean = "BOOLEAN"
		boolTrue = "TRUE"
		timestamp = "TIMESTAMPTZ"
	}

	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
			id %s,
			identifier TEXT UNIQUE NOT NULL,
			prefix TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			is_active %s NOT NULL DEFAULT %s,
			expires_at %s,
			created_at %s NOT NULL,
			last_used %s
		)`, pk, boolean, boolTrue, timestamp, timestamp, timestamp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_key_scopes (
			id %s,
			key_id BIGINT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
			resource_type TEXT NOT NULL,
			ops INTEGER NOT NULL DEFAULT 0,
			UNIQUE(key_id, resource_type)
		)`, pk),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_events (
			id %s,
			key_id BIGINT REFERENCES api_keys(id) ON DELETE SET NULL,
			key_identifier TEXT NOT NULL DEFAULT '',
			occurred_at %s NOT NULL,
			resource_type TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`, pk, timestamp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS admins (
			id %s,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active %s NOT NULL DEFAULT %s,
			last_login_at %s,
			created_at %s NOT NULL
		)`, pk, boolean, boolTrue, timestamp, timestamp),

		`CREATE INDEX IF NOT EXISTS idx_api_keys_identifier ON api_keys(identifier)`,
		`CREATE INDEX IF NOT EXISTS idx_api_key_scopes_key_id ON api_key_scopes(key_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_key_identifier ON usage_events(key_identifier)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_occurred_at ON usage_events(occurred_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
