// Package store persists API keys, their scopes, usage events, and admin
// accounts. The reference backend is SQLite (zero-setup, in-memory for
// tests); a PostgreSQL DSN switches to pgx for deployments that already
// run Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

// Store manages durable key/scope/usage state behind a single handle.
type Store struct {
	db      *sqlx.DB
	dialect string // "sqlite" or "postgres"
}

// New opens the SQLite reference backend under dataDir. Pass empty string
// for an in-memory store (tests).
func New(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "uwkeys.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return open("sqlite", "sqlite", dsn)
}

// Open opens a store from a DSN. postgres:// and postgresql:// URLs use
// the pgx driver; anything else is treated as a SQLite path or DSN.
func Open(dsn string) (*Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return open("pgx", "postgres", dsn)
	}
	if dsn == "" {
		return New("")
	}
	return open("sqlite", "sqlite", dsn)
}

func open(driver, dialect, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	if dialect == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// insertReturningID runs a named INSERT ... RETURNING id and scans the new
// row ID. Both modernc SQLite and Postgres support RETURNING, which keeps
// the two dialects on one code path. ext is the DB handle or an open
// transaction.
func insertReturningID(ctx context.Context, ext sqlx.ExtContext, query string, arg interface{}) (int64, error) {
	rows, err := sqlx.NamedQueryContext(ctx, ext, query, arg)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("insert returned no id")
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new API key record. The secret_hash must already
// be set (the caller runs the codec); ID and CreatedAt are populated after
// a successful insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO api_keys
		(identifier, prefix, secret_hash, owner, label, is_active, expires_at, created_at)
		VALUES
		(:identifier, :prefix, :secret_hash, :owner, :label, :is_active, :expires_at, :created_at)
		RETURNING id`

	id, err := insertReturningID(ctx, s.db, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	return nil
}

// CreateAPIKeyWithScopes inserts a key together with its initial scope rows
// in one transaction. Either the key lands with every grant or nothing is
// persisted; a half-created key cannot be observed.
func (s *Store) CreateAPIKeyWithScopes(ctx context.Context, key *model.APIKey, grants map[string]model.OpSet) error {
	key.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO api_keys
		(identifier, prefix, secret_hash, owner, label, is_active, expires_at, created_at)
		VALUES
		(:identifier, :prefix, :secret_hash, :owner, :label, :is_active, :expires_at, :created_at)
		RETURNING id`

	id, err := insertReturningID(ctx, tx, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	for resourceType, ops := range grants {
		if ops.Empty() {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO api_key_scopes (key_id, resource_type, ops) VALUES (?, ?, ?)"),
			id, resourceType, ops); err != nil {
			return fmt.Errorf("insert scope %s: %w", resourceType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit api key: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKeyByIdentifier looks up a key by the non-secret identifier
// embedded in the key string.
func (s *Store) GetAPIKeyByIdentifier(ctx context.Context, identifier string) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT * FROM api_keys WHERE identifier = ?")
	if err := s.db.GetContext(ctx, &key, q, identifier); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, "SELECT * FROM api_keys ORDER BY created_at DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// DeactivateAPIKey marks a key inactive. Deactivating an already-inactive
// key is a no-op that still succeeds; only a missing key errors.
func (s *Store) DeactivateAPIKey(ctx context.Context, id int64) error {
	q := s.db.Rebind("UPDATE api_keys SET is_active = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, false, id)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey sets the last_used timestamp for a key.
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	q := s.db.Rebind("UPDATE api_keys SET last_used = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

// GetScopes returns the full scope set of a key as a point-in-time
// snapshot: a single SELECT, so concurrent grant/revoke transactions are
// observed entirely or not at all.
func (s *Store) GetScopes(ctx context.Context, keyID int64) ([]model.Scope, error) {
	var scopes []model.Scope
	q := s.db.Rebind("SELECT * FROM api_key_scopes WHERE key_id = ? ORDER BY resource_type")
	if err := s.db.SelectContext(ctx, &scopes, q, keyID); err != nil {
		return nil, fmt.Errorf("get scopes: %w", err)
	}
	for i := range scopes {
		scopes[i].Operations = scopes[i].Ops.Operations()
	}
	return scopes, nil
}

// GrantScope merges ops into the key's scope entry for resourceType,
// creating the entry if needed. The read-merge-write runs in one
// transaction so a key never ends up with duplicate rows for a resource
// type.
func (s *Store) GrantScope(ctx context.Context, keyID int64, resourceType string, ops model.OpSet) error {
	return s.withScopeTx(ctx, keyID, resourceType, func(current model.OpSet, exists bool) (model.OpSet, bool) {
		return current.Union(ops), true
	})
}

// RevokeScope removes ops from the key's scope entry for resourceType.
// When no operations remain the row is deleted, keeping the
// one-row-per-(key, resource type) invariant tidy. Revoking from a key
// that has no entry for the resource type returns ErrNotFound.
func (s *Store) RevokeScope(ctx context.Context, keyID int64, resourceType string, ops model.OpSet) error {
	return s.withScopeTx(ctx, keyID, resourceType, func(current model.OpSet, exists bool) (model.OpSet, bool) {
		remaining := current.Difference(ops)
		return remaining, !remaining.Empty()
	})
}

// withScopeTx loads the current ops for (keyID, resourceType), applies fn,
// and writes the result back: insert, update, or delete depending on what
// fn returns. fn receives (current ops, row exists) and returns (new ops,
// keep row).
func (s *Store) withScopeTx(ctx context.Context, keyID int64, resourceType string, fn func(model.OpSet, bool) (model.OpSet, bool)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// The key must exist; scope rows must never dangle.
	var keyExists int
	if err := tx.GetContext(ctx, &keyExists, tx.Rebind("SELECT COUNT(*) FROM api_keys WHERE id = ?"), keyID); err != nil {
		return fmt.Errorf("check key: %w", err)
	}
	if keyExists == 0 {
		return ErrNotFound
	}

	var current model.OpSet
	exists := true
	err = tx.GetContext(ctx, &current,
		tx.Rebind("SELECT ops FROM api_key_scopes WHERE key_id = ? AND resource_type = ?"), keyID, resourceType)
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return fmt.Errorf("get scope: %w", err)
	}

	next, keep := fn(current, exists)

	switch {
	case !exists && !keep:
		return ErrNotFound
	case !exists && keep:
		if _, err := tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO api_key_scopes (key_id, resource_type, ops) VALUES (?, ?, ?)"),
			keyID, resourceType, next); err != nil {
			return fmt.Errorf("insert scope: %w", err)
		}
	case keep:
		if _, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE api_key_scopes SET ops = ? WHERE key_id = ? AND resource_type = ?"),
			next, keyID, resourceType); err != nil {
			return fmt.Errorf("update scope: %w", err)
		}
	default:
		if _, err := tx.ExecContext(ctx,
			tx.Rebind("DELETE FROM api_key_scopes WHERE key_id = ? AND resource_type = ?"),
			keyID, resourceType); err != nil {
			return fmt.Errorf("delete scope: %w", err)
		}
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Usage events
// ---------------------------------------------------------------------------

// RecordUsage appends one immutable usage event.
func (s *Store) RecordUsage(ctx context.Context, ev *model.UsageEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	const q = `INSERT INTO usage_events
		(key_id, key_identifier, occurred_at, resource_type, operation, outcome, reason, endpoint, request_id)
		VALUES
		(:key_id, :key_identifier, :occurred_at, :resource_type, :operation, :outcome, :reason, :endpoint, :request_id)
		RETURNING id`

	id, err := insertReturningID(ctx, s.db, q, ev)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	ev.ID = id
	return nil
}

func usageWhere(f model.UsageFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.KeyIdentifier != "" {
		clauses = append(clauses, "key_identifier = ?")
		args = append(args, f.KeyIdentifier)
	}
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, f.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListUsage returns usage events matching the filter, newest first.
func (s *Store) ListUsage(ctx context.Context, f model.UsageFilter) ([]model.UsageEvent, error) {
	where, args := usageWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := "SELECT * FROM usage_events" + where + " ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	var events []model.UsageEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	return events, nil
}

// CountUsage returns the number of usage events matching the filter.
func (s *Store) CountUsage(ctx context.Context, f model.UsageFilter) (int64, error) {
	where, args := usageWhere(f)

	var count int64
	q := "SELECT COUNT(*) FROM usage_events" + where
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(q), args...); err != nil {
		return 0, fmt.Errorf("count usage events: %w", err)
	}
	return count, nil
}

// PruneUsage deletes events older than the cutoff and returns how many
// were removed. Retention policy itself lives with the operator; this is
// just the mechanism.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM usage_events WHERE occurred_at < ?"), before)
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune usage rows affected: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Admins
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	admin.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO admins (email, password_hash, name, is_active, created_at)
		VALUES (:email, :password_hash, :name, :is_active, :created_at)
		RETURNING id`

	id, err := insertReturningID(ctx, s.db, q, admin)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	admin.ID = id
	return nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	q := s.db.Rebind("SELECT * FROM admins WHERE email = ?")
	if err := s.db.GetContext(ctx, &admin, q, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by email: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists, for
// first-run detection.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin sets the last_login_at timestamp for an admin.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	q := s.db.Rebind("UPDATE admins SET last_login_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin last login rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
