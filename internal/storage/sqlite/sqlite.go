// Package sqlite implements storage.Store on an embedded SQLite database for
// single-node deployments and tests.
//
// Timestamps are stored as Unix microseconds so optimistic-lock comparisons
// on updated_at are exact. The pool is limited to one connection, which
// serializes writers the way SQLite would anyway.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/ironpanel/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	project_id TEXT,
	name TEXT NOT NULL,
	allowed_providers TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id, project_id);

CREATE TABLE IF NOT EXISTS agent_budgets (
	agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
	total_allocated INTEGER NOT NULL CHECK (total_allocated >= 0),
	total_spent INTEGER NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
	reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	budget_remaining INTEGER NOT NULL CHECK (budget_remaining >= 0),
	version INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL,
	CHECK (budget_remaining = total_allocated - total_spent - reserved)
);

CREATE TABLE IF NOT EXISTS provider_keys (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	project_id TEXT,
	label TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_provider_keys (
	agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	provider_key_id TEXT NOT NULL REFERENCES provider_keys(id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (agent_id, provider, provider_key_id)
);

CREATE TABLE IF NOT EXISTS budget_leases (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	budget_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	provider_key_id TEXT REFERENCES provider_keys(id) ON DELETE SET NULL,
	reserved_amount INTEGER NOT NULL CHECK (reserved_amount >= 0),
	spent_amount INTEGER NOT NULL DEFAULT 0 CHECK (spent_amount >= 0 AND spent_amount <= reserved_amount),
	reported_cost INTEGER,
	state TEXT NOT NULL CHECK (state IN ('active', 'settled', 'expired')),
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	settled_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_budget_leases_expiry ON budget_leases(state, expires_at);

CREATE TABLE IF NOT EXISTS budget_change_requests (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	requester_id TEXT NOT NULL,
	current_budget INTEGER NOT NULL,
	requested_budget INTEGER NOT NULL CHECK (requested_budget >= 0),
	justification TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'cancelled')),
	reviewer_id TEXT,
	review_note TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_change_requests_agent ON budget_change_requests(agent_id, created_at);

CREATE TABLE IF NOT EXISTS budget_modification_history (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	modification_type TEXT NOT NULL CHECK (modification_type IN ('increase', 'decrease', 'reset')),
	old_budget INTEGER NOT NULL,
	new_budget INTEGER NOT NULL,
	change_amount INTEGER NOT NULL,
	modifier_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	related_request_id TEXT REFERENCES budget_change_requests(id) ON DELETE SET NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_history_agent ON budget_modification_history(agent_id, created_at);
`

// Store implements storage.Store with SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" only with care: each connection would get its own
// database, which the single-connection pool avoids.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	logger.Debug("sqlite: store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin %s tx: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit %s tx: %w", op, err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
