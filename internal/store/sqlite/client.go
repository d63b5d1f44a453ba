// Package sqlite implements the ledger stores on an embedded SQLite database
// (pure Go, no cgo). It backs local runs and the service tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    name       TEXT    NOT NULL DEFAULT '',
    balance    INTEGER NOT NULL CHECK (balance >= 0),
    wins       INTEGER NOT NULL DEFAULT 0,
    losses     INTEGER NOT NULL DEFAULT 0,
    is_admin   INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id             TEXT PRIMARY KEY,
    title          TEXT    NOT NULL,
    description    TEXT    NOT NULL DEFAULT '',
    option_a       TEXT    NOT NULL DEFAULT '',
    option_b       TEXT    NOT NULL DEFAULT '',
    stake_unit     INTEGER NOT NULL CHECK (stake_unit > 0),
    pool_a         INTEGER NOT NULL DEFAULT 0 CHECK (pool_a >= 0),
    pool_b         INTEGER NOT NULL DEFAULT 0 CHECK (pool_b >= 0),
    status         TEXT    NOT NULL DEFAULT 'OPEN',
    deadline       INTEGER,
    created_by     TEXT    NOT NULL DEFAULT '',
    winning_side   TEXT,
    result_instant INTEGER,
    resolved_at    INTEGER,
    resolved_by    TEXT,
    winning_pool   INTEGER,
    losing_pool    INTEGER,
    late_refunds   INTEGER,
    residual       INTEGER,
    voided         INTEGER,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_status_deadline ON markets(status, deadline);
CREATE INDEX IF NOT EXISTS idx_markets_resolved_at     ON markets(resolved_at);

CREATE TABLE IF NOT EXISTS positions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT    NOT NULL REFERENCES users(id),
    market_id  TEXT    NOT NULL REFERENCES markets(id),
    side       TEXT    NOT NULL CHECK (side IN ('A', 'B')),
    amount     INTEGER NOT NULL CHECK (amount > 0),
    placed_at  INTEGER NOT NULL,
    status     TEXT    NOT NULL DEFAULT 'VALID',
    payout     INTEGER NOT NULL DEFAULT 0,
    settled_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_positions_market      ON positions(market_id, status);
CREATE INDEX IF NOT EXISTS idx_positions_user_market ON positions(user_id, market_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);
`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Client owns the database handle and implements domain.Ledger.
type Client struct {
	db *sql.DB
}

var _ domain.Ledger = (*Client)(nil)

// Open opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for a throwaway database.
func Open(path string) (*Client, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps ":memory:" alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Client{db: db}, nil
}

func dsn(path string) string {
	params := "_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// DB returns the underlying handle.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database.
func (c *Client) Close() {
	_ = c.db.Close()
}

// Stores returns stores that run each statement on its own.
func (c *Client) Stores() domain.Stores {
	return storesFor(c.db)
}

// InTx runs fn inside a write transaction. The transaction takes the
// database write lock up front, so concurrent InTx calls serialize.
func (c *Client) InTx(ctx context.Context, fn func(domain.Stores) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(storesFor(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func storesFor(q querier) domain.Stores {
	return domain.Stores{
		Users:     &UserStore{q: q},
		Markets:   &MarketStore{q: q},
		Positions: &PositionStore{q: q},
		Audit:     &AuditStore{q: q},
	}
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

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

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// appendPaging appends LIMIT/OFFSET clauses for opts.
func appendPaging(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}
	return query, args
}
