package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the database/sql driver and its placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case DialectSQLite, "sqlite3", "":
		return DialectSQLite, nil
	case DialectPostgres, "postgresql":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unknown sql dialect %q", s)
}

// OpenDB opens and pings a database and creates the schema.
func OpenDB(dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", dialect, err)
	}
	if err := CreateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// CreateSchema creates all tables used by the sql ledger store and audit sink.
// Safe to call multiple times - uses IF NOT EXISTS.
func CreateSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Timestamps are stored as RFC 3339 text so that both drivers round-trip
// them to the nanosecond, which the entry digests depend on.
const schema = `
-- Booths
CREATE TABLE IF NOT EXISTS booth (
    booth_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL CHECK (mode IN ('chained', 'order_only')),
    algorithm TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    closed_at TEXT,
    seal TEXT
);

-- Ledger entries, genesis included
CREATE TABLE IF NOT EXISTS booth_ledger (
    booth_id TEXT NOT NULL REFERENCES booth(booth_id) ON DELETE CASCADE,
    sequence_index BIGINT NOT NULL,
    scanned_at TEXT NOT NULL,
    voter_token TEXT NOT NULL,
    previous_digest TEXT NOT NULL DEFAULT '',
    digest TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (booth_id, sequence_index)
);

CREATE INDEX IF NOT EXISTS idx_booth_ledger_voter_token ON booth_ledger(voter_token);

-- Duplicate attempts found by reconciliation runs
CREATE TABLE IF NOT EXISTS duplicate_audit (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    voter_token TEXT NOT NULL,
    booth_id TEXT NOT NULL,
    sequence_index BIGINT NOT NULL,
    scanned_at TEXT NOT NULL,
    recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_duplicate_audit_run_id ON duplicate_audit(run_id);
`
