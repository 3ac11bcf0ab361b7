package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"obvv-backend/models"
)

// SQLStore keeps booth ledgers in the booth and booth_ledger tables of a
// sqlite or postgres database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore opens dsn and returns a store that owns the connection.
func OpenSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := OpenDB(dialect, dsn)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db, dialect), nil
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Init(ctx context.Context, header models.LedgerHeader, genesis models.BallotEntry) error {
	if err := ValidateBoothID(header.BoothID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeFailed(header.BoothID, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM booth WHERE booth_id = ?`), header.BoothID).Scan(&exists)
	if err != nil {
		return writeFailed(header.BoothID, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrBoothExists, header.BoothID)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO booth (booth_id, mode, algorithm, created_at)
		VALUES (?, ?, ?, ?)`),
		header.BoothID, string(header.Mode), string(header.Algorithm), formatTime(header.CreatedAt))
	if err != nil {
		return writeFailed(header.BoothID, err)
	}
	if err := s.insertEntry(ctx, tx, header.BoothID, genesis); err != nil {
		return writeFailed(header.BoothID, err)
	}

	if err := tx.Commit(); err != nil {
		return writeFailed(header.BoothID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertEntry(ctx context.Context, ex execer, boothID string, e models.BallotEntry) error {
	_, err := ex.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO booth_ledger (booth_id, sequence_index, scanned_at, voter_token, previous_digest, digest)
		VALUES (?, ?, ?, ?, ?, ?)`),
		boothID, int64(e.SequenceIndex), formatTime(e.Timestamp), string(e.VoterToken), e.PreviousDigest, e.Digest)
	return err
}

func (s *SQLStore) Append(ctx context.Context, boothID string, entry models.BallotEntry) error {
	var closedAt sql.NullString
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT closed_at FROM booth WHERE booth_id = ?`), boothID).Scan(&closedAt)
	if err != nil {
		return writeFailed(boothID, err)
	}
	if closedAt.Valid {
		return writeFailed(boothID, errors.New("ledger is closed"))
	}

	if err := s.insertEntry(ctx, s.db, boothID, entry); err != nil {
		return writeFailed(boothID, err)
	}
	return nil
}

func (s *SQLStore) Finalize(ctx context.Context, header models.LedgerHeader) error {
	var closedAt, seal sql.NullString
	if header.ClosedAt != nil {
		closedAt = sql.NullString{String: formatTime(*header.ClosedAt), Valid: true}
	}
	if header.Seal != nil {
		data, err := json.Marshal(header.Seal)
		if err != nil {
			return writeFailed(header.BoothID, err)
		}
		seal = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE booth SET closed_at = ?, seal = ? WHERE booth_id = ?`),
		closedAt, seal, header.BoothID)
	if err != nil {
		return writeFailed(header.BoothID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return writeFailed(header.BoothID, errors.New("no such booth"))
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, boothID string) (*models.LedgerRecord, error) {
	var (
		record             models.LedgerRecord
		mode, alg, created string
		closedAt, sealJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT booth_id, mode, algorithm, created_at, closed_at, seal
		FROM booth WHERE booth_id = ?`), boothID).
		Scan(&record.Header.BoothID, &mode, &alg, &created, &closedAt, &sealJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, unreadable(boothID, errors.New("no such booth"))
	}
	if err != nil {
		return nil, unreadable(boothID, err)
	}

	record.Header.Mode = models.IntegrityMode(mode)
	record.Header.Algorithm = models.DigestAlgorithm(alg)
	if record.Header.CreatedAt, err = parseTime(created); err != nil {
		return nil, unreadable(boothID, err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, unreadable(boothID, err)
		}
		record.Header.ClosedAt = &t
	}
	if sealJSON.Valid {
		var seal models.Seal
		if err := json.Unmarshal([]byte(sealJSON.String), &seal); err != nil {
			return nil, unreadable(boothID, fmt.Errorf("bad seal: %w", err))
		}
		record.Header.Seal = &seal
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT sequence_index, scanned_at, voter_token, previous_digest, digest
		FROM booth_ledger WHERE booth_id = ?
		ORDER BY sequence_index`), boothID)
	if err != nil {
		return nil, unreadable(boothID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e   models.BallotEntry
			seq int64
			ts  string
			tok string
		)
		if err := rows.Scan(&seq, &ts, &tok, &e.PreviousDigest, &e.Digest); err != nil {
			return nil, unreadable(boothID, err)
		}
		if seq < 0 {
			return nil, unreadable(boothID, fmt.Errorf("negative sequence index %d", seq))
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, unreadable(boothID, err)
		}
		e.SequenceIndex = uint64(seq)
		e.VoterToken = models.VoterToken(tok)
		record.Entries = append(record.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unreadable(boothID, err)
	}

	return &record, nil
}

func (s *SQLStore) ListBooths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT booth_id FROM booth ORDER BY booth_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list booths: %w", err)
	}
	defer rows.Close()

	var booths []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to list booths: %w", err)
		}
		booths = append(booths, id)
	}
	return booths, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
