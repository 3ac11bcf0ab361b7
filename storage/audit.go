package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"obvv-backend/models"
)

var ErrAuditWrite = errors.New("audit write failed")

// AuditSink receives every duplicate found by a reconciliation run.
type AuditSink interface {
	RecordDuplicate(ctx context.Context, runID string, dup models.DuplicateVote) error
}

// AuditRecord is one stored duplicate attempt.
type AuditRecord struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	VoterToken    models.VoterToken `json:"voter_token"`
	BoothID       string            `json:"booth_id"`
	SequenceIndex uint64            `json:"sequence_index"`
	Timestamp     time.Time         `json:"timestamp"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

func newAuditRecord(runID string, dup models.DuplicateVote) AuditRecord {
	return AuditRecord{
		ID:            uuid.New().String(),
		RunID:         runID,
		VoterToken:    dup.VoterToken,
		BoothID:       dup.BoothID,
		SequenceIndex: dup.SequenceIndex,
		Timestamp:     dup.Timestamp,
		RecordedAt:    time.Now().UTC(),
	}
}

// JSONLAuditSink appends one JSON object per line to a file.
type JSONLAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

func NewJSONLAuditSink(path string) (*JSONLAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &JSONLAuditSink{file: f}, nil
}

func (s *JSONLAuditSink) RecordDuplicate(ctx context.Context, runID string, dup models.DuplicateVote) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	line, err := json.Marshal(newAuditRecord(runID, dup))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

func (s *JSONLAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// SQLAuditSink writes to the duplicate_audit table.
type SQLAuditSink struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLAuditSink(db *sql.DB, dialect Dialect) *SQLAuditSink {
	return &SQLAuditSink{db: db, dialect: dialect}
}

func (s *SQLAuditSink) RecordDuplicate(ctx context.Context, runID string, dup models.DuplicateVote) error {
	rec := newAuditRecord(runID, dup)
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO duplicate_audit (id, run_id, voter_token, booth_id, sequence_index, scanned_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.RunID, string(rec.VoterToken), rec.BoothID, int64(rec.SequenceIndex),
		formatTime(rec.Timestamp), formatTime(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

// Records returns the stored duplicates of one run ordered by booth and index.
func (s *SQLAuditSink) Records(ctx context.Context, runID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, run_id, voter_token, booth_id, sequence_index, scanned_at, recorded_at
		FROM duplicate_audit WHERE run_id = ?
		ORDER BY booth_id, sequence_index`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec                AuditRecord
			tok, scanned, when string
			seq                int64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &tok, &rec.BoothID, &seq, &scanned, &when); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.VoterToken = models.VoterToken(tok)
		rec.SequenceIndex = uint64(seq)
		if rec.Timestamp, err = parseTime(scanned); err != nil {
			return nil, err
		}
		if rec.RecordedAt, err = parseTime(when); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MultiAuditSink fans a duplicate out to several sinks and joins their errors.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) RecordDuplicate(ctx context.Context, runID string, dup models.DuplicateVote) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordDuplicate(ctx, runID, dup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
