package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"obvv-backend/models"
)

const ledgerFileSuffix = "_ledger.json"

// JSONStore keeps one JSON file per booth ledger in basePath. Every write
// rewrites the whole file through a temporary file and a rename.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
	records  map[string]*models.LedgerRecord // ledgers written through this store
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &JSONStore{
		basePath: basePath,
		records:  make(map[string]*models.LedgerRecord),
	}, nil
}

func (s *JSONStore) path(boothID string) string {
	return filepath.Join(s.basePath, boothID+ledgerFileSuffix)
}

func (s *JSONStore) Init(ctx context.Context, header models.LedgerHeader, genesis models.BallotEntry) error {
	if err := ValidateBoothID(header.BoothID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(header.BoothID)); err == nil {
		return fmt.Errorf("%w: %s", ErrBoothExists, header.BoothID)
	}

	record := &models.LedgerRecord{
		Header:  header,
		Entries: []models.BallotEntry{genesis},
	}
	if err := s.saveRecordToFile(record); err != nil {
		return writeFailed(header.BoothID, err)
	}
	s.records[header.BoothID] = record
	return nil
}

func (s *JSONStore) Append(ctx context.Context, boothID string, entry models.BallotEntry) error {
	if err := ctx.Err(); err != nil {
		return writeFailed(boothID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.cached(boothID)
	if err != nil {
		return writeFailed(boothID, err)
	}
	if record.Header.Closed() {
		return writeFailed(boothID, errors.New("ledger is closed"))
	}

	record.Entries = append(record.Entries, entry)
	if err := s.saveRecordToFile(record); err != nil {
		// keep memory in step with disk
		record.Entries = record.Entries[:len(record.Entries)-1]
		return writeFailed(boothID, err)
	}
	return nil
}

func (s *JSONStore) Finalize(ctx context.Context, header models.LedgerHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.cached(header.BoothID)
	if err != nil {
		return writeFailed(header.BoothID, err)
	}

	previous := record.Header
	record.Header = header
	if err := s.saveRecordToFile(record); err != nil {
		record.Header = previous
		return writeFailed(header.BoothID, err)
	}
	return nil
}

// Load always reads the file so that ledgers copied in from booths are seen.
func (s *JSONStore) Load(ctx context.Context, boothID string) (*models.LedgerRecord, error) {
	if err := ValidateBoothID(boothID); err != nil {
		return nil, unreadable(boothID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, unreadable(boothID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.loadRecordFromFile(boothID)
	if err != nil {
		return nil, unreadable(boothID, err)
	}
	return record, nil
}

func (s *JSONStore) ListBooths(ctx context.Context) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.basePath, "*"+ledgerFileSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}

	booths := make([]string, 0, len(files))
	for _, file := range files {
		id := strings.TrimSuffix(filepath.Base(file), ledgerFileSuffix)
		if ValidateBoothID(id) == nil {
			booths = append(booths, id)
		}
	}
	sort.Strings(booths)
	return booths, nil
}

func (s *JSONStore) Close() error {
	return nil
}

// cached returns the in-memory record, loading it from disk on first use.
func (s *JSONStore) cached(boothID string) (*models.LedgerRecord, error) {
	if record, ok := s.records[boothID]; ok {
		return record, nil
	}
	record, err := s.loadRecordFromFile(boothID)
	if err != nil {
		return nil, err
	}
	s.records[boothID] = record
	return record, nil
}

func (s *JSONStore) loadRecordFromFile(boothID string) (*models.LedgerRecord, error) {
	data, err := os.ReadFile(s.path(boothID))
	if err != nil {
		return nil, err
	}

	var record models.LedgerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	if record.Header.BoothID != boothID {
		return nil, fmt.Errorf("file holds ledger of booth %q", record.Header.BoothID)
	}
	return &record, nil
}

func (s *JSONStore) saveRecordToFile(record *models.LedgerRecord) error {
	path := s.path(record.Header.BoothID)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save ledger file: %w", err)
	}

	return nil
}
