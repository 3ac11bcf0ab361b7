package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"obvv-backend/blockchain/ledger"
	"obvv-backend/models"
	"obvv-backend/storage"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 1, hh, mm, 0, 0, time.UTC)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore is an in-memory LedgerStore with switchable failures.
type memStore struct {
	mu         sync.Mutex
	records    map[string]*models.LedgerRecord
	failAppend error
	failLoad   map[string]error
	loadDelay  map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		records:   make(map[string]*models.LedgerRecord),
		failLoad:  make(map[string]error),
		loadDelay: make(map[string]time.Duration),
	}
}

func (m *memStore) Init(ctx context.Context, header models.LedgerHeader, genesis models.BallotEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[header.BoothID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrBoothExists, header.BoothID)
	}
	m.records[header.BoothID] = &models.LedgerRecord{Header: header, Entries: []models.BallotEntry{genesis}}
	return nil
}

func (m *memStore) Append(ctx context.Context, boothID string, entry models.BallotEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return fmt.Errorf("%w: %v", storage.ErrStoreWrite, m.failAppend)
	}
	rec, ok := m.records[boothID]
	if !ok {
		return fmt.Errorf("%w: no booth %s", storage.ErrStoreWrite, boothID)
	}
	rec.Entries = append(rec.Entries, entry)
	return nil
}

func (m *memStore) Finalize(ctx context.Context, header models.LedgerHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[header.BoothID]
	if !ok {
		return fmt.Errorf("%w: no booth %s", storage.ErrStoreWrite, header.BoothID)
	}
	rec.Header = header
	return nil
}

func (m *memStore) Load(ctx context.Context, boothID string) (*models.LedgerRecord, error) {
	m.mu.Lock()
	delay := m.loadDelay[boothID]
	failure := m.failLoad[boothID]
	rec, ok := m.records[boothID]
	var cp models.LedgerRecord
	if ok {
		cp.Header = rec.Header
		cp.Entries = append([]models.BallotEntry(nil), rec.Entries...)
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failure != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrBoothUnreadable, failure)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no booth %s", storage.ErrBoothUnreadable, boothID)
	}
	return &cp, nil
}

func (m *memStore) ListBooths(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) Close() error {
	return nil
}

// tamper edits a stored entry in place.
func (m *memStore) tamper(boothID string, fn func(entries []models.BallotEntry) []models.BallotEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[boothID]
	rec.Entries = fn(rec.Entries)
}

// relabel rewrites a stored header in place.
func (m *memStore) relabel(boothID string, fn func(h *models.LedgerHeader)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.records[boothID].Header)
}

// tok returns the well-formed voter token standing in for name.
func tok(name string) models.VoterToken {
	sum := sha256.Sum256([]byte(name))
	return models.VoterToken(hex.EncodeToString(sum[:]))
}

type vote struct {
	name string
	at   time.Time
}

// seedBooth writes a closed ledger holding votes to store.
func seedBooth(t *testing.T, store storage.LedgerStore, boothID string, mode models.IntegrityMode, votes ...vote) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()

	l, err := ledger.New(boothID, ledger.Options{Mode: mode, Now: func() time.Time { return at(7, 0) }})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx, l.Header(), l.Head()))
	for _, v := range votes {
		_, err := l.AppendWith(tok(v.name), v.at, func(e models.BallotEntry) error {
			return store.Append(ctx, boothID, e)
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Finalize(ctx, l.Close()))
	return l
}

// recordingSink keeps every duplicate it receives and can be told to fail.
type recordingSink struct {
	mu   sync.Mutex
	runs map[string][]models.DuplicateVote
	fail bool
}

func (s *recordingSink) RecordDuplicate(ctx context.Context, runID string, dup models.DuplicateVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("%w: %v", storage.ErrAuditWrite, errors.New("sink offline"))
	}
	if s.runs == nil {
		s.runs = make(map[string][]models.DuplicateVote)
	}
	s.runs[runID] = append(s.runs[runID], dup)
	return nil
}
