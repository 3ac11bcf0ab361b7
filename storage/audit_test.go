package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obvv-backend/models"
)

func sampleDuplicate(booth string, seq uint64) models.DuplicateVote {
	return models.DuplicateVote{
		VoterToken:    "tokx",
		BoothID:       booth,
		SequenceIndex: seq,
		Timestamp:     t0,
	}
}

func TestJSONLAuditSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLAuditSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.RecordDuplicate(ctx, "run-1", sampleDuplicate("B1", 2)))
	require.NoError(t, sink.RecordDuplicate(ctx, "run-1", sampleDuplicate("B2", 5)))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []AuditRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec AuditRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, sc.Err())
	require.Len(t, records, 2)
	assert.Equal(t, "run-1", records[0].RunID)
	assert.Equal(t, "B2", records[1].BoothID)
	assert.Equal(t, uint64(5), records[1].SequenceIndex)
	assert.NotEqual(t, records[0].ID, records[1].ID)
}

func TestJSONLAuditSinkCancelled(t *testing.T) {
	sink, err := NewJSONLAuditSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.RecordDuplicate(ctx, "run-1", sampleDuplicate("B1", 2))
	assert.ErrorIs(t, err, ErrAuditWrite)
}

func TestSQLAuditSink(t *testing.T) {
	db, err := OpenDB(DialectSQLite, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	sink := NewSQLAuditSink(db, DialectSQLite)
	ctx := context.Background()
	require.NoError(t, sink.RecordDuplicate(ctx, "run-1", sampleDuplicate("B2", 5)))
	require.NoError(t, sink.RecordDuplicate(ctx, "run-1", sampleDuplicate("B1", 2)))
	require.NoError(t, sink.RecordDuplicate(ctx, "run-2", sampleDuplicate("B1", 9)))

	records, err := sink.Records(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "B1", records[0].BoothID)
	assert.Equal(t, "B2", records[1].BoothID)
	assert.True(t, records[0].Timestamp.Equal(t0))
}

type failingSink struct{}

func (failingSink) RecordDuplicate(context.Context, string, models.DuplicateVote) error {
	return errors.New("disk full")
}

type countingSink struct{ n int }

func (c *countingSink) RecordDuplicate(context.Context, string, models.DuplicateVote) error {
	c.n++
	return nil
}

func TestMultiAuditSinkReachesEverySink(t *testing.T) {
	counter := &countingSink{}
	multi := MultiAuditSink{failingSink{}, counter}

	err := multi.RecordDuplicate(context.Background(), "run-1", sampleDuplicate("B1", 1))
	assert.Error(t, err)
	assert.Equal(t, 1, counter.n)
}
