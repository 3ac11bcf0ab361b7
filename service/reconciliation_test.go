package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obvv-backend/encryption"
	"obvv-backend/models"
	"obvv-backend/registry"
)

func newReconciler(t *testing.T, cfg ReconcileConfig, deps ReconcilerDeps) *Reconciler {
	t.Helper()
	r, err := NewReconciler(cfg, deps)
	require.NoError(t, err)
	return r
}

func exampleStore(t *testing.T) *memStore {
	store := newMemStore()
	seedBooth(t, store, "A", models.ModeChained, vote{"X", at(10, 0)}, vote{"Y", at(10, 5)})
	seedBooth(t, store, "B", models.ModeChained, vote{"X", at(10, 2)}, vote{"Z", at(10, 10)})
	return store
}

func TestReconcileExample(t *testing.T) {
	store := exampleStore(t)
	sink := &recordingSink{}
	metrics := NewMetricsCollector()
	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store, Audit: sink, Metrics: metrics})

	report, err := r.Reconcile(context.Background(), []string{"B", "A"})
	require.NoError(t, err)

	assert.Equal(t, models.Counters{TotalVotes: 4, ValidVotes: 3, DuplicateVotes: 1}, report.Counters)
	assert.Equal(t, []string{"A", "B"}, report.BoothsIncluded)
	assert.Empty(t, report.BoothsExcluded)
	assert.Empty(t, report.IntegrityFailures)

	require.Len(t, report.ValidVotes, 3)
	assert.Equal(t, models.ValidVote{VoterToken: tok("X"), BoothID: "A", SequenceIndex: 1, Timestamp: at(10, 0)}, report.ValidVotes[0])
	assert.Equal(t, tok("Y"), report.ValidVotes[1].VoterToken)
	assert.Equal(t, tok("Z"), report.ValidVotes[2].VoterToken)
	assert.Equal(t, "B", report.ValidVotes[2].BoothID)

	require.Len(t, report.DuplicateVotes, 1)
	assert.Equal(t, models.DuplicateVote{VoterToken: tok("X"), BoothID: "B", SequenceIndex: 1, Timestamp: at(10, 2)}, report.DuplicateVotes[0])

	assert.Equal(t, report.DuplicateVotes, sink.runs[report.RunID])
	assert.NotEmpty(t, report.RunID)

	m := metrics.GetMetrics()
	assert.Equal(t, 1, m.Reconciliation.Count)
	assert.Equal(t, report.Counters, m.Reconciliation.LastCounters)
}

func TestReconcileIsDeterministic(t *testing.T) {
	store := exampleStore(t)
	seedBooth(t, store, "C", models.ModeOrderOnly, vote{"Y", at(10, 5)}, vote{"W", at(9, 59)}, vote{"X", at(10, 0)})
	reg, err := registry.New(
		registry.Booth{BoothID: "A", IsActive: true},
		registry.Booth{BoothID: "B", IsActive: true},
		registry.Booth{BoothID: "C", IsActive: true, Mode: models.ModeOrderOnly},
	)
	require.NoError(t, err)
	r := newReconciler(t, ReconcileConfig{Workers: 3}, ReconcilerDeps{Store: store, Registry: reg})

	encode := func(rep *models.Report) string {
		data, err := json.Marshal(struct {
			Valid    []models.ValidVote
			Dups     []models.DuplicateVote
			Counters models.Counters
		}{rep.ValidVotes, rep.DuplicateVotes, rep.Counters})
		require.NoError(t, err)
		return string(data)
	}

	first, err := r.Reconcile(context.Background(), []string{"A", "B", "C"})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, first.BoothsIncluded)
	for i := 0; i < 5; i++ {
		again, err := r.Reconcile(context.Background(), []string{"C", "A", "B"})
		require.NoError(t, err)
		assert.Equal(t, encode(first), encode(again))
		assert.NotEqual(t, first.RunID, again.RunID)
	}
}

func TestReconcileTaintedLedgerIsExcluded(t *testing.T) {
	store := exampleStore(t)
	seedBooth(t, store, "T", models.ModeChained,
		vote{"P", at(9, 0)}, vote{"Q", at(9, 1)}, vote{"R", at(9, 2)}, vote{"S", at(9, 3)}, vote{"X", at(9, 4)})
	store.tamper("T", func(entries []models.BallotEntry) []models.BallotEntry {
		entries[2].Digest = strings.Repeat("f", len(entries[2].Digest))
		return entries
	})

	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store})
	report, err := r.Reconcile(context.Background(), []string{"A", "B", "T"})
	require.NoError(t, err)

	// none of T's five votes count, including its early vote for X
	assert.Equal(t, models.Counters{TotalVotes: 4, ValidVotes: 3, DuplicateVotes: 1}, report.Counters)
	assert.Equal(t, []string{"A", "B"}, report.BoothsIncluded)
	require.Len(t, report.BoothsExcluded, 1)
	assert.Equal(t, models.BoothExclusion{BoothID: "T", Reason: models.ExclusionIntegrity, Detail: report.BoothsExcluded[0].Detail}, report.BoothsExcluded[0])

	require.Len(t, report.IntegrityFailures, 1)
	failure := report.IntegrityFailures[0]
	assert.Equal(t, "T", failure.BoothID)
	assert.Equal(t, uint64(2), failure.SequenceIndex)
	assert.Len(t, failure.Entries, 6)

	for _, v := range report.ValidVotes {
		assert.NotEqual(t, "T", v.BoothID)
	}
}

// relabelExample declares B order_only and moves its vote for X ahead of A's,
// leaving the chained digests in place.
func relabelExample(store *memStore) {
	store.relabel("B", func(h *models.LedgerHeader) { h.Mode = models.ModeOrderOnly })
	store.tamper("B", func(entries []models.BallotEntry) []models.BallotEntry {
		entries[1].Timestamp = at(9, 0)
		return entries
	})
}

func TestReconcileRelabelledLedgerIsExcluded(t *testing.T) {
	assertOnlyA := func(t *testing.T, report *models.Report) {
		t.Helper()
		assert.Equal(t, []string{"A"}, report.BoothsIncluded)
		require.Len(t, report.BoothsExcluded, 1)
		assert.Equal(t, "B", report.BoothsExcluded[0].BoothID)
		assert.Equal(t, models.ExclusionIntegrity, report.BoothsExcluded[0].Reason)
		require.Len(t, report.ValidVotes, 2)
		assert.Equal(t, models.ValidVote{VoterToken: tok("X"), BoothID: "A", SequenceIndex: 1, Timestamp: at(10, 0)}, report.ValidVotes[0])
		assert.Empty(t, report.DuplicateVotes)
	}

	t.Run("mode differs from expected", func(t *testing.T) {
		store := exampleStore(t)
		relabelExample(store)
		r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store})

		report, err := r.Reconcile(context.Background(), []string{"A", "B"})
		require.NoError(t, err)
		assertOnlyA(t, report)
		require.Len(t, report.IntegrityFailures, 1)
		assert.Equal(t, `ledger mode "order_only" differs from expected "chained"`, report.IntegrityFailures[0].Reason)
	})

	t.Run("order-only pinned but entries carry digests", func(t *testing.T) {
		store := exampleStore(t)
		relabelExample(store)
		reg, err := registry.New(
			registry.Booth{BoothID: "A", IsActive: true},
			registry.Booth{BoothID: "B", IsActive: true, Mode: models.ModeOrderOnly},
		)
		require.NoError(t, err)
		r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store, Registry: reg})

		report, err := r.Reconcile(context.Background(), []string{"A", "B"})
		require.NoError(t, err)
		assertOnlyA(t, report)
		require.Len(t, report.IntegrityFailures, 1)
		assert.Equal(t, "order-only entry carries a digest", report.IntegrityFailures[0].Reason)
	})

	t.Run("digests stripped", func(t *testing.T) {
		store := exampleStore(t)
		relabelExample(store)
		store.tamper("B", func(entries []models.BallotEntry) []models.BallotEntry {
			for i := range entries {
				entries[i].PreviousDigest, entries[i].Digest = "", ""
			}
			return entries
		})
		r := newReconciler(t, ReconcileConfig{ExpectedMode: models.ModeChained}, ReconcilerDeps{Store: store})

		report, err := r.Reconcile(context.Background(), []string{"A", "B"})
		require.NoError(t, err)
		assertOnlyA(t, report)
	})
}

func TestReconcileMalformedTokensAreExcluded(t *testing.T) {
	store := exampleStore(t)
	seedBooth(t, store, "C", models.ModeOrderOnly, vote{"W", at(9, 0)})
	store.tamper("C", func(entries []models.BallotEntry) []models.BallotEntry {
		return append(entries,
			models.BallotEntry{SequenceIndex: 2, Timestamp: at(9, 1), VoterToken: ""},
			models.BallotEntry{SequenceIndex: 3, Timestamp: at(9, 2), VoterToken: "not-hex!"},
		)
	})
	r := newReconciler(t, ReconcileConfig{ExpectedMode: models.ModeOrderOnly}, ReconcilerDeps{Store: store})

	check, err := r.VerifyBooth(context.Background(), "C")
	require.NoError(t, err)
	assert.False(t, check.Valid)
	require.NotNil(t, check.SequenceIndex)
	assert.Equal(t, uint64(2), *check.SequenceIndex)
	assert.Equal(t, "malformed voter token", check.Reason)

	report, err := r.Reconcile(context.Background(), []string{"C"})
	require.NoError(t, err)
	assert.Empty(t, report.BoothsIncluded)
	assert.Equal(t, models.Counters{}, report.Counters)
}

func TestNewReconcilerRejectsUnknownMode(t *testing.T) {
	_, err := NewReconciler(ReconcileConfig{ExpectedMode: "merkle"}, ReconcilerDeps{Store: newMemStore()})
	assert.Error(t, err)
}

func TestVerifyBooth(t *testing.T) {
	store := exampleStore(t)
	store.tamper("B", func(entries []models.BallotEntry) []models.BallotEntry {
		entries[2].VoterToken = tok("forged")
		return entries
	})
	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store})

	check, err := r.VerifyBooth(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, check.Valid)
	assert.True(t, check.Closed)
	assert.Equal(t, 3, check.Entries)
	assert.Nil(t, check.SequenceIndex)

	check, err = r.VerifyBooth(context.Background(), "B")
	require.NoError(t, err)
	assert.False(t, check.Valid)
	require.NotNil(t, check.SequenceIndex)
	assert.Equal(t, uint64(2), *check.SequenceIndex)
	assert.NotEmpty(t, check.Reason)

	_, err = r.VerifyBooth(context.Background(), "missing")
	assert.Error(t, err)
}

func TestReconcileSkipValidationTrustsLedgers(t *testing.T) {
	store := exampleStore(t)
	store.tamper("B", func(entries []models.BallotEntry) []models.BallotEntry {
		entries[1].VoterToken = tok("forged")
		return entries
	})

	r := newReconciler(t, ReconcileConfig{SkipValidation: true}, ReconcilerDeps{Store: store})
	report, err := r.Reconcile(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Empty(t, report.IntegrityFailures)
	assert.Equal(t, 4, report.Counters.ValidVotes)
}

func TestReconcileUnreadableBoothDoesNotAbort(t *testing.T) {
	store := exampleStore(t)
	seedBooth(t, store, "C", models.ModeChained, vote{"X", at(9, 0)})
	store.failLoad["C"] = errors.New("disk unplugged")

	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store})
	report, err := r.Reconcile(context.Background(), []string{"A", "B", "C", "missing"})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, report.BoothsIncluded)
	require.Len(t, report.BoothsExcluded, 2)
	assert.Equal(t, "C", report.BoothsExcluded[0].BoothID)
	assert.Equal(t, models.ExclusionUnreadable, report.BoothsExcluded[0].Reason)
	assert.Contains(t, report.BoothsExcluded[0].Detail, "disk unplugged")
	assert.Equal(t, "missing", report.BoothsExcluded[1].BoothID)
	assert.Equal(t, 3, report.Counters.ValidVotes)
}

func TestReconcileSlowBoothTimesOut(t *testing.T) {
	store := exampleStore(t)
	store.loadDelay["B"] = time.Second

	r := newReconciler(t, ReconcileConfig{LoadTimeout: 50 * time.Millisecond}, ReconcilerDeps{Store: store})
	start := time.Now()
	report, err := r.Reconcile(context.Background(), []string{"A", "B"})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, []string{"A"}, report.BoothsIncluded)
	require.Len(t, report.BoothsExcluded, 1)
	assert.Equal(t, models.ExclusionUnreadable, report.BoothsExcluded[0].Reason)
	assert.Equal(t, models.Counters{TotalVotes: 2, ValidVotes: 2}, report.Counters)
}

func TestReconcileEmptyInput(t *testing.T) {
	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: newMemStore()})

	report, err := r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.Counters{}, report.Counters)
	assert.Empty(t, report.BoothsIncluded)
	assert.Empty(t, report.ValidVotes)
	assert.NotEmpty(t, report.RunID)
}

func TestReconcileAuditFailuresAreCollected(t *testing.T) {
	store := exampleStore(t)
	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store, Audit: &recordingSink{fail: true}})

	report, err := r.Reconcile(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	require.Len(t, report.AuditFailures, 1)
	assert.Equal(t, "B", report.AuditFailures[0].BoothID)
	assert.Contains(t, report.AuditFailures[0].Error, "sink offline")
	assert.Equal(t, 1, report.Counters.DuplicateVotes)
}

func TestReconcileRegistry(t *testing.T) {
	store := exampleStore(t)
	seedBooth(t, store, "rogue", models.ModeChained, vote{"X", at(9, 0)})
	seedBooth(t, store, "retired", models.ModeChained, vote{"Y", at(9, 0)})

	reg, err := registry.New(
		registry.Booth{BoothID: "A", IsActive: true},
		registry.Booth{BoothID: "B", IsActive: true},
		registry.Booth{BoothID: "retired", IsActive: false},
		registry.Booth{BoothID: "lost", IsActive: true},
	)
	require.NoError(t, err)

	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store, Registry: reg})
	report, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, report.BoothsIncluded)
	reasons := map[string]models.ExclusionReason{}
	for _, ex := range report.BoothsExcluded {
		reasons[ex.BoothID] = ex.Reason
	}
	assert.Equal(t, map[string]models.ExclusionReason{
		"lost":    models.ExclusionUnreadable,
		"retired": models.ExclusionUnregistered,
		"rogue":   models.ExclusionUnregistered,
	}, reasons)
	assert.Equal(t, models.Counters{TotalVotes: 4, ValidVotes: 3, DuplicateVotes: 1}, report.Counters)
}

func sealedBooth(t *testing.T, store *memStore, boothID string, sealer *encryption.Sealer, votes ...vote) {
	t.Helper()
	l := seedBooth(t, store, boothID, models.ModeChained, votes...)
	idx, digest, err := l.SealDigest()
	require.NoError(t, err)
	seal, err := sealer.Seal(boothID, idx, digest, at(18, 0))
	require.NoError(t, err)
	require.NoError(t, l.SetSeal(seal))
	require.NoError(t, store.Finalize(context.Background(), l.Header()))
}

func TestReconcileSeals(t *testing.T) {
	keyA, err := encryption.GenerateSealer()
	require.NoError(t, err)
	keyB, err := encryption.GenerateSealer()
	require.NoError(t, err)

	setup := func(t *testing.T) (*memStore, *registry.BoothRegistry) {
		store := newMemStore()
		sealedBooth(t, store, "A", keyA, vote{"X", at(10, 0)}, vote{"Y", at(10, 5)})
		sealedBooth(t, store, "B", keyB, vote{"X", at(10, 2)})
		reg, err := registry.New(
			registry.Booth{BoothID: "A", PublicKey: keyA.PublicKey(), IsActive: true},
			registry.Booth{BoothID: "B", PublicKey: keyB.PublicKey(), IsActive: true},
			registry.Booth{BoothID: "C", IsActive: true},
		)
		require.NoError(t, err)
		return store, reg
	}

	t.Run("valid seals", func(t *testing.T) {
		store, reg := setup(t)
		r := newReconciler(t, ReconcileConfig{RequireSeals: true}, ReconcilerDeps{Store: store, Registry: reg})
		report, err := r.Reconcile(context.Background(), []string{"A", "B"})
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, report.BoothsIncluded)
	})

	t.Run("truncated ledger", func(t *testing.T) {
		store, reg := setup(t)
		store.tamper("A", func(entries []models.BallotEntry) []models.BallotEntry {
			return entries[:len(entries)-1]
		})
		r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store, Registry: reg})
		report, err := r.Reconcile(context.Background(), []string{"A", "B"})
		require.NoError(t, err)
		assert.Equal(t, []string{"B"}, report.BoothsIncluded)
		require.Len(t, report.IntegrityFailures, 1)
		assert.Contains(t, report.IntegrityFailures[0].Reason, "seal covers entry 2")
	})

	t.Run("sealed with another booth key", func(t *testing.T) {
		store := newMemStore()
		sealedBooth(t, store, "A", keyB, vote{"X", at(10, 0)})
		_, reg := setup(t)
		r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store, Registry: reg})
		report, err := r.Reconcile(context.Background(), []string{"A"})
		require.NoError(t, err)
		assert.Empty(t, report.BoothsIncluded)
		require.Len(t, report.IntegrityFailures, 1)
		assert.Contains(t, report.IntegrityFailures[0].Reason, "unregistered key")
	})

	t.Run("no registered key when required", func(t *testing.T) {
		store, reg := setup(t)
		sealedBooth(t, store, "C", keyA, vote{"Z", at(10, 0)})

		r := newReconciler(t, ReconcileConfig{RequireSeals: true}, ReconcilerDeps{Store: store, Registry: reg})
		report, err := r.Reconcile(context.Background(), []string{"A", "C"})
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, report.BoothsIncluded)
		require.Len(t, report.IntegrityFailures, 1)
		assert.Equal(t, "C", report.IntegrityFailures[0].BoothID)
		assert.Equal(t, "no registered seal key", report.IntegrityFailures[0].Reason)

		noRegistry := newReconciler(t, ReconcileConfig{RequireSeals: true}, ReconcilerDeps{Store: store})
		report, err = noRegistry.Reconcile(context.Background(), []string{"A", "C"})
		require.NoError(t, err)
		assert.Empty(t, report.BoothsIncluded)
		assert.Len(t, report.IntegrityFailures, 2)

		// without RequireSeals an unregistered seal is only checked for its signature
		lenient := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store})
		report, err = lenient.Reconcile(context.Background(), []string{"A", "C"})
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "C"}, report.BoothsIncluded)
	})

	t.Run("missing seal when required", func(t *testing.T) {
		store, reg := setup(t)
		seedBooth(t, store, "C", models.ModeChained, vote{"Z", at(10, 0)})
		r := newReconciler(t, ReconcileConfig{RequireSeals: true}, ReconcilerDeps{Store: store, Registry: reg})
		report, err := r.Reconcile(context.Background(), []string{"A", "B", "C"})
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, report.BoothsIncluded)
		require.Len(t, report.IntegrityFailures, 1)
		assert.Equal(t, "C", report.IntegrityFailures[0].BoothID)
		assert.Equal(t, "ledger carries no seal", report.IntegrityFailures[0].Reason)
	})
}

func TestReconcileCancelled(t *testing.T) {
	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: exampleStore(t)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reconcile(ctx, []string{"A", "B"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummary(t *testing.T) {
	store := exampleStore(t)
	store.failLoad["B"] = errors.New("gone")
	r := newReconciler(t, ReconcileConfig{}, ReconcilerDeps{Store: store})
	report, err := r.Reconcile(context.Background(), []string{"A", "B"})
	require.NoError(t, err)

	text := Summary(report)
	assert.Contains(t, text, "Booths: 1 booth included, 1 booth excluded")
	assert.Contains(t, text, "  - B: unreadable")
	assert.Contains(t, text, "Votes: 2 total, 2 valid, 0 duplicate")
}

func TestSummaryLargeCounts(t *testing.T) {
	text := Summary(&models.Report{
		RunID:       "r1",
		GeneratedAt: t0,
		Counters:    models.Counters{TotalVotes: 1234567, ValidVotes: 1200000, DuplicateVotes: 34567},
	})
	assert.Contains(t, text, "1,234,567 total, 1,200,000 valid, 34,567 duplicate")
	assert.Contains(t, text, "0 booths included")
}
