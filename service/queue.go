package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"obvv-backend/logger"
	"obvv-backend/models"
	"obvv-backend/storage"
)

const DefaultLoadWorkers = 4

// LoadResult is the outcome of loading one booth ledger.
type LoadResult struct {
	BoothID  string
	Record   *models.LedgerRecord
	Err      error
	Duration time.Duration
}

// BoothLoader loads booth ledgers with a fixed pool of workers. Each load
// gets its own timeout so one slow store cannot hold up the whole run.
type BoothLoader struct {
	store   storage.LedgerStore
	workers int
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewBoothLoader(store storage.LedgerStore, workers int, timeout time.Duration, log *zap.SugaredLogger) *BoothLoader {
	if workers <= 0 {
		workers = DefaultLoadWorkers
	}
	return &BoothLoader{
		store:   store,
		workers: workers,
		timeout: timeout,
		log:     logger.Or(log),
	}
}

// LoadAll returns one result per booth id, in input order.
func (bl *BoothLoader) LoadAll(ctx context.Context, boothIDs []string) []LoadResult {
	results := make([]LoadResult, len(boothIDs))
	if len(boothIDs) == 0 {
		return results
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := bl.workers
	if workers > len(boothIDs) {
		workers = len(boothIDs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = bl.load(ctx, boothIDs[i])
			}
		}()
	}

	for i := range boothIDs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (bl *BoothLoader) load(ctx context.Context, boothID string) LoadResult {
	start := time.Now()
	res := LoadResult{BoothID: boothID}

	if bl.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bl.timeout)
		defer cancel()
	}

	type loaded struct {
		record *models.LedgerRecord
		err    error
	}
	done := make(chan loaded, 1)
	go func() {
		record, err := bl.store.Load(ctx, boothID)
		done <- loaded{record, err}
	}()

	select {
	case l := <-done:
		res.Record, res.Err = l.record, l.err
	case <-ctx.Done():
		res.Err = fmt.Errorf("%w: booth %s: %w", storage.ErrBoothUnreadable, boothID, ctx.Err())
	}

	res.Duration = time.Since(start)
	if res.Err != nil {
		bl.log.Warnw("booth ledger load failed", "booth_id", boothID, "error", res.Err, "took", res.Duration)
	} else {
		bl.log.Debugw("booth ledger loaded", "booth_id", boothID, "entries", len(res.Record.Entries), "took", res.Duration)
	}
	return res
}
