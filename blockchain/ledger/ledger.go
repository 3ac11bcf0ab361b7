// File: blockchain/ledger/ledger.go
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"obvv-backend/encryption"
	"obvv-backend/logger"
	"obvv-backend/models"
)

var (
	ErrLedgerClosed   = errors.New("ledger is closed")
	ErrMalformedToken = errors.New("voter token is not a hex pseudonym")
)

type Options struct {
	Mode      models.IntegrityMode
	Algorithm models.DigestAlgorithm
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Ledger is one booth's append-only record of scanned ballots. Appends are
// serialized by mu because every entry depends on the previous digest.
type Ledger struct {
	mu      sync.Mutex
	header  models.LedgerHeader
	entries []models.BallotEntry
	now     func() time.Time
	log     *zap.SugaredLogger
}

// New creates a ledger holding only its genesis entry.
func New(boothID string, opts Options) (*Ledger, error) {
	mode, err := models.ParseIntegrityMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	alg, err := models.ParseDigestAlgorithm(string(opts.Algorithm))
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	created := now()
	l := &Ledger{
		header: models.LedgerHeader{
			BoothID:   boothID,
			Mode:      mode,
			Algorithm: alg,
			CreatedAt: created,
		},
		now: now,
		log: logger.Or(opts.Logger),
	}

	genesis := models.BallotEntry{
		SequenceIndex: 0,
		Timestamp:     created,
		VoterToken:    models.GenesisToken,
	}
	if err := l.chain(&genesis, models.GenesisPreviousDigest); err != nil {
		return nil, err
	}
	l.entries = []models.BallotEntry{genesis}
	return l, nil
}

// Restore wraps persisted entries without checking them; call Validate or
// Verify to find out whether they can be trusted.
func Restore(header models.LedgerHeader, entries []models.BallotEntry) *Ledger {
	cp := make([]models.BallotEntry, len(entries))
	copy(cp, entries)
	if header.Mode == "" {
		header.Mode = models.ModeChained
	}
	if header.Algorithm == "" {
		header.Algorithm = models.DigestSHA256
	}
	return &Ledger{
		header:  header,
		entries: cp,
		now:     time.Now,
		log:     logger.Sugar,
	}
}

// Resume reopens a persisted ledger that is still open, e.g. after a booth
// restart. The entries must verify before further appends are accepted.
func Resume(header models.LedgerHeader, entries []models.BallotEntry, opts Options) (*Ledger, error) {
	if header.Closed() {
		return nil, ErrLedgerClosed
	}
	l := Restore(header, entries)
	if err := l.Verify(); err != nil {
		return nil, fmt.Errorf("cannot resume ledger of booth %s: %w", header.BoothID, err)
	}
	if opts.Now != nil {
		l.now = opts.Now
	}
	l.log = logger.Or(opts.Logger)
	return l, nil
}

// Append records a scan. It does not check whether token was seen before.
func (l *Ledger) Append(token models.VoterToken, ts time.Time) (models.BallotEntry, error) {
	return l.AppendWith(token, ts, nil)
}

// AppendWith builds the next entry and hands it to persist before committing
// it. When persist fails the ledger is left untouched. A zero ts means now.
func (l *Ledger) AppendWith(token models.VoterToken, ts time.Time, persist func(models.BallotEntry) error) (models.BallotEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.header.Closed() {
		return models.BallotEntry{}, ErrLedgerClosed
	}
	if !token.WellFormed() {
		return models.BallotEntry{}, ErrMalformedToken
	}
	if ts.IsZero() {
		ts = l.now()
	}

	last := l.entries[len(l.entries)-1]
	entry := models.BallotEntry{
		SequenceIndex: last.SequenceIndex + 1,
		Timestamp:     ts,
		VoterToken:    token,
	}
	if err := l.chain(&entry, last.Digest); err != nil {
		return models.BallotEntry{}, err
	}

	if persist != nil {
		if err := persist(entry); err != nil {
			return models.BallotEntry{}, err
		}
	}

	l.entries = append(l.entries, entry)
	l.log.Debugw("ballot appended", "booth_id", l.header.BoothID, "sequence_index", entry.SequenceIndex)
	return entry, nil
}

func (l *Ledger) chain(e *models.BallotEntry, prev string) error {
	if l.header.Mode == models.ModeOrderOnly {
		return nil
	}
	e.PreviousDigest = prev
	d, err := encryption.EntryDigest(l.header.Algorithm, e.SequenceIndex, e.Timestamp, e.VoterToken, e.PreviousDigest)
	if err != nil {
		return fmt.Errorf("failed to digest entry %d: %w", e.SequenceIndex, err)
	}
	e.Digest = d
	return nil
}

// Validate reports whether the ledger is intact.
func (l *Ledger) Validate() bool {
	return l.Verify() == nil
}

// Verify walks the chain and returns the first violation found as an
// *IntegrityViolation, or nil.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return verify(l.header, l.entries)
}

// Entries returns a copy of every entry, genesis included, in append order.
func (l *Ledger) Entries() []models.BallotEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := make([]models.BallotEntry, len(l.entries))
	copy(cp, l.entries)
	return cp
}

func (l *Ledger) Head() models.BallotEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[len(l.entries)-1]
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Header() models.LedgerHeader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header
}

func (l *Ledger) BoothID() string {
	return l.Header().BoothID
}

// Close makes the ledger read-only. Closing twice is a no-op.
func (l *Ledger) Close() models.LedgerHeader {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.header.Closed() {
		at := l.now()
		l.header.ClosedAt = &at
	}
	return l.header
}

func (l *Ledger) Closed() bool {
	return l.Header().Closed()
}

// SetSeal attaches a close seal to a closed ledger.
func (l *Ledger) SetSeal(seal models.Seal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.header.Closed() {
		return errors.New("cannot seal an open ledger")
	}
	l.header.Seal = &seal
	return nil
}

// SealDigest is the value a booth signs at close: the head digest of a
// chained ledger, or a digest over the whole sequence in order-only mode.
func (l *Ledger) SealDigest() (uint64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return 0, "", errors.New("empty ledger")
	}
	head := l.entries[len(l.entries)-1]
	if l.header.Mode == models.ModeChained {
		return head.SequenceIndex, head.Digest, nil
	}
	d, err := encryption.SequenceDigest(l.header.Algorithm, l.entries)
	return head.SequenceIndex, d, err
}
