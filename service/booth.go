package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"obvv-backend/anonymizer"
	"obvv-backend/blockchain/ledger"
	"obvv-backend/encryption"
	"obvv-backend/logger"
	"obvv-backend/models"
	"obvv-backend/storage"
)

var (
	ErrBoothNotOpen = errors.New("booth ledger is not open")
	ErrNoDecryptor  = errors.New("booth has no payload decryptor")
)

// PayloadDecryptor turns a raw scanned QR payload into the voter it names.
type PayloadDecryptor interface {
	DecryptAndParse(raw []byte) (*models.VoterPayload, error)
}

type BoothConfig struct {
	BoothID   string
	Mode      models.IntegrityMode
	Algorithm models.DigestAlgorithm
	// SessionDuration of zero keeps the session open until Close.
	SessionDuration time.Duration
	Now             func() time.Time
}

// BoothDeps are the collaborators of a booth. Decryptor, Sealer and Metrics
// are optional.
type BoothDeps struct {
	Store         storage.LedgerStore
	Pseudonymizer *anonymizer.Pseudonymizer
	Decryptor     PayloadDecryptor
	Sealer        *encryption.Sealer
	Metrics       *MetricsCollector
	Logger        *zap.SugaredLogger
}

// BoothStats is a snapshot of a booth's session.
type BoothStats struct {
	BoothID       string               `json:"booth_id"`
	Mode          models.IntegrityMode `json:"mode"`
	Votes         int                  `json:"votes"`
	Accepted      int                  `json:"accepted"`
	Rejected      int                  `json:"rejected"`
	HeadIndex     uint64               `json:"head_index"`
	HeadDigest    string               `json:"head_digest,omitempty"`
	SessionActive bool                 `json:"session_active"`
	Closed        bool                 `json:"closed"`
}

// BoothService runs the voting session of one booth. Every scan goes through
// decrypt, pseudonymize and append+persist under one mutex, so the booth is a
// single sequential writer even when scans arrive concurrently.
type BoothService struct {
	cfg  BoothConfig
	deps BoothDeps
	log  *zap.SugaredLogger

	mu        sync.Mutex
	ledger    *ledger.Ledger
	session   *VotingSession
	accepted  int
	rejected  int
	finalized bool
}

func NewBoothService(cfg BoothConfig, deps BoothDeps) (*BoothService, error) {
	if err := storage.ValidateBoothID(cfg.BoothID); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("booth needs a ledger store")
	}
	if deps.Pseudonymizer == nil {
		deps.Pseudonymizer = anonymizer.New("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BoothService{
		cfg:  cfg,
		deps: deps,
		log:  logger.Or(deps.Logger).With("booth_id", cfg.BoothID),
	}, nil
}

// Open creates the booth ledger, or resumes it when the store already holds
// an open ledger for this booth.
func (s *BoothService) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger != nil {
		return fmt.Errorf("booth %s is already open", s.cfg.BoothID)
	}

	opts := ledger.Options{
		Mode:      s.cfg.Mode,
		Algorithm: s.cfg.Algorithm,
		Now:       s.cfg.Now,
		Logger:    s.log,
	}
	l, err := ledger.New(s.cfg.BoothID, opts)
	if err != nil {
		return err
	}

	err = s.deps.Store.Init(ctx, l.Header(), l.Head())
	switch {
	case err == nil:
		s.log.Infow("booth ledger created", "mode", l.Header().Mode, "algorithm", l.Header().Algorithm)
	case errors.Is(err, storage.ErrBoothExists):
		record, loadErr := s.deps.Store.Load(ctx, s.cfg.BoothID)
		if loadErr != nil {
			return loadErr
		}
		l, err = ledger.Resume(record.Header, record.Entries, opts)
		if err != nil {
			return err
		}
		s.log.Infow("booth ledger resumed", "entries", l.Len(), "head_index", l.Head().SequenceIndex)
	default:
		return err
	}

	s.ledger = l
	s.session = newVotingSession(s.cfg.SessionDuration, s.cfg.Now)
	if s.deps.Metrics != nil {
		s.deps.Metrics.StartVotingPhase()
	}
	return nil
}

// RecordScan decrypts a raw QR payload and records the voter it names. A
// rejected scan records nothing and leaves the session usable.
func (s *BoothService) RecordScan(ctx context.Context, raw []byte) (models.BallotEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if s.deps.Decryptor == nil {
		return models.BallotEntry{}, ErrNoDecryptor
	}
	if err := s.ready(); err != nil {
		return models.BallotEntry{}, err
	}

	payload, err := s.deps.Decryptor.DecryptAndParse(raw)
	if err != nil {
		s.reject(start, "decrypt", err)
		return models.BallotEntry{}, err
	}
	return s.record(ctx, payload.VoterID, start)
}

// RecordIdentifier records a voter by plain identifier, for scanners that
// decrypt on their own.
func (s *BoothService) RecordIdentifier(ctx context.Context, voterID string) (models.BallotEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.ready(); err != nil {
		return models.BallotEntry{}, err
	}
	return s.record(ctx, voterID, start)
}

func (s *BoothService) ready() error {
	if s.ledger == nil {
		return ErrBoothNotOpen
	}
	if !s.session.IsActive() || s.ledger.Closed() {
		return ErrSessionClosed
	}
	return nil
}

// record expects s.mu to be held.
func (s *BoothService) record(ctx context.Context, voterID string, start time.Time) (models.BallotEntry, error) {
	token, err := s.deps.Pseudonymizer.Pseudonymize(voterID)
	if err != nil {
		s.reject(start, "pseudonymize", err)
		return models.BallotEntry{}, err
	}

	entry, err := s.ledger.AppendWith(token, time.Time{}, func(e models.BallotEntry) error {
		return s.deps.Store.Append(ctx, s.cfg.BoothID, e)
	})
	if err != nil {
		s.reject(start, "append", err)
		return models.BallotEntry{}, err
	}

	s.accepted++
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordScan(time.Since(start), true)
	}
	s.log.Infow("ballot recorded", "sequence_index", entry.SequenceIndex)
	return entry, nil
}

func (s *BoothService) reject(start time.Time, stage string, err error) {
	s.rejected++
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordScan(time.Since(start), false)
	}
	s.log.Warnw("scan rejected", "stage", stage, "error", err)
}

// Close ends the session, seals the ledger when a sealer is configured and
// stores the closing header. A failed store write can be retried by calling
// Close again; after that Close returns the stored header.
func (s *BoothService) Close(ctx context.Context) (models.LedgerHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil {
		return models.LedgerHeader{}, ErrBoothNotOpen
	}
	if s.finalized {
		return s.ledger.Header(), nil
	}

	verifyErr := s.ledger.Verify()
	if !s.ledger.Closed() {
		s.session.End()
		if s.deps.Metrics != nil {
			s.deps.Metrics.EndVotingPhase()
		}
		header := s.ledger.Close()

		if verifyErr != nil {
			s.log.Errorw("booth ledger failed verification at close", "error", verifyErr)
		} else if s.deps.Sealer != nil {
			if err := s.seal(*header.ClosedAt); err != nil {
				return header, err
			}
		}
	}

	header := s.ledger.Header()
	if err := s.deps.Store.Finalize(ctx, header); err != nil {
		return header, err
	}
	s.finalized = true

	s.log.Infow("booth closed",
		"votes", s.ledger.Len()-1,
		"accepted", s.accepted,
		"rejected", s.rejected,
		"sealed", header.Seal != nil,
	)
	return header, verifyErr
}

func (s *BoothService) seal(at time.Time) error {
	idx, digest, err := s.ledger.SealDigest()
	if err != nil {
		return err
	}
	seal, err := s.deps.Sealer.Seal(s.cfg.BoothID, idx, digest, at)
	if err != nil {
		return err
	}
	return s.ledger.SetSeal(seal)
}

func (s *BoothService) Stats() BoothStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := BoothStats{
		BoothID:  s.cfg.BoothID,
		Accepted: s.accepted,
		Rejected: s.rejected,
	}
	if s.ledger == nil {
		return stats
	}
	head := s.ledger.Head()
	stats.Mode = s.ledger.Header().Mode
	stats.Votes = s.ledger.Len() - 1
	stats.HeadIndex = head.SequenceIndex
	stats.HeadDigest = head.Digest
	stats.Closed = s.ledger.Closed()
	stats.SessionActive = !stats.Closed && s.session.IsActive()
	return stats
}
