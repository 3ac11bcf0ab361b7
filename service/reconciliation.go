package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"obvv-backend/blockchain/ledger"
	"obvv-backend/encryption"
	"obvv-backend/logger"
	"obvv-backend/models"
	"obvv-backend/registry"
	"obvv-backend/storage"
)

type ReconcileConfig struct {
	// SkipValidation trusts every loaded ledger without walking its chain.
	SkipValidation bool
	// RequireSeals taints ledgers that carry no close seal verifiable
	// against a registered key.
	RequireSeals bool
	// ExpectedMode is the integrity mode a ledger must declare unless its
	// registry entry pins another. Empty means chained.
	ExpectedMode models.IntegrityMode
	Workers      int
	LoadTimeout  time.Duration
}

// ReconcilerDeps are the collaborators of a Reconciler. Only Store is
// required.
type ReconcilerDeps struct {
	Store    storage.LedgerStore
	Audit    storage.AuditSink
	Registry *registry.BoothRegistry
	Metrics  *MetricsCollector
	Logger   *zap.SugaredLogger
}

// Reconciler merges closed booth ledgers into one report.
type Reconciler struct {
	cfg    ReconcileConfig
	deps   ReconcilerDeps
	loader *BoothLoader
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewReconciler(cfg ReconcileConfig, deps ReconcilerDeps) (*Reconciler, error) {
	if deps.Store == nil {
		return nil, errors.New("reconciler needs a ledger store")
	}
	if cfg.ExpectedMode != "" {
		if _, err := models.ParseIntegrityMode(string(cfg.ExpectedMode)); err != nil {
			return nil, err
		}
	}
	log := logger.Or(deps.Logger)
	return &Reconciler{
		cfg:    cfg,
		deps:   deps,
		loader: NewBoothLoader(deps.Store, cfg.Workers, cfg.LoadTimeout, log),
		log:    log,
		now:    time.Now,
	}, nil
}

// ReconcileAll reconciles every booth the store knows about together with
// every active registered booth, so a registered booth without a ledger is
// reported as unreadable instead of silently missing.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*models.Report, error) {
	booths, err := r.deps.Store.ListBooths(ctx)
	if err != nil {
		return nil, err
	}
	if r.deps.Registry != nil {
		for _, b := range r.deps.Registry.Booths() {
			if b.IsActive {
				booths = append(booths, b.BoothID)
			}
		}
	}
	return r.Reconcile(ctx, booths)
}

// Reconcile loads, checks and resolves the given booths. Booth failures are
// recorded in the report and never abort the run; an empty input yields a
// report with zero counters. The error is non-nil only when ctx is done.
func (r *Reconciler) Reconcile(ctx context.Context, boothIDs []string) (*models.Report, error) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordReconcileStart()
	}

	report := &models.Report{
		RunID:             uuid.New().String(),
		GeneratedAt:       r.now().UTC(),
		BoothsIncluded:    []string{},
		BoothsExcluded:    []models.BoothExclusion{},
		IntegrityFailures: []models.IntegrityFailure{},
	}
	log := r.log.With("run_id", report.RunID)

	ids := uniqueSorted(boothIDs)
	if len(ids) == 0 {
		log.Infow("reconciliation over empty booth set")
	}

	var trusted []BoothLedger
	for _, res := range r.loader.LoadAll(ctx, ids) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l, ok := r.admit(log, report, res); ok {
			trusted = append(trusted, l)
			report.BoothsIncluded = append(report.BoothsIncluded, res.BoothID)
		}
	}

	resolution := Resolve(trusted)
	report.ValidVotes = resolution.Valid
	report.DuplicateVotes = resolution.Duplicates
	report.Counters = resolution.Counters

	if r.deps.Audit != nil {
		for _, dup := range report.DuplicateVotes {
			if err := r.deps.Audit.RecordDuplicate(ctx, report.RunID, dup); err != nil {
				log.Warnw("audit write failed", "booth_id", dup.BoothID, "sequence_index", dup.SequenceIndex, "error", err)
				report.AuditFailures = append(report.AuditFailures, models.AuditFailure{
					VoterToken:    dup.VoterToken,
					BoothID:       dup.BoothID,
					SequenceIndex: dup.SequenceIndex,
					Error:         err.Error(),
				})
			}
		}
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordReconcileEnd(report)
	}
	log.Infow("reconciliation finished",
		"booths_included", len(report.BoothsIncluded),
		"booths_excluded", len(report.BoothsExcluded),
		"total_votes", report.Counters.TotalVotes,
		"valid_votes", report.Counters.ValidVotes,
		"duplicate_votes", report.Counters.DuplicateVotes,
		"audit_failures", len(report.AuditFailures),
	)
	return report, nil
}

// admit decides whether a loaded booth may contribute votes. Excluded booths
// are recorded on the report.
func (r *Reconciler) admit(log *zap.SugaredLogger, report *models.Report, res LoadResult) (BoothLedger, bool) {
	exclude := func(reason models.ExclusionReason, detail string) (BoothLedger, bool) {
		log.Warnw("booth excluded", "booth_id", res.BoothID, "reason", reason, "detail", detail)
		report.BoothsExcluded = append(report.BoothsExcluded, models.BoothExclusion{
			BoothID: res.BoothID,
			Reason:  reason,
			Detail:  detail,
		})
		return BoothLedger{}, false
	}

	var registered registry.Booth
	if r.deps.Registry != nil {
		b, err := r.deps.Registry.Lookup(res.BoothID)
		if err != nil {
			return exclude(models.ExclusionUnregistered, err.Error())
		}
		registered = b
	}

	if res.Err != nil {
		return exclude(models.ExclusionUnreadable, res.Err.Error())
	}
	if res.Record == nil {
		return exclude(models.ExclusionUnreadable, "store returned no ledger")
	}

	record := res.Record
	if !record.Header.Closed() {
		log.Warnw("booth ledger is not closed", "booth_id", res.BoothID)
	}

	if !r.cfg.SkipValidation {
		if iv := r.check(res.BoothID, record, registered); iv != nil {
			report.IntegrityFailures = append(report.IntegrityFailures, models.IntegrityFailure{
				BoothID:       res.BoothID,
				SequenceIndex: iv.SequenceIndex,
				Reason:        iv.Reason,
				Entries:       record.Entries,
			})
			return exclude(models.ExclusionIntegrity, iv.Error())
		}
	}

	return BoothLedger{BoothID: res.BoothID, Entries: record.Entries}, true
}

// check returns the first reason the ledger cannot be trusted, or nil.
// registered is the zero Booth when no registry is configured.
func (r *Reconciler) check(boothID string, record *models.LedgerRecord, registered registry.Booth) *ledger.IntegrityViolation {
	if record.Header.BoothID != boothID {
		return &ledger.IntegrityViolation{Reason: fmt.Sprintf("ledger is labelled for booth %q", record.Header.BoothID)}
	}

	// the declared mode is as untrusted as the entries
	mode, err := models.ParseIntegrityMode(string(record.Header.Mode))
	if err != nil {
		return &ledger.IntegrityViolation{Reason: err.Error()}
	}
	if want := r.expectedMode(registered); mode != want {
		return &ledger.IntegrityViolation{Reason: fmt.Sprintf("ledger mode %q differs from expected %q", mode, want)}
	}

	l := ledger.Restore(record.Header, record.Entries)
	if err := l.Verify(); err != nil {
		var iv *ledger.IntegrityViolation
		if errors.As(err, &iv) {
			return iv
		}
		return &ledger.IntegrityViolation{Reason: err.Error()}
	}

	seal := record.Header.Seal
	if seal == nil {
		if r.cfg.RequireSeals {
			return &ledger.IntegrityViolation{SequenceIndex: l.Head().SequenceIndex, Reason: "ledger carries no seal"}
		}
		return nil
	}

	if registered.PublicKey == "" && r.cfg.RequireSeals {
		return &ledger.IntegrityViolation{SequenceIndex: seal.HeadIndex, Reason: "no registered seal key"}
	}
	if err := encryption.VerifySeal(boothID, *seal, registered.PublicKey); err != nil {
		return &ledger.IntegrityViolation{SequenceIndex: seal.HeadIndex, Reason: err.Error()}
	}
	idx, digest, err := l.SealDigest()
	if err != nil {
		return &ledger.IntegrityViolation{SequenceIndex: idx, Reason: err.Error()}
	}
	if idx != seal.HeadIndex {
		return &ledger.IntegrityViolation{
			SequenceIndex: idx,
			Reason:        fmt.Sprintf("seal covers entry %d but ledger ends at entry %d", seal.HeadIndex, idx),
		}
	}
	if digest != seal.HeadDigest {
		return &ledger.IntegrityViolation{SequenceIndex: idx, Reason: "seal digest does not match ledger head"}
	}
	return nil
}

func (r *Reconciler) expectedMode(registered registry.Booth) models.IntegrityMode {
	if registered.Mode != "" {
		return registered.Mode
	}
	if r.cfg.ExpectedMode != "" {
		return r.cfg.ExpectedMode
	}
	return models.ModeChained
}

// BoothCheck is the integrity verdict on one stored ledger.
type BoothCheck struct {
	BoothID       string               `json:"booth_id"`
	Mode          models.IntegrityMode `json:"mode"`
	Closed        bool                 `json:"closed"`
	Sealed        bool                 `json:"sealed"`
	Entries       int                  `json:"entries"`
	Valid         bool                 `json:"valid"`
	SequenceIndex *uint64              `json:"sequence_index,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

// VerifyBooth loads one booth and applies the same checks a reconciliation
// run would, without resolving anything.
func (r *Reconciler) VerifyBooth(ctx context.Context, boothID string) (BoothCheck, error) {
	var registered registry.Booth
	if r.deps.Registry != nil {
		b, err := r.deps.Registry.Lookup(boothID)
		if err != nil {
			return BoothCheck{}, err
		}
		registered = b
	}

	res := r.loader.load(ctx, boothID)
	if res.Err != nil {
		return BoothCheck{}, res.Err
	}
	if res.Record == nil {
		return BoothCheck{}, fmt.Errorf("%w: booth %s", storage.ErrBoothUnreadable, boothID)
	}

	record := res.Record
	check := BoothCheck{
		BoothID: boothID,
		Mode:    record.Header.Mode,
		Closed:  record.Header.Closed(),
		Sealed:  record.Header.Seal != nil,
		Entries: len(record.Entries),
		Valid:   true,
	}
	if iv := r.check(boothID, record, registered); iv != nil {
		idx := iv.SequenceIndex
		check.Valid = false
		check.SequenceIndex = &idx
		check.Reason = iv.Reason
	}
	return check, nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
