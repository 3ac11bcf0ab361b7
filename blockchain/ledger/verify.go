package ledger

import (
	"fmt"

	"obvv-backend/encryption"
	"obvv-backend/models"
)

// IntegrityViolation describes the first point where a ledger stops being
// trustworthy. It is a value to report, not a failure of the check itself.
type IntegrityViolation struct {
	SequenceIndex uint64
	Reason        string
}

func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("chain integrity violation at entry %d: %s", v.SequenceIndex, v.Reason)
}

func violation(i uint64, format string, args ...interface{}) *IntegrityViolation {
	return &IntegrityViolation{SequenceIndex: i, Reason: fmt.Sprintf(format, args...)}
}

func verify(header models.LedgerHeader, entries []models.BallotEntry) error {
	if len(entries) == 0 {
		return violation(0, "missing genesis entry")
	}

	genesis := entries[0]
	if genesis.SequenceIndex != 0 {
		return violation(genesis.SequenceIndex, "first entry is not at index 0")
	}
	if genesis.VoterToken != models.GenesisToken {
		return violation(0, "genesis entry carries token %q", genesis.VoterToken)
	}

	chained := header.Mode != models.ModeOrderOnly
	if chained && genesis.PreviousDigest != models.GenesisPreviousDigest {
		return violation(0, "genesis previous digest is %q", genesis.PreviousDigest)
	}

	for i, e := range entries {
		if e.SequenceIndex != uint64(i) {
			return violation(uint64(i), "sequence index %d out of place", e.SequenceIndex)
		}
		if i > 0 && !e.VoterToken.WellFormed() {
			return violation(e.SequenceIndex, "malformed voter token")
		}
		if !chained {
			// digests would mean the ledger was written chained and relabelled
			if e.PreviousDigest != "" || e.Digest != "" {
				return violation(e.SequenceIndex, "order-only entry carries a digest")
			}
			continue
		}

		want, err := encryption.EntryDigest(header.Algorithm, e.SequenceIndex, e.Timestamp, e.VoterToken, e.PreviousDigest)
		if err != nil {
			return violation(e.SequenceIndex, "cannot recompute digest: %v", err)
		}
		if want != e.Digest {
			return violation(e.SequenceIndex, "digest mismatch")
		}
		if i > 0 && e.PreviousDigest != entries[i-1].Digest {
			return violation(e.SequenceIndex, "broken link to entry %d", i-1)
		}
	}
	return nil
}
