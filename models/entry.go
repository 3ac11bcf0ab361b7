// File: models/entry.go
package models

import (
	"fmt"
	"time"
)

// VoterToken is the pseudonymized, hex-encoded join key for one voter.
type VoterToken string

// VoterTokenLength is the length of a hex-encoded sha256 pseudonym.
const VoterTokenLength = 64

// WellFormed reports whether t has the shape of a pseudonym: exactly
// VoterTokenLength lowercase hex characters.
func (t VoterToken) WellFormed() bool {
	if len(t) != VoterTokenLength {
		return false
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

const (
	// GenesisToken is the reserved voter token of every ledger's first entry.
	GenesisToken VoterToken = "GENESIS"
	// GenesisPreviousDigest links the genesis entry to nothing.
	GenesisPreviousDigest = "0"
)

type IntegrityMode string

const (
	ModeChained   IntegrityMode = "chained"
	ModeOrderOnly IntegrityMode = "order_only"
)

func ParseIntegrityMode(s string) (IntegrityMode, error) {
	switch IntegrityMode(s) {
	case ModeChained, "":
		return ModeChained, nil
	case ModeOrderOnly:
		return ModeOrderOnly, nil
	}
	return "", fmt.Errorf("unknown integrity mode %q", s)
}

type DigestAlgorithm string

const (
	DigestSHA256    DigestAlgorithm = "sha256"
	DigestKeccak256 DigestAlgorithm = "keccak256"
	DigestBLAKE3    DigestAlgorithm = "blake3"
)

func ParseDigestAlgorithm(s string) (DigestAlgorithm, error) {
	switch DigestAlgorithm(s) {
	case DigestSHA256, "":
		return DigestSHA256, nil
	case DigestKeccak256:
		return DigestKeccak256, nil
	case DigestBLAKE3:
		return DigestBLAKE3, nil
	}
	return "", fmt.Errorf("unknown digest algorithm %q", s)
}

// BallotEntry is one recorded scan in a booth ledger. PreviousDigest and
// Digest stay empty in order-only ledgers.
type BallotEntry struct {
	SequenceIndex  uint64     `json:"sequence_index"`
	Timestamp      time.Time  `json:"timestamp"`
	VoterToken     VoterToken `json:"voter_token"`
	PreviousDigest string     `json:"previous_digest,omitempty"`
	Digest         string     `json:"digest,omitempty"`
}

func (e BallotEntry) IsGenesis() bool {
	return e.SequenceIndex == 0
}

// CanonicalTimestamp is the timestamp form that feeds the entry digest.
func CanonicalTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// LedgerHeader describes a booth ledger independently of its entries.
type LedgerHeader struct {
	BoothID   string          `json:"booth_id"`
	Mode      IntegrityMode   `json:"mode"`
	Algorithm DigestAlgorithm `json:"algorithm,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ClosedAt  *time.Time      `json:"closed_at,omitempty"`
	Seal      *Seal           `json:"seal,omitempty"`
}

func (h LedgerHeader) Closed() bool {
	return h.ClosedAt != nil
}

// Seal is a booth's signature over its ledger head at close time.
type Seal struct {
	HeadIndex  uint64    `json:"head_index"`
	HeadDigest string    `json:"head_digest"`
	PublicKey  string    `json:"public_key"`
	Signature  string    `json:"signature"`
	SealedAt   time.Time `json:"sealed_at"`
}

// LedgerRecord is a ledger as persisted by a store.
type LedgerRecord struct {
	Header  LedgerHeader  `json:"header"`
	Entries []BallotEntry `json:"entries"`
}
