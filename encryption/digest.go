// File: encryption/digest.go
package encryption

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	"github.com/tchajed/marshal"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"obvv-backend/models"
)

// NewHasher returns a fresh hash for the given ledger digest algorithm.
func NewHasher(alg models.DigestAlgorithm) (hash.Hash, error) {
	switch alg {
	case models.DigestSHA256, "":
		return sha256.New(), nil
	case models.DigestKeccak256:
		return sha3.NewLegacyKeccak256(), nil
	case models.DigestBLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
}

// EntryPreimage is the byte layout hashed into an entry digest: the sequence
// index as a big-endian uint64 followed by the canonical timestamp, voter
// token and previous digest, each length-prefixed.
func EntryPreimage(seq uint64, ts time.Time, token models.VoterToken, prev string) []byte {
	stamp := models.CanonicalTimestamp(ts)
	b := make([]byte, 0, 8+3*8+len(stamp)+len(token)+len(prev))
	b = marshal.WriteInt(b, seq)
	b = writeString(b, stamp)
	b = writeString(b, string(token))
	b = writeString(b, prev)
	return b
}

// EntryDigest computes the hex digest of one ledger entry's four fields.
func EntryDigest(alg models.DigestAlgorithm, seq uint64, ts time.Time, token models.VoterToken, prev string) (string, error) {
	h, err := NewHasher(alg)
	if err != nil {
		return "", err
	}
	h.Write(EntryPreimage(seq, ts, token, prev))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SequenceDigest commits to a whole entry sequence. Order-only ledgers carry
// no per-entry digests, so this is what their close seal signs.
func SequenceDigest(alg models.DigestAlgorithm, entries []models.BallotEntry) (string, error) {
	h, err := NewHasher(alg)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		h.Write(EntryPreimage(e.SequenceIndex, e.Timestamp, e.VoterToken, e.PreviousDigest))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeString(b []byte, s string) []byte {
	b = marshal.WriteInt(b, uint64(len(s)))
	return marshal.WriteBytes(b, []byte(s))
}
