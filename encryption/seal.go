// File: encryption/seal.go
package encryption

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tchajed/marshal"

	"obvv-backend/models"
)

var ErrInvalidSeal = errors.New("invalid ledger seal")

// Sealer signs a booth's ledger head when voting at that booth ends.
type Sealer struct {
	key *ecdsa.PrivateKey
}

func NewSealer(key *ecdsa.PrivateKey) *Sealer {
	return &Sealer{key: key}
}

func GenerateSealer() (*Sealer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate seal key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// LoadSealer reads a hex-encoded secp256k1 private key from path.
func LoadSealer(path string) (*Sealer, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load seal key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// LoadOrGenerateSealer loads the key at path, or generates one and saves it
// there when the file does not exist yet.
func LoadOrGenerateSealer(path string) (*Sealer, bool, error) {
	if _, err := os.Stat(path); err == nil {
		s, err := LoadSealer(path)
		return s, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to stat seal key: %w", err)
	}

	s, err := GenerateSealer()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := s.Save(path); err != nil {
		return nil, false, fmt.Errorf("failed to save seal key: %w", err)
	}
	return s, true, nil
}

// Save writes the private key to path in the format LoadSealer reads.
func (s *Sealer) Save(path string) error {
	return crypto.SaveECDSA(path, s.key)
}

func (s *Sealer) PublicKey() string {
	return hexutil.Encode(crypto.FromECDSAPub(&s.key.PublicKey))
}

// Seal signs (boothID, headIndex, digest).
func (s *Sealer) Seal(boothID string, headIndex uint64, digest string, at time.Time) (models.Seal, error) {
	sig, err := crypto.Sign(sealHash(boothID, headIndex, digest), s.key)
	if err != nil {
		return models.Seal{}, fmt.Errorf("failed to sign ledger head: %w", err)
	}
	return models.Seal{
		HeadIndex:  headIndex,
		HeadDigest: digest,
		PublicKey:  s.PublicKey(),
		Signature:  hexutil.Encode(sig),
		SealedAt:   at.UTC(),
	}, nil
}

// VerifySeal checks the seal signature and, when expectedKey is set, that the
// seal was made with that booth key.
func VerifySeal(boothID string, seal models.Seal, expectedKey string) error {
	pub, err := hexutil.Decode(seal.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalidSeal, err)
	}
	if expectedKey != "" {
		want, err := hexutil.Decode(expectedKey)
		if err != nil {
			return fmt.Errorf("%w: registered key: %v", ErrInvalidSeal, err)
		}
		if !bytes.Equal(pub, want) {
			return fmt.Errorf("%w: signed by unregistered key", ErrInvalidSeal)
		}
	}

	sig, err := hexutil.Decode(seal.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrInvalidSeal, err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature length %d", ErrInvalidSeal, len(sig))
	}
	if !crypto.VerifySignature(pub, sealHash(boothID, seal.HeadIndex, seal.HeadDigest), sig[:crypto.RecoveryIDOffset]) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSeal)
	}
	return nil
}

func sealHash(boothID string, headIndex uint64, digest string) []byte {
	var b []byte
	b = writeString(b, boothID)
	b = marshal.WriteInt(b, headIndex)
	b = writeString(b, digest)
	return crypto.Keccak256(b)
}
