// File: anonymizer/anonymizer.go
package anonymizer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"obvv-backend/models"
)

// DefaultDomain keeps tokens compatible with ledgers already recorded by booths.
const DefaultDomain = "OBVV_SECURE_SALT"

var ErrInvalidIdentifier = errors.New("invalid voter identifier")

// Pseudonymizer maps voter identifiers to voter tokens. Every booth and the
// reconciliation station must use the same domain, otherwise cross-booth
// duplicates go undetected.
type Pseudonymizer struct {
	domain  string
	pattern *regexp.Regexp
}

type Option func(*Pseudonymizer)

// WithPattern only accepts identifiers matching re.
func WithPattern(re *regexp.Regexp) Option {
	return func(p *Pseudonymizer) {
		p.pattern = re
	}
}

func New(domain string, opts ...Option) *Pseudonymizer {
	if domain == "" {
		domain = DefaultDomain
	}
	p := &Pseudonymizer{domain: domain}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pseudonymizer) Domain() string {
	return p.domain
}

// Pseudonymize returns hex(sha256(identifier || domain)).
func (p *Pseudonymizer) Pseudonymize(identifier string) (models.VoterToken, error) {
	id := strings.TrimSpace(identifier)
	if err := p.check(id); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(id + p.domain))
	return models.VoterToken(hex.EncodeToString(sum[:])), nil
}

func (p *Pseudonymizer) check(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if id == string(models.GenesisToken) {
		return fmt.Errorf("%w: reserved value", ErrInvalidIdentifier)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character", ErrInvalidIdentifier)
		}
	}
	if p.pattern != nil && !p.pattern.MatchString(id) {
		return fmt.Errorf("%w: does not match %s", ErrInvalidIdentifier, p.pattern)
	}
	return nil
}
