// Package registry holds the list of booths authorised for an election and
// the public keys their ledgers must be sealed with.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"obvv-backend/models"
	"obvv-backend/storage"
)

var (
	ErrUnknownBooth  = errors.New("booth is not registered")
	ErrInactiveBooth = errors.New("booth is inactive")
)

// Booth is one registered polling booth.
type Booth struct {
	BoothID   string `json:"booth_id"`
	Label     string `json:"label,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	IsActive  bool   `json:"is_active"` // inactive booths are excluded from reconciliation

	// Mode pins the integrity mode the booth was deployed with.
	Mode models.IntegrityMode `json:"mode,omitempty"`
}

type boothsFile struct {
	Booths []Booth `json:"booths"`
}

type BoothRegistry struct {
	booths map[string]Booth
	path   string
	mu     sync.RWMutex
}

// New builds an in-memory registry.
func New(booths ...Booth) (*BoothRegistry, error) {
	r := &BoothRegistry{booths: make(map[string]Booth)}
	for _, b := range booths {
		if err := r.add(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load reads a registry file. A missing file yields an empty registry bound
// to path so that Save creates it.
func Load(path string) (*BoothRegistry, error) {
	r := &BoothRegistry{booths: make(map[string]Booth), path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var f boothsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry: %w", err)
	}
	for _, b := range f.Booths {
		if err := r.add(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func validateBooth(b Booth) error {
	if err := storage.ValidateBoothID(b.BoothID); err != nil {
		return err
	}
	if b.Mode != "" {
		if _, err := models.ParseIntegrityMode(string(b.Mode)); err != nil {
			return fmt.Errorf("booth %s: %w", b.BoothID, err)
		}
	}
	return nil
}

func (r *BoothRegistry) add(b Booth) error {
	if err := validateBooth(b); err != nil {
		return fmt.Errorf("invalid booth data for %q: %w", b.BoothID, err)
	}
	if _, exists := r.booths[b.BoothID]; exists {
		return fmt.Errorf("booth %s is listed twice", b.BoothID)
	}
	r.booths[b.BoothID] = b
	return nil
}

// Lookup returns the booth if it is registered and active.
func (r *BoothRegistry) Lookup(boothID string) (Booth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.booths[boothID]
	if !exists {
		return Booth{}, fmt.Errorf("%w: %s", ErrUnknownBooth, boothID)
	}
	if !b.IsActive {
		return Booth{}, fmt.Errorf("%w: %s", ErrInactiveBooth, boothID)
	}
	return b, nil
}

// Booths returns every registered booth sorted by id.
func (r *BoothRegistry) Booths() []Booth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Booth, 0, len(r.booths))
	for _, b := range r.booths {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoothID < out[j].BoothID })
	return out
}

// Register adds or replaces a booth entry.
func (r *BoothRegistry) Register(b Booth) error {
	if err := validateBooth(b); err != nil {
		return fmt.Errorf("invalid booth data for %q: %w", b.BoothID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.booths[b.BoothID] = b
	return nil
}

// Save writes the registry back to the file it was loaded from.
func (r *BoothRegistry) Save() error {
	if r.path == "" {
		return errors.New("registry has no backing file")
	}
	booths := r.Booths()

	data, err := json.MarshalIndent(boothsFile{Booths: booths}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save registry file: %w", err)
	}
	return nil
}
