// File: storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"obvv-backend/models"
)

var (
	ErrBoothUnreadable = errors.New("booth ledger unreadable")
	ErrStoreWrite      = errors.New("ledger store write failed")
	ErrBoothExists     = errors.New("booth ledger already exists")
	ErrInvalidBoothID  = errors.New("invalid booth id")
)

// LedgerStore persists booth ledgers. Implementations are used by one booth
// writer at a time and read by the reconciliation station after close.
type LedgerStore interface {
	// Init creates the ledger for header.BoothID holding only genesis.
	Init(ctx context.Context, header models.LedgerHeader, genesis models.BallotEntry) error
	Append(ctx context.Context, boothID string, entry models.BallotEntry) error
	// Finalize stores the closing header (closed_at and seal).
	Finalize(ctx context.Context, header models.LedgerHeader) error
	Load(ctx context.Context, boothID string) (*models.LedgerRecord, error)
	ListBooths(ctx context.Context) ([]string, error)
	Close() error
}

var boothIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]{0,63}$`)

// ValidateBoothID keeps booth ids safe to use as file names and table keys.
func ValidateBoothID(id string) error {
	if !boothIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidBoothID, id)
	}
	return nil
}

func unreadable(boothID string, err error) error {
	return fmt.Errorf("%w: booth %s: %v", ErrBoothUnreadable, boothID, err)
}

func writeFailed(boothID string, err error) error {
	return fmt.Errorf("%w: booth %s: %v", ErrStoreWrite, boothID, err)
}
