package auth

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no record matches the key.
var ErrNotFound = errors.New("auth: credential not found")

// Record is one persisted (provider, account) credential plus metadata.
type Record struct {
	Provider        string
	AccountID       string
	Label           string
	IsActive        bool
	Credential      *Credential
	CreatedAt       time.Time
	LastRefreshedAt time.Time
	LastUsed        time.Time
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Credential = r.Credential.Clone()
	return &dup
}

// TokenStore is the persistence contract for credentials. Implementations
// must be safe for concurrent callers. Exactly one account per provider is
// active at a time; the first account saved for a provider becomes active
// implicitly.
type TokenStore interface {
	// Get returns the record for (provider, accountID).
	Get(ctx context.Context, provider, accountID string) (*Record, error)
	// GetActive returns the provider's active account record.
	GetActive(ctx context.Context, provider string) (*Record, error)
	// Put inserts or replaces the record for (record.Provider,
	// record.AccountID), preserving CreatedAt on replace.
	Put(ctx context.Context, record *Record) error
	// Delete removes the record; deleting the active account promotes the
	// lexicographically first remaining account.
	Delete(ctx context.Context, provider, accountID string) error
	// ListAccounts returns all records for the provider ordered by account
	// id.
	ListAccounts(ctx context.Context, provider string) ([]*Record, error)
	// SetActive marks the given account active and all siblings inactive.
	SetActive(ctx context.Context, provider, accountID string) error
	// Touch updates the record's LastUsed timestamp for round-robin
	// bookkeeping.
	Touch(ctx context.Context, provider, accountID string, at time.Time) error
	// Close releases store resources.
	Close() error
}
