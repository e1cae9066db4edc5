package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory TokenStore for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*Record // provider -> account id -> record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]*Record)}
}

// Get implements TokenStore.
func (s *MemoryStore) Get(_ context.Context, provider, accountID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[provider][accountID]; ok {
		return rec.Clone(), nil
	}
	return nil, ErrNotFound
}

// GetActive implements TokenStore.
func (s *MemoryStore) GetActive(_ context.Context, provider string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records[provider] {
		if rec.IsActive {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Put implements TokenStore.
func (s *MemoryStore) Put(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAccount, ok := s.records[record.Provider]
	if !ok {
		byAccount = make(map[string]*Record)
		s.records[record.Provider] = byAccount
	}
	stored := record.Clone()
	if existing, exists := byAccount[record.AccountID]; exists {
		stored.CreatedAt = existing.CreatedAt
		stored.IsActive = stored.IsActive || existing.IsActive
	} else if len(byAccount) == 0 {
		// First account for the provider becomes active.
		stored.IsActive = true
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	byAccount[record.AccountID] = stored
	return nil
}

// Delete implements TokenStore.
func (s *MemoryStore) Delete(_ context.Context, provider, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAccount := s.records[provider]
	rec, ok := byAccount[accountID]
	if !ok {
		return ErrNotFound
	}
	wasActive := rec.IsActive
	delete(byAccount, accountID)
	if wasActive && len(byAccount) > 0 {
		ids := make([]string, 0, len(byAccount))
		for id := range byAccount {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		byAccount[ids[0]].IsActive = true
	}
	return nil
}

// ListAccounts implements TokenStore.
func (s *MemoryStore) ListAccounts(_ context.Context, provider string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records[provider]))
	for _, rec := range s.records[provider] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// SetActive implements TokenStore.
func (s *MemoryStore) SetActive(_ context.Context, provider, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAccount := s.records[provider]
	if _, ok := byAccount[accountID]; !ok {
		return ErrNotFound
	}
	for id, rec := range byAccount {
		rec.IsActive = id == accountID
	}
	return nil
}

// Touch implements TokenStore.
func (s *MemoryStore) Touch(_ context.Context, provider, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[provider][accountID]
	if !ok {
		return ErrNotFound
	}
	rec.LastUsed = at
	return nil
}

// Close implements TokenStore.
func (s *MemoryStore) Close() error { return nil }
