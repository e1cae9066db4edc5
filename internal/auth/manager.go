package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	apperrors "github.com/byokey/byokey/internal/errors"
)

// refreshCooldown bounds how often a refresh may be attempted per
// (provider, account). Within the window the cached outcome is returned,
// success or failure, which stops stampedes during upstream outages.
const refreshCooldown = 30 * time.Second

// Refresher performs the provider-specific token refresh call. The returned
// credential may omit the refresh token; the manager carries the old one
// forward. Hard rejections (revoked refresh token, 400/401 from the token
// endpoint) must surface as KindNotAuthenticated, transient failures as
// KindTransientAuth.
type Refresher interface {
	Refresh(ctx context.Context, provider string, cred *Credential) (*Credential, error)
}

// Clock abstracts time for cooldown tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SelectorKind names an account selection strategy.
type SelectorKind int

const (
	// SelectActive picks the provider's active account.
	SelectActive SelectorKind = iota
	// SelectAccount picks a specific account id.
	SelectAccount
	// SelectRoundRobin rotates across the provider's usable accounts by
	// oldest last-used timestamp.
	SelectRoundRobin
)

// Selector chooses which of a provider's accounts serves a request.
type Selector struct {
	Kind      SelectorKind
	AccountID string
}

// Active selects the provider's active account.
var Active = Selector{Kind: SelectActive}

// RoundRobin rotates across usable accounts.
var RoundRobin = Selector{Kind: SelectRoundRobin}

// Account selects one account by id.
func Account(id string) Selector {
	return Selector{Kind: SelectAccount, AccountID: id}
}

// refreshEntry serializes refreshes for one (provider, account) key and
// caches the most recent outcome for the cooldown window.
type refreshEntry struct {
	mu          sync.Mutex
	lastAttempt time.Time
	cred        *Credential
	err         error
}

// Manager serves valid credentials on demand. At most one refresh is in
// flight per (provider, account); concurrent acquirers for the same key block
// on the per-key mutex and pick up the shared result.
type Manager struct {
	store     TokenStore
	refresher Refresher
	clock     Clock

	// apiKey resolves a config-declared API key for a provider. Such keys
	// are virtual credentials: never persisted, never refreshed, and they
	// take precedence over any stored OAuth account.
	apiKey func(provider string) string

	mu      sync.RWMutex
	entries map[string]*refreshEntry
}

// NewManager builds a manager over the given store and refresher.
func NewManager(store TokenStore, refresher Refresher) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		clock:     systemClock{},
		apiKey:    func(string) string { return "" },
		entries:   make(map[string]*refreshEntry),
	}
}

// SetAPIKeyLookup installs the config-backed API key resolver.
func (m *Manager) SetAPIKeyLookup(fn func(provider string) string) {
	if fn != nil {
		m.apiKey = fn
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(clock Clock) {
	if clock != nil {
		m.clock = clock
	}
}

// Acquire returns a record whose credential is valid at call time, refreshing
// first when needed. The returned record is a copy; mutating it does not
// touch the store.
func (m *Manager) Acquire(ctx context.Context, provider string, sel Selector) (*Record, error) {
	if !ValidProvider(provider) {
		return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("unknown provider %q", provider))
	}
	if key := m.apiKey(provider); key != "" {
		return &Record{
			Provider:   provider,
			AccountID:  "config",
			Label:      "API key",
			IsActive:   true,
			Credential: &Credential{APIKey: key},
		}, nil
	}

	rec, err := m.selectRecord(ctx, provider, sel)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	switch rec.Credential.State(now) {
	case StateValid:
	case StateExpired:
		cred, errRefresh := m.refresh(ctx, rec, false)
		if errRefresh != nil {
			return nil, errRefresh
		}
		rec.Credential = cred
	default:
		return nil, notAuthenticated(provider, rec.AccountID)
	}
	if sel.Kind == SelectRoundRobin {
		if errTouch := m.store.Touch(ctx, rec.Provider, rec.AccountID, m.clock.Now()); errTouch != nil {
			log.WithError(errTouch).Warnf("failed to update last_used for %s/%s", rec.Provider, rec.AccountID)
		}
	}
	return rec, nil
}

// ForceRefresh refreshes an account's credential even when the local expiry
// says it is still valid. Used after an upstream rejects a token the gateway
// believed fresh. Cooldown still applies.
func (m *Manager) ForceRefresh(ctx context.Context, provider, accountID string) (*Record, error) {
	rec, err := m.store.Get(ctx, provider, accountID)
	if err != nil {
		if err == ErrNotFound {
			return nil, notAuthenticated(provider, accountID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "token store read failed", err)
	}
	if rec.Credential.IsAPIKey() {
		return rec, nil
	}
	if rec.Credential.RefreshToken == "" {
		return nil, notAuthenticated(provider, accountID)
	}
	cred, err := m.refresh(ctx, rec, true)
	if err != nil {
		return nil, err
	}
	rec.Credential = cred
	return rec, nil
}

// SaveLogin persists a credential obtained from a completed login flow.
func (m *Manager) SaveLogin(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clock.Now()
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "token store write failed", err)
	}
	m.dropEntry(rec.Provider, rec.AccountID)
	return nil
}

// Logout removes an account's credential. An empty accountID targets the
// provider's active account.
func (m *Manager) Logout(ctx context.Context, provider, accountID string) error {
	if accountID == "" {
		rec, err := m.store.GetActive(ctx, provider)
		if err != nil {
			if err == ErrNotFound {
				return notAuthenticated(provider, "")
			}
			return apperrors.Wrap(apperrors.KindInternal, "token store read failed", err)
		}
		accountID = rec.AccountID
	}
	if err := m.store.Delete(ctx, provider, accountID); err != nil {
		if err == ErrNotFound {
			return notAuthenticated(provider, accountID)
		}
		return apperrors.Wrap(apperrors.KindInternal, "token store delete failed", err)
	}
	m.dropEntry(provider, accountID)
	return nil
}

// Status lists the provider's accounts with their credential states.
func (m *Manager) Status(ctx context.Context, provider string) ([]*Record, error) {
	records, err := m.store.ListAccounts(ctx, provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "token store list failed", err)
	}
	return records, nil
}

func (m *Manager) selectRecord(ctx context.Context, provider string, sel Selector) (*Record, error) {
	switch sel.Kind {
	case SelectAccount:
		rec, err := m.store.Get(ctx, provider, sel.AccountID)
		if err == ErrNotFound {
			return nil, notAuthenticated(provider, sel.AccountID)
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "token store read failed", err)
		}
		return rec, nil
	case SelectRoundRobin:
		return m.pickRoundRobin(ctx, provider)
	default:
		rec, err := m.store.GetActive(ctx, provider)
		if err == ErrNotFound {
			return nil, notAuthenticated(provider, "")
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "token store read failed", err)
		}
		return rec, nil
	}
}

// pickRoundRobin returns the usable account with the oldest last_used, ties
// broken by account id order. Expired accounts with a refresh token still
// count as usable.
func (m *Manager) pickRoundRobin(ctx context.Context, provider string) (*Record, error) {
	records, err := m.store.ListAccounts(ctx, provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "token store list failed", err)
	}
	now := m.clock.Now()
	var best *Record
	for _, rec := range records {
		if rec.Credential.State(now) == StateNotAuthenticated {
			continue
		}
		// ListAccounts is ordered by account id, so strict < keeps the
		// lexicographic tiebreak.
		if best == nil || rec.LastUsed.Before(best.LastUsed) {
			best = rec
		}
	}
	if best == nil {
		return nil, notAuthenticated(provider, "")
	}
	return best, nil
}

// refresh drives the provider refresh call for one record, serialized per
// (provider, account) and subject to the cooldown. With force set, the
// local validity short-circuit is skipped.
func (m *Manager) refresh(ctx context.Context, rec *Record, force bool) (*Credential, error) {
	entry := m.entry(rec.Provider, rec.AccountID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := m.clock.Now()
	if !entry.lastAttempt.IsZero() && now.Sub(entry.lastAttempt) < refreshCooldown {
		if entry.err != nil {
			return nil, entry.err
		}
		if entry.cred != nil {
			return entry.cred.Clone(), nil
		}
	}

	// Double-check against the store: a caller that held the lock before us
	// may already have written a fresh credential.
	if !force {
		if stored, errGet := m.store.Get(ctx, rec.Provider, rec.AccountID); errGet == nil {
			if stored.Credential.State(now) == StateValid {
				return stored.Credential.Clone(), nil
			}
			rec = stored
		}
	}
	if rec.Credential.RefreshToken == "" {
		return nil, notAuthenticated(rec.Provider, rec.AccountID)
	}

	cred, err := m.refresher.Refresh(ctx, rec.Provider, rec.Credential)
	entry.lastAttempt = m.clock.Now()
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotAuthenticated) {
			m.revokeStored(ctx, rec)
			entry.cred, entry.err = nil, notAuthenticated(rec.Provider, rec.AccountID)
			return nil, entry.err
		}
		if !apperrors.IsKind(err, apperrors.KindTransientAuth) {
			err = apperrors.Wrap(apperrors.KindTransientAuth,
				fmt.Sprintf("%s token refresh failed", rec.Provider), err)
		}
		entry.cred, entry.err = nil, err
		log.WithError(err).Warnf("token refresh failed for %s/%s", rec.Provider, rec.AccountID)
		return nil, err
	}

	// Providers are allowed to omit the refresh token from the refresh
	// response; keep the one that got us here.
	if cred.RefreshToken == "" {
		cred.RefreshToken = rec.Credential.RefreshToken
	}
	updated := rec.Clone()
	updated.Credential = cred
	updated.LastRefreshedAt = entry.lastAttempt
	if errPut := m.store.Put(ctx, updated); errPut != nil {
		log.WithError(errPut).Errorf("failed to persist refreshed credential for %s/%s", rec.Provider, rec.AccountID)
	}
	entry.cred, entry.err = cred.Clone(), nil
	log.Debugf("refreshed credential for %s/%s", rec.Provider, rec.AccountID)
	return cred.Clone(), nil
}

// revokeStored clears the refresh token after a hard rejection so the
// account reports NotAuthenticated until the user logs in again.
func (m *Manager) revokeStored(ctx context.Context, rec *Record) {
	updated := rec.Clone()
	updated.Credential.RefreshToken = ""
	updated.Credential.AccessToken = ""
	if err := m.store.Put(ctx, updated); err != nil {
		log.WithError(err).Errorf("failed to revoke credential for %s/%s", rec.Provider, rec.AccountID)
	}
}

func (m *Manager) entry(provider, accountID string) *refreshEntry {
	key := provider + "/" + accountID
	m.mu.RLock()
	e := m.entries[key]
	m.mu.RUnlock()
	if e != nil {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.entries[key]; e == nil {
		e = &refreshEntry{}
		m.entries[key] = e
	}
	return e
}

func (m *Manager) dropEntry(provider, accountID string) {
	m.mu.Lock()
	delete(m.entries, provider+"/"+accountID)
	m.mu.Unlock()
}

func notAuthenticated(provider, accountID string) error {
	msg := fmt.Sprintf("no valid credential for %s", provider)
	if accountID != "" {
		msg = fmt.Sprintf("no valid credential for %s account %s", provider, accountID)
	}
	err := apperrors.New(apperrors.KindNotAuthenticated, msg+"; run login first")
	err.Provider = provider
	return err
}
