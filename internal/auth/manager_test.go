package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/byokey/byokey/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRefresher struct {
	calls   atomic.Int64
	result  *Credential
	err     error
	barrier chan struct{}
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string, _ *Credential) (*Credential, error) {
	f.calls.Add(1)
	if f.barrier != nil {
		<-f.barrier
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result.Clone(), nil
}

func seedAccount(t *testing.T, store TokenStore, provider, accountID string, cred *Credential) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), &Record{
		Provider:   provider,
		AccountID:  accountID,
		Credential: cred,
		CreatedAt:  time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func TestAcquireValidTokenSkipsRefresh(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	refresher := &fakeRefresher{}
	seedAccount(t, store, ProviderClaude, "alice", &Credential{
		AccessToken: "tok-live",
		ExpiresAt:   clock.Now().Add(time.Hour).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)

	rec, err := mgr.Acquire(context.Background(), ProviderClaude, Active)
	require.NoError(t, err)
	assert.Equal(t, "tok-live", rec.Credential.AccessToken)
	assert.Zero(t, refresher.calls.Load())
}

func TestAcquireExpiredTokenRefreshes(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	// Refresh response omits the refresh token; the old one must survive.
	refresher := &fakeRefresher{result: &Credential{
		AccessToken: "tok-new",
		ExpiresAt:   clock.Now().Add(time.Hour).Unix(),
	}}
	seedAccount(t, store, ProviderClaude, "alice", &Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-1",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)

	rec, err := mgr.Acquire(context.Background(), ProviderClaude, Active)
	require.NoError(t, err)
	assert.Equal(t, "tok-new", rec.Credential.AccessToken)
	assert.Equal(t, "ref-1", rec.Credential.RefreshToken)
	assert.EqualValues(t, 1, refresher.calls.Load())

	stored, err := store.Get(context.Background(), ProviderClaude, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", stored.Credential.AccessToken)
	assert.Equal(t, clock.Now(), stored.LastRefreshedAt)
}

func TestConcurrentAcquireSingleRefresh(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	refresher := &fakeRefresher{
		result: &Credential{
			AccessToken: "tok-new",
			ExpiresAt:   clock.Now().Add(time.Hour).Unix(),
		},
		barrier: make(chan struct{}),
	}
	seedAccount(t, store, ProviderClaude, "alice", &Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-1",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := mgr.Acquire(context.Background(), ProviderClaude, Active)
			errs[i] = err
			if err == nil {
				tokens[i] = rec.Credential.AccessToken
			}
		}(i)
	}
	// Let the first caller reach the refresher, then release it.
	require.Eventually(t, func() bool { return refresher.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(refresher.barrier)
	wg.Wait()

	assert.EqualValues(t, 1, refresher.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-new", tokens[i])
	}
}

func TestRefreshFailureCachedDuringCooldown(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	refresher := &fakeRefresher{err: apperrors.New(apperrors.KindTransientAuth, "token endpoint unavailable")}
	seedAccount(t, store, ProviderClaude, "alice", &Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-1",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)

	_, err := mgr.Acquire(context.Background(), ProviderClaude, Active)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransientAuth))
	assert.EqualValues(t, 1, refresher.calls.Load())

	// Inside the cooldown the cached error comes back without a second call.
	clock.Advance(10 * time.Second)
	_, err = mgr.Acquire(context.Background(), ProviderClaude, Active)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransientAuth))
	assert.EqualValues(t, 1, refresher.calls.Load())

	// Past the cooldown the refresher is consulted again.
	clock.Advance(25 * time.Second)
	_, err = mgr.Acquire(context.Background(), ProviderClaude, Active)
	require.Error(t, err)
	assert.EqualValues(t, 2, refresher.calls.Load())
}

func TestRefreshSuccessCachedDuringCooldown(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	refresher := &fakeRefresher{result: &Credential{
		AccessToken: "tok-new",
		ExpiresAt:   clock.Now().Add(time.Hour).Unix(),
	}}
	seedAccount(t, store, ProviderClaude, "alice", &Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-1",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)

	rec, err := mgr.ForceRefresh(context.Background(), ProviderClaude, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", rec.Credential.AccessToken)

	// A forced refresh right after reuses the cached result.
	rec, err = mgr.ForceRefresh(context.Background(), ProviderClaude, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", rec.Credential.AccessToken)
	assert.EqualValues(t, 1, refresher.calls.Load())
}

func TestHardRefreshFailureRevokesCredential(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	refresher := &fakeRefresher{err: apperrors.New(apperrors.KindNotAuthenticated, "refresh token revoked")}
	seedAccount(t, store, ProviderCodex, "bob", &Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-revoked",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)

	_, err := mgr.Acquire(context.Background(), ProviderCodex, Active)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotAuthenticated))

	stored, err := store.Get(context.Background(), ProviderCodex, "bob")
	require.NoError(t, err)
	assert.Empty(t, stored.Credential.RefreshToken)
	assert.Equal(t, StateNotAuthenticated, stored.Credential.State(clock.Now()))
}

func TestAPIKeyPrecedenceAndImmutability(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	refresher := &fakeRefresher{}
	// An expired OAuth account exists, but the config key must win without
	// any refresh or store write.
	seedAccount(t, store, ProviderClaude, "alice", &Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-1",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)
	mgr.SetAPIKeyLookup(func(provider string) string {
		if provider == ProviderClaude {
			return "sk-config"
		}
		return ""
	})

	for i := 0; i < 3; i++ {
		rec, err := mgr.Acquire(context.Background(), ProviderClaude, Active)
		require.NoError(t, err)
		assert.Equal(t, "sk-config", rec.Credential.APIKey)
		assert.True(t, rec.Credential.IsAPIKey())
	}
	assert.Zero(t, refresher.calls.Load())

	stored, err := store.Get(context.Background(), ProviderClaude, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-old", stored.Credential.AccessToken)
}

func TestRoundRobinSelectionIsFair(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	mgr := NewManager(store, &fakeRefresher{})
	mgr.SetClock(clock)

	for _, id := range []string{"a@x", "b@x", "c@x"} {
		seedAccount(t, store, ProviderGemini, id, &Credential{
			AccessToken: "tok-" + id,
			ExpiresAt:   clock.Now().Add(24 * time.Hour).Unix(),
		})
	}

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		rec, err := mgr.Acquire(context.Background(), ProviderGemini, RoundRobin)
		require.NoError(t, err)
		counts[rec.AccountID]++
		clock.Advance(time.Second)
	}
	min, max := 10, 0
	for _, id := range []string{"a@x", "b@x", "c@x"} {
		if counts[id] < min {
			min = counts[id]
		}
		if counts[id] > max {
			max = counts[id]
		}
	}
	assert.LessOrEqual(t, max-min, 1, "accounts served %v", counts)
}

func TestRoundRobinSkipsUnusableAccounts(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	mgr := NewManager(store, &fakeRefresher{})
	mgr.SetClock(clock)

	seedAccount(t, store, ProviderGemini, "dead", &Credential{
		AccessToken: "tok-dead",
		ExpiresAt:   clock.Now().Add(-time.Hour).Unix(),
	})
	seedAccount(t, store, ProviderGemini, "live", &Credential{
		AccessToken: "tok-live",
		ExpiresAt:   clock.Now().Add(time.Hour).Unix(),
	})

	for i := 0; i < 4; i++ {
		rec, err := mgr.Acquire(context.Background(), ProviderGemini, RoundRobin)
		require.NoError(t, err)
		assert.Equal(t, "live", rec.AccountID)
		clock.Advance(time.Second)
	}
}

func TestExpiredWithoutRefreshTokenIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	refresher := &fakeRefresher{}
	seedAccount(t, store, ProviderKiro, "solo", &Credential{
		AccessToken: "tok-old",
		ExpiresAt:   clock.Now().Add(-time.Minute).Unix(),
	})
	mgr := NewManager(store, refresher)
	mgr.SetClock(clock)

	_, err := mgr.Acquire(context.Background(), ProviderKiro, Active)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotAuthenticated))
	assert.Zero(t, refresher.calls.Load())
}

func TestAcquireUnknownProvider(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), &fakeRefresher{})
	_, err := mgr.Acquire(context.Background(), "not-a-provider", Active)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidRequest))
}

func TestLogoutActiveAccount(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, &fakeRefresher{})
	seedAccount(t, store, ProviderQwen, "only", &Credential{AccessToken: "tok"})

	require.NoError(t, mgr.Logout(context.Background(), ProviderQwen, ""))
	_, err := store.GetActive(context.Background(), ProviderQwen)
	assert.ErrorIs(t, err, ErrNotFound)

	err = mgr.Logout(context.Background(), ProviderQwen, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotAuthenticated))
}
