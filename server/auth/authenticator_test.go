package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitemail/kite/consts"
	"github.com/kitemail/kite/db"
)

type mockStore struct {
	mu          sync.Mutex
	accountID   int64
	credentials []db.Credential
	lookupErr   error

	lookups     int
	lastUsedIDs []string
	attempts    int
}

func (m *mockStore) GetActiveCredentials(ctx context.Context, username string) (int64, []db.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.lookupErr != nil {
		return 0, nil, m.lookupErr
	}
	return m.accountID, m.credentials, nil
}

func (m *mockStore) TouchCredentialLastUsed(ctx context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsedIDs = append(m.lastUsedIDs, credentialID)
	return nil
}

func (m *mockStore) RecordAuthAttempt(ctx context.Context, ipAddress, username, protocol string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return nil
}

func (m *mockStore) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := db.HashSecret(secret)
	require.NoError(t, err)
	return hash
}

type authFixture struct {
	auth    *Authenticator
	store   *mockStore
	cache   *Cache
	limiter *RateLimiter
	tasks   *TaskQueue
}

func newAuthFixture(t *testing.T, store *mockStore) *authFixture {
	t.Helper()

	cache := NewCache(30*time.Second, 15*time.Second, 100)
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxFailures:   3,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	})
	tasks := NewTaskQueue(64, time.Second)
	t.Cleanup(func() {
		tasks.Stop()
		limiter.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cache.Stop(ctx)
	})

	return &authFixture{
		auth:    NewAuthenticator(ProtocolPOP3, store, cache, limiter, tasks),
		store:   store,
		cache:   cache,
		limiter: limiter,
		tasks:   tasks,
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	store := &mockStore{
		accountID: 42,
		credentials: []db.Credential{
			{ID: "cred-1", SecretHash: mustHash(t, "s3cret"), Scopes: []string{ScopePOP3, ScopeSMTP}},
		},
	}
	f := newAuthFixture(t, store)

	result := f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.1")
	require.True(t, result.Authenticated)
	assert.Equal(t, int64(42), result.AccountID)
	assert.Equal(t, "cred-1", result.CredentialID)
	assert.Empty(t, result.FailureReason)

	f.tasks.Stop()
	assert.Contains(t, store.lastUsedIDs, "cred-1", "last-used write-back must reach the store")
	assert.Equal(t, 1, store.attempts)
}

func TestAuthenticateInvalidKey(t *testing.T) {
	store := &mockStore{
		accountID: 42,
		credentials: []db.Credential{
			{ID: "cred-1", SecretHash: mustHash(t, "s3cret"), Scopes: []string{ScopePOP3}},
		},
	}
	f := newAuthFixture(t, store)

	result := f.auth.Authenticate(context.Background(), "alice", "wrong", "192.0.2.1")
	assert.False(t, result.Authenticated)
	assert.Equal(t, ReasonInvalidKey, result.FailureReason)
}

func TestAuthenticateUserNotFound(t *testing.T) {
	store := &mockStore{lookupErr: consts.ErrUserNotFound}
	f := newAuthFixture(t, store)

	result := f.auth.Authenticate(context.Background(), "nobody", "pw", "192.0.2.1")
	assert.False(t, result.Authenticated)
	assert.Equal(t, ReasonUserNotFound, result.FailureReason)
}

func TestAuthenticateMissingScopeNoFallThrough(t *testing.T) {
	// Two credentials share the password; the first lacks the protocol
	// scope. The first match must decide, never the second.
	store := &mockStore{
		accountID: 42,
		credentials: []db.Credential{
			{ID: "cred-api", SecretHash: mustHash(t, "shared"), Scopes: []string{ScopeAPIRead}},
			{ID: "cred-pop", SecretHash: mustHash(t, "shared"), Scopes: []string{ScopePOP3}},
		},
	}
	f := newAuthFixture(t, store)

	result := f.auth.Authenticate(context.Background(), "alice", "shared", "192.0.2.1")
	assert.False(t, result.Authenticated)
	assert.Equal(t, ReasonMissingScope, result.FailureReason)
}

func TestAuthenticateRevokedCredentialExcluded(t *testing.T) {
	// Revoked credentials never reach the authenticator; the store
	// filters them. A store returning none yields invalid_key.
	store := &mockStore{accountID: 42, credentials: nil}
	f := newAuthFixture(t, store)

	result := f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.1")
	assert.False(t, result.Authenticated)
	assert.Equal(t, ReasonInvalidKey, result.FailureReason)
}

func TestAuthenticateCachedResultSkipsStore(t *testing.T) {
	store := &mockStore{
		accountID: 42,
		credentials: []db.Credential{
			{ID: "cred-1", SecretHash: mustHash(t, "s3cret"), Scopes: []string{ScopePOP3}},
		},
	}
	f := newAuthFixture(t, store)

	first := f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.1")
	require.True(t, first.Authenticated)
	require.Equal(t, 1, store.lookupCount())

	second := f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.1")
	require.True(t, second.Authenticated)
	assert.Equal(t, first.AccountID, second.AccountID)
	assert.Equal(t, 1, store.lookupCount(), "cached result must not hit the store again")
}

func TestAuthenticateNegativeResultCached(t *testing.T) {
	store := &mockStore{
		accountID: 42,
		credentials: []db.Credential{
			{ID: "cred-1", SecretHash: mustHash(t, "s3cret"), Scopes: []string{ScopePOP3}},
		},
	}
	f := newAuthFixture(t, store)

	f.auth.Authenticate(context.Background(), "alice", "wrong", "192.0.2.1")
	require.Equal(t, 1, store.lookupCount())

	result := f.auth.Authenticate(context.Background(), "alice", "wrong", "192.0.2.1")
	assert.False(t, result.Authenticated)
	assert.Equal(t, ReasonInvalidKey, result.FailureReason)
	assert.Equal(t, 1, store.lookupCount(), "cached failure must not hit the store again")
}

func TestAuthenticateRateLimited(t *testing.T) {
	store := &mockStore{
		accountID: 42,
		credentials: []db.Credential{
			{ID: "cred-1", SecretHash: mustHash(t, "s3cret"), Scopes: []string{ScopePOP3}},
		},
	}
	f := newAuthFixture(t, store)

	// Distinct wrong passwords defeat the negative cache so each attempt
	// reaches the limiter as a fresh failure.
	f.auth.Authenticate(context.Background(), "alice", "wrong-1", "192.0.2.1")
	f.auth.Authenticate(context.Background(), "alice", "wrong-2", "192.0.2.1")
	f.auth.Authenticate(context.Background(), "alice", "wrong-3", "192.0.2.1")
	lookupsBefore := store.lookupCount()

	result := f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.1")
	assert.False(t, result.Authenticated)
	assert.Equal(t, ReasonRateLimited, result.FailureReason)
	assert.Equal(t, lookupsBefore, store.lookupCount(),
		"rate-limited attempt must not touch credential state")

	// Another client address is unaffected.
	other := f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.9")
	assert.True(t, other.Authenticated)
}

func TestAuthenticateStoreErrorNotCached(t *testing.T) {
	store := &mockStore{lookupErr: context.DeadlineExceeded}
	f := newAuthFixture(t, store)

	result := f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.1")
	assert.False(t, result.Authenticated)
	assert.Empty(t, result.FailureReason)

	// The failure was infrastructural; the next attempt retries the
	// store instead of replaying a cached verdict.
	f.auth.Authenticate(context.Background(), "alice", "s3cret", "192.0.2.1")
	assert.Equal(t, 2, store.lookupCount())
}

func TestResultErrMapping(t *testing.T) {
	assert.NoError(t, Result{Authenticated: true}.Err())
	assert.ErrorIs(t, Result{FailureReason: ReasonRateLimited}.Err(), consts.ErrRateLimited)
	assert.ErrorIs(t, Result{FailureReason: ReasonUserNotFound}.Err(), consts.ErrUserNotFound)
	assert.ErrorIs(t, Result{FailureReason: ReasonMissingScope}.Err(), consts.ErrMissingScope)
	assert.ErrorIs(t, Result{FailureReason: ReasonInvalidKey}.Err(), consts.ErrInvalidCredential)
}

func TestAuthenticateNormalizesUsername(t *testing.T) {
	store := &mockStore{
		accountID: 42,
		credentials: []db.Credential{
			{ID: "cred-1", SecretHash: mustHash(t, "s3cret"), Scopes: []string{ScopePOP3}},
		},
	}
	f := newAuthFixture(t, store)

	first := f.auth.Authenticate(context.Background(), "Alice", "s3cret", "192.0.2.1")
	require.True(t, first.Authenticated)

	second := f.auth.Authenticate(context.Background(), " alice ", "s3cret", "192.0.2.1")
	require.True(t, second.Authenticated)
	assert.Equal(t, 1, store.lookupCount(), "case and whitespace variants must share a cache entry")
}
