package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, positiveTTL, negativeTTL time.Duration, maxSize int) *Cache {
	t.Helper()
	c := NewCache(positiveTTL, negativeTTL, maxSize)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Stop(ctx)
	})
	return c
}

func TestCacheSetGet(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute, 100)

	fp := c.Fingerprint("alice", "secret")
	c.Set(fp, Outcome{Authenticated: true, AccountID: 7, CredentialID: "cred-1"})

	outcome, ok := c.Get(fp)
	require.True(t, ok)
	assert.True(t, outcome.Authenticated)
	assert.Equal(t, int64(7), outcome.AccountID)
	assert.Equal(t, "cred-1", outcome.CredentialID)

	_, ok = c.Get(c.Fingerprint("alice", "wrong"))
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := newTestCache(t, time.Hour, 10*time.Millisecond, 100)

	fp := c.Fingerprint("alice", "secret")
	c.Set(fp, Outcome{Reason: ReasonInvalidKey})

	_, ok := c.Get(fp)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(fp)
	assert.False(t, ok, "negative entry must expire after its TTL")
}

func TestCacheNegativeTTLShorterThanPositive(t *testing.T) {
	c := newTestCache(t, time.Hour, 10*time.Millisecond, 100)

	positive := c.Fingerprint("alice", "good")
	negative := c.Fingerprint("alice", "bad")
	c.Set(positive, Outcome{Authenticated: true, AccountID: 7})
	c.Set(negative, Outcome{Reason: ReasonInvalidKey})

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(positive)
	assert.True(t, ok, "positive entry must outlive the negative TTL")
	_, ok = c.Get(negative)
	assert.False(t, ok)
}

func TestCacheFingerprintKeyedByIdentity(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute, 100)

	// Equal secrets under different identities must not collide, and
	// identity normalization must fold case and whitespace.
	assert.NotEqual(t, c.Fingerprint("alice", "s3cret"), c.Fingerprint("bob", "s3cret"))
	assert.Equal(t, c.Fingerprint("Alice", "s3cret"), c.Fingerprint(" alice ", "s3cret"))
	assert.NotEqual(t, c.Fingerprint("alice", "a"), c.Fingerprint("alice", "b"))
}

func TestCacheEvictionUnderSizePressure(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute, 3)

	for _, name := range []string{"a", "b", "c", "d"} {
		c.Set(c.Fingerprint(name, "pw"), Outcome{Reason: ReasonInvalidKey})
	}
	assert.LessOrEqual(t, c.Size(), 3, "cache must hold the size bound by evicting")
}

func TestCacheInvalidate(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute, 100)

	fp := c.Fingerprint("alice", "secret")
	c.Set(fp, Outcome{Authenticated: true, AccountID: 7})
	c.Invalidate(fp)

	_, ok := c.Get(fp)
	assert.False(t, ok)
}
