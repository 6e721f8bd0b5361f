package auth

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/kitemail/kite/logger"
	"github.com/kitemail/kite/pkg/metrics"
)

// Outcome is a cached authentication result.
type Outcome struct {
	Authenticated bool
	AccountID     int64
	CredentialID  string
	Reason        string // failure reason when not authenticated
}

type cacheEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

// Cache is a short-TTL cache of credential-fingerprint to outcome. It
// exists to absorb bursty re-authentication from a single client without
// re-hashing and re-querying; TTLs stay in the seconds range so that
// revocation and scope changes propagate promptly. Explicitly
// constructed and owned: build it at startup, inject it into
// authenticators, Stop it at shutdown.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]cacheEntry
	positiveTTL time.Duration
	negativeTTL time.Duration
	maxSize     int

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
}

// NewCache creates an authentication result cache and starts its cleanup
// goroutine.
func NewCache(positiveTTL, negativeTTL time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		entries:        make(map[string]cacheEntry),
		positiveTTL:    positiveTTL,
		negativeTTL:    negativeTTL,
		maxSize:        maxSize,
		stopCleanup:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
	}
	go c.cleanupLoop()

	logger.Info("AuthCache: initialized",
		"positive_ttl", positiveTTL, "negative_ttl", negativeTTL, "max_size", maxSize)
	return c
}

// Fingerprint derives the cache key from the normalized credential
// identity and the supplied secret. The digest is keyed by identity, so
// equal secrets under different identities never collide.
func (c *Cache) Fingerprint(identity, secret string) string {
	normalized := strings.ToLower(strings.TrimSpace(identity))
	key := blake3.Sum256([]byte(normalized))
	h := blake3.New(32, key[:])
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached outcome for a fingerprint, if present and
// unexpired.
func (c *Cache) Get(fingerprint string) (Outcome, bool) {
	c.mu.RLock()
	entry, exists := c.entries[fingerprint]
	c.mu.RUnlock()

	if !exists || time.Now().After(entry.expiresAt) {
		metrics.AuthCacheMissesTotal.Inc()
		return Outcome{}, false
	}
	metrics.AuthCacheHitsTotal.Inc()
	return entry.outcome, true
}

// Set stores an outcome under the fingerprint, evicting the
// soonest-expiring entry under size pressure.
func (c *Cache) Set(fingerprint string, outcome Outcome) {
	ttl := c.positiveTTL
	if !outcome.Authenticated {
		ttl = c.negativeTTL
	}

	c.mu.Lock()
	if len(c.entries) >= c.maxSize {
		c.evictSoonest()
	}
	c.entries[fingerprint] = cacheEntry{outcome: outcome, expiresAt: time.Now().Add(ttl)}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.AuthCacheEntries.Set(float64(size))
}

// Invalidate removes one fingerprint, e.g. after a credential change.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	delete(c.entries, fingerprint)
	size := len(c.entries)
	c.mu.Unlock()
	metrics.AuthCacheEntries.Set(float64(size))
}

// evictSoonest removes the entry closest to expiry. Caller holds the
// write lock.
func (c *Cache) evictSoonest() {
	var victim string
	var victimExpiry time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.expiresAt.Before(victimExpiry) {
			victim = key
			victimExpiry = entry.expiresAt
			first = false
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupStopped)

	interval := c.negativeTTL
	if c.positiveTTL > interval {
		interval = c.positiveTTL
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		metrics.AuthCacheEntries.Set(float64(size))
		logger.Debug("AuthCache: cleanup removed expired entries", "removed", removed, "remaining", size)
	}
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop terminates the cleanup goroutine.
func (c *Cache) Stop(ctx context.Context) error {
	close(c.stopCleanup)
	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
