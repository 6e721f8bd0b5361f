package auth

import (
	"sync"
	"time"

	"github.com/kitemail/kite/logger"
)

// RateLimiterConfig holds the limiter policy knobs.
type RateLimiterConfig struct {
	MaxFailures     int           // failures inside the window before blocking
	FailureWindow   time.Duration // sliding window for counting failures
	BlockDuration   time.Duration // how long a tripped pair stays blocked
	CleanupInterval time.Duration // how often idle records are pruned
}

// DefaultRateLimiterConfig returns the stock policy.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailures:     10,
		FailureWindow:   15 * time.Minute,
		BlockDuration:   5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type limiterRecord struct {
	failures     []time.Time
	blockedUntil time.Time
}

// RateLimiter tracks authentication failures per (client address,
// protocol) pair. Accounting is not shared across protocols: abuse
// against pop3 from an address must not starve smtp submission from
// the same address.
type RateLimiter struct {
	config  RateLimiterConfig
	mu      sync.Mutex
	records map[string]*limiterRecord

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	rl := &RateLimiter{
		config:         config,
		records:        make(map[string]*limiterRecord),
		stopCleanup:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
	}
	go rl.cleanupLoop()

	logger.Info("AuthRateLimiter: initialized", "max_failures", config.MaxFailures,
		"failure_window", config.FailureWindow, "block_duration", config.BlockDuration)
	return rl
}

func limiterKey(clientAddr, protocol string) string {
	return clientAddr + "\x00" + protocol
}

// CheckRateLimit reports whether a new attempt from (clientAddr,
// protocol) is currently blocked.
func (rl *RateLimiter) CheckRateLimit(clientAddr, protocol string) bool {
	if rl.config.MaxFailures <= 0 {
		return false
	}

	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, exists := rl.records[limiterKey(clientAddr, protocol)]
	if !exists {
		return false
	}
	if now.Before(rec.blockedUntil) {
		return true
	}

	rec.prune(now, rl.config.FailureWindow)
	if len(rec.failures) >= rl.config.MaxFailures {
		rec.blockedUntil = now.Add(rl.config.BlockDuration)
		logger.Warn("AuthRateLimiter: blocking client",
			"client", clientAddr, "protocol", protocol,
			"failures", len(rec.failures), "blocked_until", rec.blockedUntil)
		return true
	}
	return false
}

// RecordFailure adds one failed attempt for the pair.
func (rl *RateLimiter) RecordFailure(clientAddr, protocol string) {
	now := time.Now()
	key := limiterKey(clientAddr, protocol)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, exists := rl.records[key]
	if !exists {
		rec = &limiterRecord{}
		rl.records[key] = rec
	}
	rec.prune(now, rl.config.FailureWindow)
	rec.failures = append(rec.failures, now)
}

// RecordSuccess clears the failure history for the pair. A successful
// authentication ends any accumulated suspicion; an active block is not
// lifted early.
func (rl *RateLimiter) RecordSuccess(clientAddr, protocol string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rec, exists := rl.records[limiterKey(clientAddr, protocol)]; exists {
		rec.failures = rec.failures[:0]
	}
}

func (r *limiterRecord) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := r.failures[:0]
	for _, t := range r.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.failures = kept
}

func (rl *RateLimiter) cleanupLoop() {
	defer close(rl.cleanupStopped)

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops records with no recent failures and no active block.
func (rl *RateLimiter) cleanup() {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, rec := range rl.records {
		rec.prune(now, rl.config.FailureWindow)
		if len(rec.failures) == 0 && now.After(rec.blockedUntil) {
			delete(rl.records, key)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
	<-rl.cleanupStopped
}
