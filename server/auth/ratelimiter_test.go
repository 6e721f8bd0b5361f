package auth

import (
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, config RateLimiterConfig) *RateLimiter {
	t.Helper()
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	rl := NewRateLimiter(config)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterBlocksAfterMaxFailures(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		MaxFailures:   3,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	})

	for i := 0; i < 3; i++ {
		if rl.CheckRateLimit("192.0.2.1", "pop3") {
			t.Fatalf("blocked after only %d failures", i)
		}
		rl.RecordFailure("192.0.2.1", "pop3")
	}

	if !rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("not blocked after reaching the failure limit")
	}
}

func TestRateLimiterAccountsPerProtocol(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		MaxFailures:   2,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	})

	rl.RecordFailure("192.0.2.1", "pop3")
	rl.RecordFailure("192.0.2.1", "pop3")

	if !rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("pop3 not blocked")
	}
	// The same address keeps its own budget on every other protocol.
	if rl.CheckRateLimit("192.0.2.1", "smtp") {
		t.Fatal("smtp blocked by pop3 failures from the same address")
	}
	if rl.CheckRateLimit("192.0.2.2", "pop3") {
		t.Fatal("unrelated address blocked")
	}
}

func TestRateLimiterSuccessClearsFailures(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		MaxFailures:   2,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	})

	rl.RecordFailure("192.0.2.1", "pop3")
	rl.RecordSuccess("192.0.2.1", "pop3")
	rl.RecordFailure("192.0.2.1", "pop3")

	if rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("blocked although a success cleared the earlier failure")
	}
}

func TestRateLimiterSuccessDoesNotLiftActiveBlock(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		MaxFailures:   1,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	})

	rl.RecordFailure("192.0.2.1", "pop3")
	if !rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("not blocked after reaching the failure limit")
	}

	rl.RecordSuccess("192.0.2.1", "pop3")
	if !rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("active block lifted by a success")
	}
}

func TestRateLimiterBlockExpires(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		MaxFailures:   1,
		FailureWindow: 5 * time.Millisecond,
		BlockDuration: 10 * time.Millisecond,
	})

	rl.RecordFailure("192.0.2.1", "pop3")
	if !rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("not blocked")
	}

	time.Sleep(20 * time.Millisecond)
	if rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("still blocked after block duration and window elapsed")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		MaxFailures:   0,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	})

	for i := 0; i < 100; i++ {
		rl.RecordFailure("192.0.2.1", "pop3")
	}
	if rl.CheckRateLimit("192.0.2.1", "pop3") {
		t.Fatal("limiter with MaxFailures <= 0 must never block")
	}
}
