package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/kitemail/kite/consts"
)

func TestConnectionLimiterAdmitAndRelease(t *testing.T) {
	cl := NewConnectionLimiter("pop3")

	for i := 0; i < 3; i++ {
		if !cl.TryAdmit("alice", 3) {
			t.Fatalf("admission %d rejected below the limit", i+1)
		}
	}
	if cl.TryAdmit("alice", 3) {
		t.Fatal("admission succeeded at the limit")
	}
	if got := cl.Count("alice"); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}

	// Other identities are unaffected.
	if !cl.TryAdmit("bob", 3) {
		t.Fatal("other identity rejected")
	}

	cl.Release("alice")
	if !cl.TryAdmit("alice", 3) {
		t.Fatal("admission rejected after a release freed a slot")
	}
}

func TestConnectionLimiterSaturatingRelease(t *testing.T) {
	cl := NewConnectionLimiter("pop3")

	cl.Release("ghost")
	if got := cl.Count("ghost"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}

	cl.TryAdmit("alice", 5)
	cl.Release("alice")
	cl.Release("alice")
	cl.Release("alice")
	if got := cl.Count("alice"); got != 0 {
		t.Fatalf("count = %d after extra releases, want 0", got)
	}
}

func TestConnectionLimiterAdmitError(t *testing.T) {
	cl := NewConnectionLimiter("pop3")

	if err := cl.Admit("alice", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := cl.Admit("alice", 1)
	if !errors.Is(err, consts.ErrConnectionLimitExceeded) {
		t.Fatalf("got %v, want ErrConnectionLimitExceeded", err)
	}
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	cl := NewConnectionLimiter("pop3")
	for i := 0; i < 100; i++ {
		if !cl.TryAdmit("alice", 0) {
			t.Fatal("non-positive max must admit unconditionally")
		}
	}
	if got := cl.Count("alice"); got != 100 {
		t.Fatalf("count = %d, want 100", got)
	}
}

func TestConnectionLimiterConcurrent(t *testing.T) {
	const max = 10
	const workers = 100

	cl := NewConnectionLimiter("pop3")

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cl.TryAdmit("alice", max) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != max {
		t.Fatalf("admitted %d concurrent connections, want exactly %d", admitted, max)
	}
	if got := cl.Count("alice"); got != max {
		t.Fatalf("count = %d, want %d", got, max)
	}

	// Release everything concurrently, twice over; count must land on
	// zero, never below.
	for i := 0; i < 2*max; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cl.Release("alice")
		}()
	}
	wg.Wait()

	if got := cl.Count("alice"); got != 0 {
		t.Fatalf("count = %d after full release, want 0", got)
	}
	if got := cl.Total(); got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
}
