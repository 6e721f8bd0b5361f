package server

import (
	"testing"
	"time"
)

func TestSessionAuthentication(t *testing.T) {
	s := NewSession("pop3", "192.0.2.1:12345")

	if s.Authenticated() {
		t.Fatal("fresh session must not be authenticated")
	}
	if s.ID == "" {
		t.Fatal("session must get an id")
	}

	s.SetAuthenticated(42, "alice")
	if !s.Authenticated() {
		t.Fatal("session must be authenticated after SetAuthenticated")
	}
	if s.AccountID != 42 || s.Username != "alice" {
		t.Fatalf("identity = (%d, %q), want (42, alice)", s.AccountID, s.Username)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	s := NewSession("pop3", "192.0.2.1:12345")

	if s.IsTimedOut(time.Minute) {
		t.Fatal("fresh session must not be timed out")
	}

	s.LastActivity = time.Now().Add(-2 * time.Minute)
	if !s.IsTimedOut(time.Minute) {
		t.Fatal("idle session must be timed out")
	}

	s.Touch()
	if s.IsTimedOut(time.Minute) {
		t.Fatal("touched session must not be timed out")
	}
}
