package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kitemail/kite/logger"
)

// Session is the per-connection state shared by every protocol
// front-end. It is owned exclusively by the connection handler; no
// internal locking. Protocol packages embed it and add their own state
// machine on top.
type Session struct {
	ID           string
	Protocol     string
	RemoteAddr   string
	CreatedAt    time.Time
	LastActivity time.Time

	// Authenticated identity, zero until authentication succeeds.
	AccountID int64
	Username  string
}

// NewSession creates a session for a fresh connection.
func NewSession(protocol, remoteAddr string) Session {
	now := time.Now()
	return Session{
		ID:           uuid.New().String(),
		Protocol:     protocol,
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Touch records activity. LastActivity never moves behind CreatedAt.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// IsTimedOut reports whether the session has been idle longer than
// timeout. Pure function of now minus LastActivity.
func (s *Session) IsTimedOut(timeout time.Duration) bool {
	return time.Since(s.LastActivity) > timeout
}

// Authenticated reports whether an identity is bound to the session.
func (s *Session) Authenticated() bool {
	return s.AccountID != 0
}

// SetAuthenticated binds the authenticated identity and refreshes the
// activity timestamp.
func (s *Session) SetAuthenticated(accountID int64, username string) {
	s.AccountID = accountID
	s.Username = username
	s.Touch()
}

// Log writes a structured session log line.
func (s *Session) Log(format string, args ...any) {
	user := "none"
	if s.Authenticated() {
		user = fmt.Sprintf("%s/%d", s.Username, s.AccountID)
	}
	logger.Info("Session", "protocol", s.Protocol, "remote", s.RemoteAddr,
		"user", user, "session", s.ID, "msg", fmt.Sprintf(format, args...))
}

// DebugLog writes a structured session debug line.
func (s *Session) DebugLog(format string, args ...any) {
	user := "none"
	if s.Authenticated() {
		user = fmt.Sprintf("%s/%d", s.Username, s.AccountID)
	}
	logger.Debug("Session", "protocol", s.Protocol, "remote", s.RemoteAddr,
		"user", user, "session", s.ID, "msg", fmt.Sprintf(format, args...))
}
