// Package pop3 implements the POP3 session state machine: the
// Authorization, Transaction and Update states, the per-session mailbox
// snapshot, and the bounded deletion mark set applied atomically at
// session close.
package pop3

import (
	"context"
	"fmt"

	"github.com/kitemail/kite/consts"
	"github.com/kitemail/kite/server"
)

// State is the POP3 session state.
type State int

const (
	// StateAuthorization accepts only authentication commands.
	StateAuthorization State = iota
	// StateTransaction allows mailbox listing and deletion marking.
	StateTransaction
	// StateUpdate is terminal; marked deletions were applied on entry.
	StateUpdate
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "authorization"
	case StateTransaction:
		return "transaction"
	case StateUpdate:
		return "update"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageDescriptor is one mailbox entry in the session snapshot.
// Sequence numbers are 1-based and stable for the whole session.
type MessageDescriptor struct {
	Seq       int
	MessageID string // backing store message id
	Size      int64
	UID       string // stable unique id for UIDL
}

// Maildrop is the slice of the message store a POP3 session needs. The
// snapshot is taken once at session start; mid-session mailbox changes
// are invisible, per protocol.
type Maildrop interface {
	// ListMessages returns the account's messages in mailbox order.
	ListMessages(ctx context.Context, accountID int64) ([]MessageDescriptor, error)
	// DeleteMessages removes the given messages. Must be all-or-nothing
	// from the caller's perspective.
	DeleteMessages(ctx context.Context, accountID int64, messageIDs []string) error
}

// Session is a POP3 connection's state. Owned exclusively by its
// connection handler. Illegal command-for-state combinations are
// rejected with consts.ErrSessionStateViolation and leave the session
// usable; only the framing and connection-limit errors are fatal to the
// connection.
type Session struct {
	server.Session

	drop       Maildrop
	state      State
	messages   []MessageDescriptor
	deleted    map[int]bool
	maxDeleted int
}

// NewSession creates a session in the Authorization state. maxDeleted
// bounds the deletion mark set; non-positive selects 4096.
func NewSession(base server.Session, drop Maildrop, maxDeleted int) *Session {
	if maxDeleted <= 0 {
		maxDeleted = 4096
	}
	return &Session{
		Session:    base,
		drop:       drop,
		deleted:    make(map[int]bool),
		maxDeleted: maxDeleted,
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

// Authenticate binds the authenticated identity, snapshots the mailbox
// and enters the Transaction state.
func (s *Session) Authenticate(ctx context.Context, accountID int64, username string) error {
	if s.state != StateAuthorization {
		return consts.ErrSessionStateViolation
	}

	messages, err := s.drop.ListMessages(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list mailbox: %w", err)
	}
	for i := range messages {
		messages[i].Seq = i + 1
	}

	s.SetAuthenticated(accountID, username)
	s.messages = messages
	s.state = StateTransaction
	s.Log("entered transaction state, %d messages", len(messages))
	return nil
}

// Stat returns the visible message count and total size, excluding
// messages marked for deletion.
func (s *Session) Stat() (int, int64, error) {
	if s.state != StateTransaction {
		return 0, 0, consts.ErrSessionStateViolation
	}
	var count int
	var size int64
	for _, m := range s.messages {
		if s.deleted[m.Seq] {
			continue
		}
		count++
		size += m.Size
	}
	return count, size, nil
}

// List returns the visible message descriptors, excluding deletion
// marks.
func (s *Session) List() ([]MessageDescriptor, error) {
	if s.state != StateTransaction {
		return nil, consts.ErrSessionStateViolation
	}
	visible := make([]MessageDescriptor, 0, len(s.messages))
	for _, m := range s.messages {
		if !s.deleted[m.Seq] {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// Message returns one visible descriptor by sequence number.
func (s *Session) Message(seq int) (MessageDescriptor, error) {
	if s.state != StateTransaction {
		return MessageDescriptor{}, consts.ErrSessionStateViolation
	}
	if seq < 1 || seq > len(s.messages) {
		return MessageDescriptor{}, fmt.Errorf("no such message %d", seq)
	}
	if s.deleted[seq] {
		return MessageDescriptor{}, fmt.Errorf("message %d is marked deleted", seq)
	}
	return s.messages[seq-1], nil
}

// MarkDeleted marks a message for deletion at session close. The mark
// set is bounded: marks past the bound are rejected per-command (the
// session stays usable) instead of silently dropped, so a long-lived
// session cannot grow memory without limit.
func (s *Session) MarkDeleted(seq int) error {
	if s.state != StateTransaction {
		return consts.ErrSessionStateViolation
	}
	if seq < 1 || seq > len(s.messages) {
		return fmt.Errorf("no such message %d", seq)
	}
	if s.deleted[seq] {
		return fmt.Errorf("message %d already marked deleted", seq)
	}
	if len(s.deleted) >= s.maxDeleted {
		return fmt.Errorf("%w (max %d)", consts.ErrDeletionLimitExceeded, s.maxDeleted)
	}
	s.deleted[seq] = true
	s.Touch()
	return nil
}

// Reset clears all deletion marks (RSET).
func (s *Session) Reset() error {
	if s.state != StateTransaction {
		return consts.ErrSessionStateViolation
	}
	s.deleted = make(map[int]bool)
	s.Touch()
	return nil
}

// DeletedCount returns the number of marks held.
func (s *Session) DeletedCount() int {
	return len(s.deleted)
}

// Update enters the Update state and applies all marked deletions in a
// single store operation. The deletions are all-or-nothing: on store
// failure no mark is applied and the session still ends, per protocol,
// with the mailbox unchanged. Deletions never happen before this point.
func (s *Session) Update(ctx context.Context) error {
	if s.state != StateTransaction {
		return consts.ErrSessionStateViolation
	}
	s.state = StateUpdate

	if len(s.deleted) == 0 {
		return nil
	}

	messageIDs := make([]string, 0, len(s.deleted))
	for _, m := range s.messages {
		if s.deleted[m.Seq] {
			messageIDs = append(messageIDs, m.MessageID)
		}
	}

	if err := s.drop.DeleteMessages(ctx, s.AccountID, messageIDs); err != nil {
		s.Log("failed to apply %d deletions: %v", len(messageIDs), err)
		return fmt.Errorf("failed to apply deletions: %w", err)
	}
	s.Log("applied %d deletions", len(messageIDs))
	return nil
}
