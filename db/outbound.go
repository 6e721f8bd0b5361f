package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kitemail/kite/consts"
)

// Outbound message states. Sending is transient: the delivery processor
// must move every message out of it before or upon completion of an
// attempt cycle, otherwise the message is stalled.
const (
	MessageStateDraft           = "draft"
	MessageStateQueued          = "queued"
	MessageStateSending         = "sending"
	MessageStateSent            = "sent"
	MessageStateFailed          = "failed"
	MessageStatePartiallyFailed = "partially_failed"
)

// Per-recipient delivery statuses.
const (
	RecipientStatusPending = "pending"
	RecipientStatusSent    = "sent"
	RecipientStatusFailed  = "failed"
)

// OutboundMessage is one queued outbound mail with its recipients and
// attachments.
type OutboundMessage struct {
	ID          string
	AccountID   int64
	FromAddress string
	Subject     string
	TextBody    string
	HTMLBody    string
	MessageID   string
	InReplyTo   string
	References  []string
	State       string
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	Recipients  []Recipient
	Attachments []Attachment
}

// Recipient carries its own delivery status independent of the message
// state.
type Recipient struct {
	Address string
	Status  string
}

// Attachment is a file attached to an outbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// EnqueueMessage stores a new outbound message in Queued state, due
// immediately. Message, recipients and attachments are written in one
// transaction.
func (db *Database) EnqueueMessage(ctx context.Context, msg *OutboundMessage) error {
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("outbound message has no recipients")
	}
	// Only fresh or draft messages may enter the queue.
	if msg.State != "" && msg.State != MessageStateDraft {
		return fmt.Errorf("%w: state %s", consts.ErrMessageNotQueued, msg.State)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO outbound_messages
			(id, account_id, from_address, subject, text_body, html_body,
			 message_id, in_reply_to, reference_ids, state, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		msg.ID, msg.AccountID, msg.FromAddress, msg.Subject, msg.TextBody, msg.HTMLBody,
		msg.MessageID, msg.InReplyTo, msg.References, MessageStateQueued)
	if err != nil {
		return fmt.Errorf("failed to insert outbound message: %w", err)
	}

	for _, rcpt := range msg.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO outbound_recipients (message_id, address, status)
			VALUES ($1, $2, $3)`, msg.ID, rcpt.Address, RecipientStatusPending)
		if err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	for _, att := range msg.Attachments {
		_, err = tx.Exec(ctx, `
			INSERT INTO outbound_attachments (message_id, filename, content_type, content)
			VALUES ($1, $2, $3, $4)`, msg.ID, att.Filename, att.ContentType, att.Content)
		if err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

// AcquireDueMessages atomically transitions up to limit due Queued
// messages to Sending and returns them with recipients and attachments
// loaded. Concurrent processors skip each other's rows.
func (db *Database) AcquireDueMessages(ctx context.Context, limit int) ([]*OutboundMessage, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		UPDATE outbound_messages SET state = $1, sending_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE state = $2 AND next_retry_at <= now()
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, from_address, subject, text_body, html_body,
			message_id, in_reply_to, reference_ids, state, retry_count,
			next_retry_at, last_error, created_at`,
		MessageStateSending, MessageStateQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire due messages: %w", err)
	}
	defer rows.Close()

	var msgs []*OutboundMessage
	for rows.Next() {
		var m OutboundMessage
		if err := rows.Scan(&m.ID, &m.AccountID, &m.FromAddress, &m.Subject, &m.TextBody,
			&m.HTMLBody, &m.MessageID, &m.InReplyTo, &m.References, &m.State,
			&m.RetryCount, &m.NextRetryAt, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbound message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range msgs {
		if err := db.loadMessageParts(ctx, m); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (db *Database) loadMessageParts(ctx context.Context, m *OutboundMessage) error {
	rows, err := db.Pool.Query(ctx,
		"SELECT address, status FROM outbound_recipients WHERE message_id = $1 ORDER BY id", m.ID)
	if err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.Address, &r.Status); err != nil {
			return fmt.Errorf("failed to scan recipient: %w", err)
		}
		m.Recipients = append(m.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	attRows, err := db.Pool.Query(ctx,
		"SELECT filename, content_type, content FROM outbound_attachments WHERE message_id = $1 ORDER BY id", m.ID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}
	defer attRows.Close()
	for attRows.Next() {
		var a Attachment
		if err := attRows.Scan(&a.Filename, &a.ContentType, &a.Content); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		m.Attachments = append(m.Attachments, a)
	}
	return attRows.Err()
}

// SetMessageID persists a wire message id generated at composition
// time, so the stored row and the sent message agree.
func (db *Database) SetMessageID(ctx context.Context, messageID, wireMessageID string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx,
		"UPDATE outbound_messages SET message_id = $1, updated_at = now() WHERE id = $2",
		wireMessageID, messageID)
	if err != nil {
		return fmt.Errorf("failed to set message id: %w", err)
	}
	return nil
}

// RequeueMessage returns a message from Sending to Queued with an
// advanced retry schedule.
func (db *Database) RequeueMessage(ctx context.Context, messageID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		UPDATE outbound_messages
		SET state = $1, retry_count = $2, next_retry_at = $3, last_error = $4,
			sending_at = NULL, updated_at = now()
		WHERE id = $5`,
		MessageStateQueued, retryCount, nextRetryAt, lastError, messageID)
	if err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}

// FinalizeMessage moves a message to a terminal state.
func (db *Database) FinalizeMessage(ctx context.Context, messageID, state, lastError string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		UPDATE outbound_messages
		SET state = $1, last_error = $2, sending_at = NULL, updated_at = now()
		WHERE id = $3`, state, lastError, messageID)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	return nil
}

// UpdateRecipientStatus records one recipient's delivery status.
func (db *Database) UpdateRecipientStatus(ctx context.Context, messageID, address, status string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		UPDATE outbound_recipients SET status = $1, updated_at = now()
		WHERE message_id = $2 AND address = $3`, status, messageID, address)
	if err != nil {
		return fmt.Errorf("failed to update recipient status: %w", err)
	}
	return nil
}

// AppendDeliveryLog writes one immutable delivery attempt record.
func (db *Database) AppendDeliveryLog(ctx context.Context, messageID, recipient, mxHost, response string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO delivery_log (message_id, recipient, mx_host, response)
		VALUES ($1, $2, $3, $4)`, messageID, recipient, mxHost, response)
	if err != nil {
		return fmt.Errorf("failed to append delivery log: %w", err)
	}
	return nil
}

// RecoverStalledMessages requeues messages stuck in Sending longer than
// olderThan. Run at startup and periodically: a message left in Sending
// past the stall threshold means a processor crashed mid-cycle.
func (db *Database) RecoverStalledMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE outbound_messages
		SET state = $1, next_retry_at = now(), sending_at = NULL, updated_at = now()
		WHERE state = $2 AND sending_at < $3`,
		MessageStateQueued, MessageStateSending, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stalled messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetQueueStats counts outbound messages by state for the status
// endpoint and queue depth gauges.
func (db *Database) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx,
		"SELECT state, COUNT(*) FROM outbound_messages GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats[state] = count
	}
	return stats, rows.Err()
}
