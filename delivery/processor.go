package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/kitemail/kite/db"
	"github.com/kitemail/kite/logger"
	"github.com/kitemail/kite/pkg/metrics"
	"github.com/kitemail/kite/pkg/retry"
)

// Store is the slice of the database the processor needs.
type Store interface {
	AcquireDueMessages(ctx context.Context, limit int) ([]*db.OutboundMessage, error)
	SetMessageID(ctx context.Context, messageID, wireMessageID string) error
	RequeueMessage(ctx context.Context, messageID string, retryCount int, nextRetryAt time.Time, lastError string) error
	FinalizeMessage(ctx context.Context, messageID, state, lastError string) error
	UpdateRecipientStatus(ctx context.Context, messageID, address, status string) error
	RecoverStalledMessages(ctx context.Context, olderThan time.Duration) (int64, error)
	GetQueueStats(ctx context.Context) (map[string]int64, error)
}

// ProcessorConfig drives the queue processor.
type ProcessorConfig struct {
	Interval       time.Duration // poll interval, default 30s
	BatchSize      int           // messages acquired per cycle, default 50
	Concurrency    int           // concurrent recipient deliveries, default 5
	MaxRetries     int           // attempt cycles before a message is terminal, default 8
	RetryBase      time.Duration // first retry delay, default 1m
	RetryMax       time.Duration // backoff cap, default 1h
	StallThreshold time.Duration // Sending age treated as a crashed cycle, default 15m
}

func (c *ProcessorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Hour
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 15 * time.Minute
	}
}

// Processor drains the outbound queue: acquires due messages, delivers
// to their pending recipients, and schedules retries with exponential
// backoff. Backoff is deterministic so operators can predict the retry
// schedule from the retry count alone.
type Processor struct {
	store    Store
	service  *Service
	composer *Composer
	config   ProcessorConfig
	backoff  func(int) time.Duration

	notify chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProcessor creates a stopped processor.
func NewProcessor(store Store, service *Service, composer *Composer, config ProcessorConfig) *Processor {
	config.applyDefaults()
	return &Processor{
		store:    store,
		service:  service,
		composer: composer,
		config:   config,
		backoff: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: config.RetryBase,
			MaxInterval:     config.RetryMax,
			Multiplier:      2.0,
			Jitter:          false,
			MaxRetries:      config.MaxRetries,
		}),
		notify: make(chan struct{}, 1),
	}
}

// Start launches the processing loop. Stalled messages are recovered
// before the first cycle so work orphaned by a crash is picked up
// immediately.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
	logger.Info("DeliveryProcessor: started",
		"interval", p.config.Interval, "batch_size", p.config.BatchSize,
		"concurrency", p.config.Concurrency, "max_retries", p.config.MaxRetries)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("DeliveryProcessor: stopped")
}

// Notify wakes the processor ahead of its next tick, typically after a
// new message was enqueued. Never blocks.
func (p *Processor) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	p.recoverStalled(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		p.processCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverStalled(ctx)
		case <-p.notify:
		}
	}
}

func (p *Processor) recoverStalled(ctx context.Context) {
	recovered, err := p.store.RecoverStalledMessages(ctx, p.config.StallThreshold)
	if err != nil {
		logger.ErrorContext(ctx, "DeliveryProcessor: stall recovery failed", "error", err)
		return
	}
	if recovered > 0 {
		metrics.DeliveryStalledRecovered.Add(float64(recovered))
		logger.WarnContext(ctx, "DeliveryProcessor: requeued stalled messages", "count", recovered)
	}
}

// processCycle drains due messages until the queue is empty or the
// context ends. Each acquired batch is fully resolved: every message
// leaves the Sending state before the next batch is fetched.
func (p *Processor) processCycle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.store.AcquireDueMessages(ctx, p.config.BatchSize)
		if err != nil {
			logger.ErrorContext(ctx, "DeliveryProcessor: failed to acquire messages", "error", err)
			return
		}
		if len(msgs) == 0 {
			p.updateQueueDepth(ctx)
			return
		}

		for _, msg := range msgs {
			p.processMessage(ctx, msg)
		}
	}
}

// processMessage runs one attempt cycle for one message and always
// moves it out of Sending: to Queued with an advanced schedule, or to a
// terminal state.
func (p *Processor) processMessage(ctx context.Context, msg *db.OutboundMessage) {
	start := time.Now()
	defer func() {
		metrics.DeliveryMessageDuration.Observe(time.Since(start).Seconds())
	}()

	hadMessageID := msg.MessageID != ""
	raw, err := p.composer.Compose(msg)
	if err != nil {
		// A message that cannot be rendered will never deliver.
		logger.ErrorContext(ctx, "DeliveryProcessor: message failed to compose",
			"message_id", msg.ID, "error", err)
		p.failPendingRecipients(ctx, msg)
		p.finalize(ctx, msg, db.MessageStateFailed, err.Error())
		return
	}
	if !hadMessageID && msg.MessageID != "" {
		if err := p.store.SetMessageID(ctx, msg.ID, msg.MessageID); err != nil {
			logger.WarnContext(ctx, "DeliveryProcessor: failed to persist message id",
				"message_id", msg.ID, "error", err)
		}
	}

	var sent, failed, pending int
	var lastErr string
	for _, rcpt := range msg.Recipients {
		switch rcpt.Status {
		case db.RecipientStatusSent:
			sent++
		case db.RecipientStatusFailed:
			failed++
		}
	}

	outcomes := p.deliverPending(ctx, msg, raw)
	for addr, result := range outcomes {
		switch result.outcome {
		case OutcomeDelivered:
			sent++
			if err := p.store.UpdateRecipientStatus(ctx, msg.ID, addr, db.RecipientStatusSent); err != nil {
				logger.ErrorContext(ctx, "DeliveryProcessor: failed to mark recipient sent",
					"message_id", msg.ID, "recipient", addr, "error", err)
			}
		case OutcomePermanent:
			failed++
			lastErr = result.err.Error()
			if err := p.store.UpdateRecipientStatus(ctx, msg.ID, addr, db.RecipientStatusFailed); err != nil {
				logger.ErrorContext(ctx, "DeliveryProcessor: failed to mark recipient failed",
					"message_id", msg.ID, "recipient", addr, "error", err)
			}
		case OutcomeTransient:
			pending++
			lastErr = result.err.Error()
		}
	}

	if pending > 0 {
		nextRetry := msg.RetryCount + 1
		if nextRetry <= p.config.MaxRetries {
			nextAt := time.Now().Add(p.backoff(nextRetry))
			if err := p.store.RequeueMessage(ctx, msg.ID, nextRetry, nextAt, lastErr); err != nil {
				logger.ErrorContext(ctx, "DeliveryProcessor: failed to requeue message",
					"message_id", msg.ID, "error", err)
				return
			}
			metrics.DeliveryMessagesTotal.WithLabelValues(db.MessageStateQueued).Inc()
			logger.InfoContext(ctx, "DeliveryProcessor: message requeued",
				"message_id", msg.ID, "retry_count", nextRetry, "next_retry_at", nextAt,
				"pending", pending)
			return
		}

		// Retries exhausted: still-pending recipients become failures.
		p.failPendingRecipients(ctx, msg)
		failed += pending
	}

	state := db.MessageStateSent
	switch {
	case sent == 0:
		state = db.MessageStateFailed
	case failed > 0:
		state = db.MessageStatePartiallyFailed
	}
	p.finalize(ctx, msg, state, lastErr)
}

type recipientResult struct {
	outcome Outcome
	err     error
}

// deliverPending fans pending recipients out under the concurrency
// limit and collects per-recipient outcomes.
func (p *Processor) deliverPending(ctx context.Context, msg *db.OutboundMessage, raw []byte) map[string]recipientResult {
	results := make(map[string]recipientResult)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.config.Concurrency)

	for _, rcpt := range msg.Recipients {
		if rcpt.Status != db.RecipientStatusPending {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := p.service.DeliverRecipient(ctx, msg.ID, msg.FromAddress, addr, raw)
			mu.Lock()
			results[addr] = recipientResult{outcome: outcome, err: err}
			mu.Unlock()
		}(rcpt.Address)
	}
	wg.Wait()
	return results
}

func (p *Processor) failPendingRecipients(ctx context.Context, msg *db.OutboundMessage) {
	for _, rcpt := range msg.Recipients {
		if rcpt.Status != db.RecipientStatusPending {
			continue
		}
		if err := p.store.UpdateRecipientStatus(ctx, msg.ID, rcpt.Address, db.RecipientStatusFailed); err != nil {
			logger.ErrorContext(ctx, "DeliveryProcessor: failed to mark recipient failed",
				"message_id", msg.ID, "recipient", rcpt.Address, "error", err)
		}
	}
}

func (p *Processor) finalize(ctx context.Context, msg *db.OutboundMessage, state, lastErr string) {
	if err := p.store.FinalizeMessage(ctx, msg.ID, state, lastErr); err != nil {
		logger.ErrorContext(ctx, "DeliveryProcessor: failed to finalize message",
			"message_id", msg.ID, "state", state, "error", err)
		return
	}
	metrics.DeliveryMessagesTotal.WithLabelValues(state).Inc()
	logger.InfoContext(ctx, "DeliveryProcessor: message finalized",
		"message_id", msg.ID, "state", state, "retry_count", msg.RetryCount)
}

func (p *Processor) updateQueueDepth(ctx context.Context) {
	stats, err := p.store.GetQueueStats(ctx)
	if err != nil {
		logger.DebugContext(ctx, "DeliveryProcessor: failed to read queue stats", "error", err)
		return
	}
	for _, state := range []string{
		db.MessageStateQueued, db.MessageStateSending,
		db.MessageStateSent, db.MessageStateFailed, db.MessageStatePartiallyFailed,
	} {
		metrics.DeliveryQueueDepth.WithLabelValues(state).Set(float64(stats[state]))
	}
}
