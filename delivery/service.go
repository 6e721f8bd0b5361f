package delivery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/kitemail/kite/consts"
	"github.com/kitemail/kite/logger"
	"github.com/kitemail/kite/pkg/metrics"
)

// Outcome classifies one recipient's delivery attempt cycle.
type Outcome int

const (
	// OutcomeDelivered means a host accepted the message.
	OutcomeDelivered Outcome = iota
	// OutcomeTransient means every usable host failed retryably; the
	// recipient stays pending for the next cycle.
	OutcomeTransient
	// OutcomePermanent means a host rejected the message outright or the
	// domain has no mail route; retrying cannot help.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// AttemptLog receives one immutable record per host contacted.
type AttemptLog interface {
	AppendDeliveryLog(ctx context.Context, messageID, recipient, mxHost, response string) error
}

// Service delivers one message to one recipient: route resolution, then
// SMTP attempts against the host list in preference order.
type Service struct {
	resolver  *Resolver
	agent     Agent
	log       AttemptLog
	smarthost string // host:port, empty selects direct MX delivery
}

// NewService creates the per-recipient delivery service. When smarthost
// is non-empty all mail goes through it and MX resolution is skipped.
func NewService(resolver *Resolver, agent Agent, log AttemptLog, smarthost string) *Service {
	return &Service{
		resolver:  resolver,
		agent:     agent,
		log:       log,
		smarthost: smarthost,
	}
}

// DeliverRecipient attempts delivery of raw to one recipient. Hosts are
// tried in preference order: a success or a permanent rejection stops
// the walk, a transient failure moves to the next host. Every host
// contacted leaves a delivery log row.
func (s *Service) DeliverRecipient(ctx context.Context, messageID, from, to string, raw []byte) (Outcome, error) {
	hosts, err := s.route(ctx, to)
	if err != nil {
		s.logAttempt(ctx, messageID, to, "", err.Error())
		if IsPermanentError(err) {
			metrics.DeliveryAttemptsTotal.WithLabelValues("permanent").Inc()
			return OutcomePermanent, err
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues("transient").Inc()
		return OutcomeTransient, err
	}

	var lastErr error
	for _, host := range hosts {
		err := s.agent.SendMail(ctx, host, from, to, raw)
		if err == nil {
			s.logAttempt(ctx, messageID, to, host, "accepted")
			metrics.DeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
			return OutcomeDelivered, nil
		}

		s.logAttempt(ctx, messageID, to, host, err.Error())
		if IsPermanentError(err) {
			metrics.DeliveryAttemptsTotal.WithLabelValues("permanent").Inc()
			logger.InfoContext(ctx, "Delivery: permanent rejection",
				"message_id", messageID, "recipient", to, "host", host, "error", err)
			return OutcomePermanent, err
		}

		metrics.DeliveryAttemptsTotal.WithLabelValues("transient").Inc()
		logger.DebugContext(ctx, "Delivery: transient failure, trying next host",
			"message_id", messageID, "recipient", to, "host", host, "error", err)
		lastErr = err
	}

	return OutcomeTransient, fmt.Errorf("all hosts failed for %s: %w", to, lastErr)
}

// route returns the host:port list to try for a recipient.
func (s *Service) route(ctx context.Context, to string) ([]string, error) {
	if s.smarthost != "" {
		return []string{s.smarthost}, nil
	}

	at := strings.LastIndex(to, "@")
	if at < 0 || at == len(to)-1 {
		return nil, fmt.Errorf("%w: recipient %q has no domain", consts.ErrNoMailExchanger, to)
	}
	domain := to[at+1:]

	hosts, err := s.resolver.ResolveMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	for i, host := range hosts {
		if _, _, err := net.SplitHostPort(host); err != nil {
			hosts[i] = net.JoinHostPort(host, "25")
		}
	}
	return hosts, nil
}

// logAttempt is best-effort; a failed log write must not change the
// delivery outcome.
func (s *Service) logAttempt(ctx context.Context, messageID, recipient, host, response string) {
	if s.log == nil {
		return
	}
	if err := s.log.AppendDeliveryLog(ctx, messageID, recipient, host, response); err != nil {
		logger.WarnContext(ctx, "Delivery: failed to write delivery log",
			"message_id", messageID, "recipient", recipient, "error", err)
	}
}
