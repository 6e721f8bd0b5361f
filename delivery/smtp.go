package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/kitemail/kite/consts"
	"github.com/kitemail/kite/logger"
)

// Agent performs one SMTP transaction against one host. Implementations
// must be safe for concurrent use.
type Agent interface {
	SendMail(ctx context.Context, host, from, to string, raw []byte) error
}

// AgentConfig configures the SMTP client agents.
type AgentConfig struct {
	// Hostname announced in HELO/EHLO.
	Hostname string
	// ConnectTimeout bounds dialing and the whole transaction.
	ConnectTimeout time.Duration
	// SmarthostUser and SmarthostPassword enable AUTH PLAIN on the
	// smarthost agent.
	SmarthostUser     string
	SmarthostPassword string
}

// MXAgent speaks SMTP directly to resolved mail exchangers on port 25
// with opportunistic STARTTLS.
type MXAgent struct {
	config AgentConfig
}

func NewMXAgent(config AgentConfig) *MXAgent {
	if config.Hostname == "" {
		config.Hostname = "localhost"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = time.Minute
	}
	return &MXAgent{config: config}
}

// SendMail runs one transaction. The remote's certificate is verified
// when STARTTLS is offered; a host not offering STARTTLS is still
// accepted, since requiring TLS on port 25 would make much of the
// public MX population unreachable.
func (a *MXAgent) SendMail(ctx context.Context, host, from, to string, raw []byte) error {
	conn, err := dialHost(ctx, host, a.config.ConnectTimeout)
	if err != nil {
		return err
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(a.config.Hostname); err != nil {
		return fmt.Errorf("HELO failed: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		serverName, _, splitErr := net.SplitHostPort(host)
		if splitErr != nil {
			serverName = host
		}
		if err := c.StartTLS(&tls.Config{ServerName: serverName}); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	} else {
		logger.Debug("Delivery: host does not offer STARTTLS, sending in clear", "host", host)
	}

	return transact(c, from, to, raw)
}

// SmarthostAgent relays every message through one configured host. TLS
// is required via STARTTLS, and credentials, when configured, are sent
// with AUTH PLAIN only after the channel is encrypted.
type SmarthostAgent struct {
	config AgentConfig
}

func NewSmarthostAgent(config AgentConfig) *SmarthostAgent {
	if config.Hostname == "" {
		config.Hostname = "localhost"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = time.Minute
	}
	return &SmarthostAgent{config: config}
}

func (a *SmarthostAgent) SendMail(ctx context.Context, host, from, to string, raw []byte) error {
	conn, err := dialHost(ctx, host, a.config.ConnectTimeout)
	if err != nil {
		return err
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(a.config.Hostname); err != nil {
		return fmt.Errorf("HELO failed: %w", err)
	}

	serverName, _, splitErr := net.SplitHostPort(host)
	if splitErr != nil {
		serverName = host
	}
	if err := c.StartTLS(&tls.Config{ServerName: serverName}); err != nil {
		return fmt.Errorf("STARTTLS failed: %w", err)
	}

	if a.config.SmarthostUser != "" {
		auth := sasl.NewPlainClient("", a.config.SmarthostUser, a.config.SmarthostPassword)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smarthost authentication failed: %w", err)
		}
	}

	return transact(c, from, to, raw)
}

func dialHost(ctx context.Context, host string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	// One deadline covers the whole transaction, not just the dial.
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// transact runs MAIL FROM / RCPT TO / DATA / QUIT on an established
// client.
func transact(c *smtp.Client, from, to string, raw []byte) error {
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return c.Quit()
}

// IsPermanentError reports whether err is a rejection that retrying
// cannot fix. A 5xx SMTP reply is permanent; 4xx replies, network
// trouble and timeouts are transient. "No mail exchanger" is permanent:
// the domain has declared it does not receive mail.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	if errors.Is(err, consts.ErrNoMailExchanger) {
		return true
	}
	if errors.Is(err, consts.ErrDNSTemporary) {
		return false
	}

	// Some servers slam the connection instead of replying 5xx; the raw
	// text is all we have.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "blacklist") ||
		strings.Contains(msg, "prohibited") {
		return true
	}
	return false
}
