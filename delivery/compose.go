package delivery

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/k3a/html2text"

	"github.com/kitemail/kite/db"
)

// Composer renders queued outbound messages into wire-format MIME. The
// hostname seeds generated Message-IDs.
type Composer struct {
	hostname string
}

func NewComposer(hostname string) *Composer {
	if hostname == "" {
		hostname = "localhost"
	}
	return &Composer{hostname: hostname}
}

// Compose builds the RFC 5322 message for msg. A message with an HTML
// body but no text body gets a derived text alternative so that
// text-only clients still see content. When msg.MessageID is empty a
// new one is generated and written back so the stored message and the
// wire message agree.
func (c *Composer) Compose(msg *db.OutboundMessage) ([]byte, error) {
	from, err := parseAddress(msg.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", msg.FromAddress, err)
	}
	toList := make([]*mail.Address, 0, len(msg.Recipients))
	for _, rcpt := range msg.Recipients {
		addr, err := parseAddress(rcpt.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient address %q: %w", rcpt.Address, err)
		}
		toList = append(toList, addr)
	}

	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("%s@%s", uuid.New().String(), c.hostname)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", toList)
	h.SetSubject(msg.Subject)
	h.SetMessageID(msg.MessageID)
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		h.SetMsgIDList("References", msg.References)
	}

	textBody := msg.TextBody
	if textBody == "" && msg.HTMLBody != "" {
		textBody = html2text.HTML2Text(msg.HTMLBody)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if err := c.writeBody(mw, textBody, msg.HTMLBody); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseAddress(raw string) (*mail.Address, error) {
	parsed, err := netmail.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	return &mail.Address{Name: parsed.Name, Address: parsed.Address}, nil
}

// writeBody emits the inline part: text/plain alone, or a
// multipart/alternative pair when an HTML body is present.
func (c *Composer) writeBody(mw *mail.Writer, textBody, htmlBody string) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create inline part: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := io.WriteString(tw, textBody); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if htmlBody != "" {
		var hh mail.InlineHeader
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		hw, err := iw.CreatePart(hh)
		if err != nil {
			return fmt.Errorf("failed to create html part: %w", err)
		}
		if _, err := io.WriteString(hw, htmlBody); err != nil {
			return err
		}
		if err := hw.Close(); err != nil {
			return err
		}
	}

	return iw.Close()
}
