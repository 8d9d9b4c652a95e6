// Package outbound composes and sends agent replies and records them on the
// ticket they answer.
package outbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/talentdesk-io/talentdesk/internal/email/msgid"
)

// Message is a composed mail ready for a Sender.
type Message struct {
	From       *gomail.Address
	To         []*gomail.Address
	Cc         []*gomail.Address
	Subject    string
	MessageID  string // bracketed
	InReplyTo  string
	References []string
	Date       time.Time
	Text       string
	HTML       string
}

// Recipients returns the envelope recipients, To before Cc.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	for _, a := range m.To {
		out = append(out, a.Address)
	}
	for _, a := range m.Cc {
		out = append(out, a.Address)
	}
	return out
}

// Bytes renders m as a multipart/alternative RFC 5322 message.
func (m *Message) Bytes() ([]byte, error) {
	if m.From == nil {
		return nil, errors.New("compose: missing sender")
	}
	if len(m.To) == 0 {
		return nil, errors.New("compose: missing recipient")
	}

	var h gomail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(m.Date)
	h.SetAddressList("From", []*gomail.Address{m.From})
	h.SetAddressList("To", m.To)
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", m.Cc)
	}
	h.SetSubject(m.Subject)
	h.SetMessageID(msgid.Strip(m.MessageID))
	if id := msgid.Strip(m.InReplyTo); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
	}
	if len(m.References) > 0 {
		refs := make([]string, 0, len(m.References))
		for _, r := range m.References {
			refs = append(refs, msgid.Strip(r))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if err := writePart(w, "text/plain", m.Text); err != nil {
		return nil, err
	}
	if m.HTML != "" {
		if err := writePart(w, "text/html", m.HTML); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *gomail.InlineWriter, mediaType, content string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("compose %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(pw, content); err != nil {
		pw.Close()
		return fmt.Errorf("compose %s part: %w", mediaType, err)
	}
	return pw.Close()
}
