package outbound

import (
	"bytes"
	"io"
	"testing"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBytesRoundTrip(t *testing.T) {
	msg := &Message{
		From:       &gomail.Address{Name: "Support", Address: "support@talentdesk.io"},
		To:         []*gomail.Address{{Address: "cust@example.com"}},
		Cc:         []*gomail.Address{{Address: "boss@example.com"}},
		Subject:    "Re: Help with my application",
		MessageID:  "<reply-1@talentdesk.io>",
		InReplyTo:  "<a2@example.com>",
		References: []string{"<a1@example.com>", "<a2@example.com>"},
		Date:       time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
		Text:       "Hi there",
		HTML:       "<p>Hi there</p>",
	}
	raw, err := msg.Bytes()
	require.NoError(t, err)

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	id, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, "reply-1@talentdesk.io", id)

	refs, err := r.Header.MsgIDList("References")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1@example.com", "a2@example.com"}, refs)

	parent, err := r.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2@example.com"}, parent)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Re: Help with my application", subject)

	cc, err := r.Header.AddressList("Cc")
	require.NoError(t, err)
	require.Len(t, cc, 1)
	assert.Equal(t, "boss@example.com", cc[0].Address)

	parts := map[string]string{}
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		h, ok := p.Header.(*gomail.InlineHeader)
		require.True(t, ok)
		mediaType, _, err := h.ContentType()
		require.NoError(t, err)
		b, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		parts[mediaType] = string(b)
	}
	assert.Equal(t, "Hi there", parts["text/plain"])
	assert.Equal(t, "<p>Hi there</p>", parts["text/html"])
}

func TestMessageBytesOmitsThreadingHeadersForFreshReply(t *testing.T) {
	msg := &Message{
		From:      &gomail.Address{Address: "support@talentdesk.io"},
		To:        []*gomail.Address{{Address: "cust@example.com"}},
		Subject:   "Re: Help",
		MessageID: "<x@talentdesk.io>",
		Date:      time.Now(),
		Text:      "Hi",
	}
	raw, err := msg.Bytes()
	require.NoError(t, err)

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.False(t, r.Header.Has("In-Reply-To"))
	assert.False(t, r.Header.Has("References"))
}

func TestMessageBytesRequiresAddresses(t *testing.T) {
	_, err := (&Message{To: []*gomail.Address{{Address: "a@b.c"}}}).Bytes()
	assert.Error(t, err)

	_, err = (&Message{From: &gomail.Address{Address: "a@b.c"}}).Bytes()
	assert.Error(t, err)
}

func TestRecipientsOrder(t *testing.T) {
	msg := &Message{
		To: []*gomail.Address{{Address: "a@x.io"}, {Address: "b@x.io"}},
		Cc: []*gomail.Address{{Address: "c@x.io"}},
	}
	assert.Equal(t, []string{"a@x.io", "b@x.io", "c@x.io"}, msg.Recipients())
}
