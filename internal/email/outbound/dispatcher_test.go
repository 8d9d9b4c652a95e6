package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentdesk-io/talentdesk/internal/models"
	"github.com/talentdesk-io/talentdesk/internal/repository"
)

var fixedNow = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

type fakeSender struct {
	sent []*Message
	err  error
	id   string
}

func (f *fakeSender) Send(_ context.Context, msg *Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	if f.id != "" {
		return f.id, nil
	}
	return msg.MessageID, nil
}

func newDispatcherFixture(t *testing.T, store *repository.MemoryTicketStore, sender Sender) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(store, sender, "Support@TalentDesk.io", "TalentDesk Support",
		WithDispatcherClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return d
}

func seedTicket(t *testing.T, store *repository.MemoryTicketStore, customer string) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{
		ID:            "t-1",
		Subject:       "Help",
		Status:        models.TicketStatusOpen,
		CustomerEmail: customer,
		FromAddress:   "cust@example.com",
		ThreadID:      "<a1>",
		CreatedAt:     fixedNow,
	}
	require.NoError(t, store.CreateTicket(context.Background(), ticket))
	return ticket
}

func seedMessage(t *testing.T, store *repository.MemoryTicketStore, id, messageID, inReplyTo, from string, dir models.Direction, at time.Time) {
	t.Helper()
	require.NoError(t, store.CreateMessage(context.Background(), &models.TicketMessage{
		ID:          id,
		TicketID:    "t-1",
		MessageID:   messageID,
		InReplyTo:   inReplyTo,
		FromAddress: from,
		Direction:   dir,
		SentAt:      at,
		CreatedAt:   at,
	}))
}

func TestReplyToCustomerEmail(t *testing.T) {
	store := repository.NewMemoryTicketStore()
	seedTicket(t, store, "cust@example.com")
	sender := &fakeSender{}
	d := newDispatcherFixture(t, store, sender)

	res, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>"})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, []string{"cust@example.com"}, msg.Recipients())
	assert.Equal(t, "support@talentdesk.io", msg.From.Address)
	assert.Equal(t, "Re: Help", msg.Subject)
	assert.Empty(t, msg.InReplyTo)
	assert.Empty(t, msg.References)
	assert.Contains(t, msg.MessageID, "@talentdesk.io>")

	assert.Equal(t, "t-1", res.TicketID)
	assert.Equal(t, models.DirectionOutbound, res.Direction)
	assert.Equal(t, msg.MessageID, res.TransportMessageID)
	assert.Equal(t, fixedNow, res.SentAt)

	stored, err := store.FindMessageByMessageID(context.Background(), res.TransportMessageID)
	require.NoError(t, err)
	assert.Equal(t, res.MessageDBID, stored.ID)
	assert.Equal(t, models.DirectionOutbound, stored.Direction)
	assert.Empty(t, stored.InReplyTo)
	assert.Equal(t, "support@talentdesk.io", stored.FromAddress)
	assert.Equal(t, "Hi", stored.PlainBody)
	assert.Equal(t, "<p>Hi</p>", stored.HTMLBody)
}

func TestReplyRecipientPrecedence(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		store := repository.NewMemoryTicketStore()
		seedTicket(t, store, "cust@example.com")
		sender := &fakeSender{}
		d := newDispatcherFixture(t, store, sender)

		_, err := d.Reply(context.Background(), "t-1", ReplyRequest{
			To:       []string{"Hiring <Lead+jobs@Example.com>", "", "lead@example.com"},
			CC:       []string{"boss@example.com"},
			BodyHTML: "<p>Hi</p>",
		})
		require.NoError(t, err)
		msg := sender.sent[0]
		assert.Equal(t, []string{"Lead+jobs@Example.com", "boss@example.com"}, msg.Recipients())
		require.Len(t, msg.To, 1)
		assert.Equal(t, "Hiring", msg.To[0].Name)
	})

	t.Run("latest inbound sender when no customer", func(t *testing.T) {
		store := repository.NewMemoryTicketStore()
		seedTicket(t, store, "")
		seedMessage(t, store, "m1", "<a1>", "", "first@example.com", models.DirectionInbound, fixedNow.Add(-2*time.Hour))
		seedMessage(t, store, "m2", "<a2>", "<a1>", "Second <second@example.com>", models.DirectionInbound, fixedNow.Add(-time.Hour))
		seedMessage(t, store, "m3", "<a3>", "<a2>", "support@talentdesk.io", models.DirectionOutbound, fixedNow.Add(-time.Minute))
		sender := &fakeSender{}
		d := newDispatcherFixture(t, store, sender)

		_, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>"})
		require.NoError(t, err)
		assert.Equal(t, []string{"second@example.com"}, sender.sent[0].Recipients())
	})

	t.Run("no recipient", func(t *testing.T) {
		store := repository.NewMemoryTicketStore()
		seedTicket(t, store, "")
		sender := &fakeSender{}
		d := newDispatcherFixture(t, store, sender)

		_, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>"})
		assert.ErrorIs(t, err, ErrNoRecipient)
		assert.Empty(t, sender.sent)
		msgs, total, err := store.ListMessages(context.Background(), "t-1", 0, 0)
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, msgs)
	})

	t.Run("invalid explicit address", func(t *testing.T) {
		store := repository.NewMemoryTicketStore()
		seedTicket(t, store, "cust@example.com")
		sender := &fakeSender{}
		d := newDispatcherFixture(t, store, sender)

		_, err := d.Reply(context.Background(), "t-1", ReplyRequest{To: []string{"not-an-address"}, BodyHTML: "<p>Hi</p>"})
		assert.ErrorIs(t, err, ErrInvalidRecipient)
		assert.Empty(t, sender.sent)
	})
}

func TestReplyChainsReferences(t *testing.T) {
	store := repository.NewMemoryTicketStore()
	seedTicket(t, store, "cust@example.com")
	seedMessage(t, store, "m1", "<a1>", "", "cust@example.com", models.DirectionInbound, fixedNow.Add(-3*time.Hour))
	seedMessage(t, store, "m2", "<a2>", "<a1>", "support@talentdesk.io", models.DirectionOutbound, fixedNow.Add(-2*time.Hour))
	seedMessage(t, store, "m3", "<a3>", "<a2>", "cust@example.com", models.DirectionInbound, fixedNow.Add(-time.Hour))
	sender := &fakeSender{}
	d := newDispatcherFixture(t, store, sender)

	res, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>", ReplyToMessageID: "a3"})
	require.NoError(t, err)

	msg := sender.sent[0]
	assert.Equal(t, "<a3>", msg.InReplyTo)
	assert.Equal(t, []string{"<a1>", "<a2>", "<a3>"}, msg.References)

	stored, err := store.FindMessageByMessageID(context.Background(), res.TransportMessageID)
	require.NoError(t, err)
	assert.Equal(t, "<a3>", stored.InReplyTo)
}

func TestReplyToUnknownParentStillChains(t *testing.T) {
	store := repository.NewMemoryTicketStore()
	seedTicket(t, store, "cust@example.com")
	sender := &fakeSender{}
	d := newDispatcherFixture(t, store, sender)

	_, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>", ReplyToMessageID: "<elsewhere@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, []string{"<elsewhere@example.com>"}, sender.sent[0].References)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Help", replySubject("Help", ""))
	assert.Equal(t, "RE: Help", replySubject("RE: Help", ""))
	assert.Equal(t, "Re: (no subject)", replySubject("  ", ""))
	assert.Equal(t, "Offer letter", replySubject("Help", " Offer letter "))
}

func TestReplyRendersMarkdownAndSanitizes(t *testing.T) {
	store := repository.NewMemoryTicketStore()
	seedTicket(t, store, "cust@example.com")
	sender := &fakeSender{}
	d := newDispatcherFixture(t, store, sender)

	_, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyMarkdown: "Thanks **Jane**"})
	require.NoError(t, err)
	assert.Contains(t, sender.sent[0].HTML, "<strong>Jane</strong>")
	assert.Contains(t, sender.sent[0].Text, "Thanks Jane")

	_, err = d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: `<p onclick="x()">Hello</p><script>alert(1)</script>`})
	require.NoError(t, err)
	assert.Equal(t, "<p>Hello</p>", sender.sent[1].HTML)

	_, err = d.Reply(context.Background(), "t-1", ReplyRequest{})
	assert.ErrorIs(t, err, ErrEmptyBody)
	_, err = d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<script>x</script>"})
	assert.ErrorIs(t, err, ErrEmptyBody)
	assert.Len(t, sender.sent, 2)
}

func TestReplyUnknownTicket(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcherFixture(t, repository.NewMemoryTicketStore(), sender)

	_, err := d.Reply(context.Background(), "missing", ReplyRequest{BodyHTML: "<p>Hi</p>"})
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.Empty(t, sender.sent)
}

func TestReplyTransportFailureRecordsNothing(t *testing.T) {
	store := repository.NewMemoryTicketStore()
	seedTicket(t, store, "cust@example.com")
	transportErr := &SendError{Code: 421, Err: errors.New("connection dropped")}
	d := newDispatcherFixture(t, store, &fakeSender{err: transportErr})

	_, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>"})
	assert.ErrorIs(t, err, ErrTransport)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 421, sendErr.Code)

	_, total, err := store.ListMessages(context.Background(), "t-1", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReplyStoreFailureAfterSend(t *testing.T) {
	store := repository.NewMemoryTicketStore()
	seedTicket(t, store, "cust@example.com")
	dbErr := errors.New("disk full")
	store.FailMessageWrites(dbErr)
	sender := &fakeSender{}
	d := newDispatcherFixture(t, store, sender)

	_, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>"})
	assert.ErrorIs(t, err, ErrUnrecorded)
	assert.ErrorIs(t, err, dbErr)
	assert.Len(t, sender.sent, 1)
}

func TestReplyUsesTransportAssignedID(t *testing.T) {
	store := repository.NewMemoryTicketStore()
	seedTicket(t, store, "cust@example.com")
	d := newDispatcherFixture(t, store, &fakeSender{id: "relay-assigned@mx.example.com"})

	res, err := d.Reply(context.Background(), "t-1", ReplyRequest{BodyHTML: "<p>Hi</p>"})
	require.NoError(t, err)
	assert.Equal(t, "<relay-assigned@mx.example.com>", res.TransportMessageID)
}

func TestNewDispatcherRejectsBadSender(t *testing.T) {
	_, err := NewDispatcher(repository.NewMemoryTicketStore(), &fakeSender{}, "nobody", "")
	assert.Error(t, err)
}
