// Package threading attaches inbound mail to tickets by following the
// Message-Id, In-Reply-To and References headers.
package threading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/email/address"
	"github.com/talentdesk-io/talentdesk/internal/email/msgid"
	"github.com/talentdesk-io/talentdesk/internal/models"
	"github.com/talentdesk-io/talentdesk/internal/repository"
)

// ErrMissingMessageID is returned for messages that cannot be ingested
// idempotently because they carry no Message-Id.
var ErrMissingMessageID = errors.New("threading: message has no Message-Id")

// Strategy names, reported in Outcome.Strategy.
const (
	StrategyDuplicate      = "duplicate"
	StrategyInReplyTo      = "in-reply-to"
	StrategyReferencesTail = "references-tail"
	StrategyCreate         = "create"
)

const defaultSubject = "(no subject)"

// Headers is the threading relevant part of a message.
type Headers struct {
	MessageID  string
	InReplyTo  string
	References []string // root to leaf
	From       string
	Subject    string
	Date       time.Time
}

// Outcome describes where a message belongs.
// Duplicate is set when the message itself is already stored; From is the
// canonical sender and empty when the From header was unusable.
type Outcome struct {
	Ticket    *models.Ticket
	Duplicate bool
	Created   bool
	Direction models.Direction
	Strategy  string
	From      string
	MessageID string
}

// match is a strategy hit.
type match struct {
	ticket  *models.Ticket
	created bool
}

type strategy struct {
	name string
	find func(ctx context.Context, h *Headers) (match, bool, error)
}

// Resolver finds or creates the ticket of a message.
type Resolver struct {
	store      repository.TicketStore
	system     address.SystemSet
	logger     zerolog.Logger
	now        func() time.Time
	strategies []strategy
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithClock overrides the time source used for new tickets.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver builds a resolver over store. Messages sent from an address in
// system are classified as outbound.
func NewResolver(store repository.TicketStore, system address.SystemSet, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		system: system,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.strategies = []strategy{
		{StrategyInReplyTo, r.byInReplyTo},
		{StrategyReferencesTail, r.byReferencesTail},
		{StrategyCreate, r.create},
	}
	return r
}

// Direction classifies a sender address.
func (r *Resolver) Direction(from string) models.Direction {
	if r.system.Contains(from) {
		return models.DirectionOutbound
	}
	return models.DirectionInbound
}

// Resolve returns the ticket h belongs to, creating one when no earlier
// message of the conversation is stored. A message that is already stored
// yields an Outcome with Duplicate set and no side effects.
func (r *Resolver) Resolve(ctx context.Context, h Headers) (Outcome, error) {
	h.MessageID = msgid.Normalize(h.MessageID)
	if h.MessageID == "" {
		return Outcome{}, ErrMissingMessageID
	}

	out := Outcome{
		Direction: r.Direction(h.From),
		From:      address.Canonicalize(h.From),
		MessageID: h.MessageID,
	}

	existing, err := r.store.FindMessageByMessageID(ctx, h.MessageID)
	switch {
	case err == nil:
		ticket, err := r.store.GetTicket(ctx, existing.TicketID)
		if err != nil {
			return Outcome{}, fmt.Errorf("load ticket of duplicate %s: %w", h.MessageID, err)
		}
		out.Ticket = ticket
		out.Duplicate = true
		out.Strategy = StrategyDuplicate
		return out, nil
	case !errors.Is(err, repository.ErrNotFound):
		return Outcome{}, fmt.Errorf("lookup message %s: %w", h.MessageID, err)
	}

	for _, s := range r.strategies {
		m, ok, err := s.find(ctx, &h)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", s.name, err)
		}
		if !ok {
			continue
		}
		out.Ticket = m.ticket
		out.Created = m.created
		out.Strategy = s.name
		break
	}
	if out.Ticket == nil {
		return Outcome{}, fmt.Errorf("no strategy matched %s", h.MessageID)
	}

	if out.Direction == models.DirectionInbound && out.From != "" && out.Ticket.CustomerEmail == "" {
		set, err := r.store.SetCustomerEmailIfEmpty(ctx, out.Ticket.ID, out.From)
		if err != nil {
			return Outcome{}, fmt.Errorf("set customer email: %w", err)
		}
		if set {
			out.Ticket.CustomerEmail = out.From
		}
	}
	return out, nil
}

func (r *Resolver) ticketOfMessage(ctx context.Context, id string) (match, bool, error) {
	if id == "" {
		return match{}, false, nil
	}
	parent, err := r.store.FindMessageByMessageID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return match{}, false, nil
	}
	if err != nil {
		return match{}, false, err
	}
	ticket, err := r.store.GetTicket(ctx, parent.TicketID)
	if err != nil {
		return match{}, false, err
	}
	return match{ticket: ticket}, true, nil
}

func (r *Resolver) byInReplyTo(ctx context.Context, h *Headers) (match, bool, error) {
	for _, id := range msgid.ParseList(h.InReplyTo) {
		if m, ok, err := r.ticketOfMessage(ctx, id); err != nil || ok {
			return m, ok, err
		}
	}
	return match{}, false, nil
}

// byReferencesTail only looks at the most recent reference. Older entries
// are not consulted even when the tail is unknown.
func (r *Resolver) byReferencesTail(ctx context.Context, h *Headers) (match, bool, error) {
	return r.ticketOfMessage(ctx, msgid.Last(msgid.ParseList(h.References...)))
}

// create opens a ticket rooted at the message. An existing ticket with the
// same thread-id is reused, including one inserted concurrently.
func (r *Resolver) create(ctx context.Context, h *Headers) (match, bool, error) {
	threadID := h.MessageID
	if threadID == "" {
		threadID = msgid.Generate("")
	}
	if existing, err := r.store.FindTicketByThreadID(ctx, threadID); err == nil {
		return match{ticket: existing}, true, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return match{}, false, err
	}

	from := address.Canonicalize(h.From)
	subject := strings.TrimSpace(h.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	ticket := &models.Ticket{
		ID:          uuid.NewString(),
		Subject:     subject,
		Status:      models.TicketStatusOpen,
		FromAddress: from,
		ThreadID:    threadID,
		CreatedAt:   r.now().UTC().Truncate(time.Millisecond),
	}
	if r.Direction(h.From) == models.DirectionInbound {
		ticket.CustomerEmail = from
	}

	err := r.store.CreateTicket(ctx, ticket)
	if errors.Is(err, repository.ErrDuplicate) {
		existing, ferr := r.store.FindTicketByThreadID(ctx, threadID)
		if ferr != nil {
			return match{}, false, fmt.Errorf("reload ticket %s after conflict: %w", threadID, ferr)
		}
		r.logger.Debug().Str("thread_id", threadID).Msg("ticket created concurrently, reusing")
		return match{ticket: existing}, true, nil
	}
	if err != nil {
		return match{}, false, err
	}
	r.logger.Info().Str("ticket_id", ticket.ID).Str("thread_id", threadID).Msg("ticket created")
	return match{ticket: ticket, created: true}, true, nil
}
