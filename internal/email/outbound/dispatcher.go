package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/email/address"
	"github.com/talentdesk-io/talentdesk/internal/email/msgid"
	"github.com/talentdesk-io/talentdesk/internal/email/quote"
	"github.com/talentdesk-io/talentdesk/internal/models"
	"github.com/talentdesk-io/talentdesk/internal/repository"
	"github.com/talentdesk-io/talentdesk/internal/utils"
)

var (
	// ErrNoRecipient means neither the request, the ticket nor its inbound
	// history named someone to reply to. Nothing was sent.
	ErrNoRecipient = errors.New("no recipient for reply")
	// ErrInvalidRecipient is returned for an explicit address that cannot be parsed.
	ErrInvalidRecipient = errors.New("invalid recipient address")
	// ErrEmptyBody is returned when the request carries neither HTML nor markdown.
	ErrEmptyBody = errors.New("reply body is empty")
	// ErrTicketNotFound is returned when the ticket does not exist.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTransport wraps delivery failures. Nothing was recorded.
	ErrTransport = errors.New("mail transport failed")
	// ErrUnrecorded means the reply was sent but could not be stored and
	// needs manual reconciliation.
	ErrUnrecorded = errors.New("reply sent but not recorded")
)

// maxAncestors bounds the References walk through stored replies.
const maxAncestors = 20

// ReplyRequest is an agent reply to a ticket.
type ReplyRequest struct {
	To               []string `json:"to,omitempty"`
	CC               []string `json:"cc,omitempty"`
	SubjectOverride  string   `json:"subject_override,omitempty"`
	BodyHTML         string   `json:"body_html,omitempty"`
	BodyMarkdown     string   `json:"body_markdown,omitempty"`
	ReplyToMessageID string   `json:"reply_to_message_id,omitempty"`
}

// ReplyResult describes a sent and recorded reply.
type ReplyResult struct {
	TicketID           string           `json:"ticket_id"`
	MessageDBID        string           `json:"message_db_id"`
	TransportMessageID string           `json:"transport_message_id"`
	Direction          models.Direction `json:"direction"`
	SentAt             time.Time        `json:"sent_at"`
}

type replyStore interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	FindMessageByMessageID(ctx context.Context, messageID string) (*models.TicketMessage, error)
	LatestInboundMessage(ctx context.Context, ticketID string) (*models.TicketMessage, error)
	CreateMessage(ctx context.Context, msg *models.TicketMessage) error
}

// Dispatcher sends replies and records them as OUTBOUND ticket messages.
type Dispatcher struct {
	store     replyStore
	sender    Sender
	from      *gomail.Address
	idHost    string
	sanitizer *utils.HTMLSanitizer
	logger    zerolog.Logger
	now       func() time.Time
}

// DispatcherOption customizes Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherClock overrides the wall clock, primarily for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithMessageIDHost sets the host part of generated Message-Ids.
func WithMessageIDHost(host string) DispatcherOption {
	return func(d *Dispatcher) {
		d.idHost = strings.TrimSpace(host)
	}
}

// NewDispatcher returns a dispatcher sending as fromAddr, which may carry a
// display name.
func NewDispatcher(store repository.TicketStore, sender Sender, fromAddr, fromName string, opts ...DispatcherOption) (*Dispatcher, error) {
	return newDispatcher(store, sender, fromAddr, fromName, opts...)
}

func newDispatcher(store replyStore, sender Sender, fromAddr, fromName string, opts ...DispatcherOption) (*Dispatcher, error) {
	canonical := address.Canonicalize(fromAddr)
	if canonical == "" {
		return nil, fmt.Errorf("invalid sender address %q", fromAddr)
	}
	d := &Dispatcher{
		store:     store,
		sender:    sender,
		from:      &gomail.Address{Name: fromName, Address: canonical},
		sanitizer: utils.NewHTMLSanitizer(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.idHost == "" {
		if at := strings.LastIndex(canonical, "@"); at >= 0 {
			d.idHost = canonical[at+1:]
		}
	}
	return d, nil
}

// Reply sends req on ticketID and records it. Errors wrap one of the package
// sentinels; ErrUnrecorded is the only one returned after a successful send.
func (d *Dispatcher) Reply(ctx context.Context, ticketID string, req ReplyRequest) (*ReplyResult, error) {
	ticket, err := d.store.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
		}
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}

	to, err := d.recipients(ctx, ticket, req.To)
	if err != nil {
		return nil, err
	}
	cc, err := explicitAddresses(req.CC)
	if err != nil {
		return nil, err
	}

	htmlBody, err := d.renderBody(req)
	if err != nil {
		return nil, err
	}
	text := quote.HTMLToText(htmlBody)

	inReplyTo := msgid.Normalize(req.ReplyToMessageID)
	sentAt := d.now().UTC().Truncate(time.Millisecond)
	msg := &Message{
		From:       d.from,
		To:         to,
		Cc:         cc,
		Subject:    replySubject(ticket.Subject, req.SubjectOverride),
		MessageID:  msgid.Generate(d.idHost),
		InReplyTo:  inReplyTo,
		References: d.references(ctx, inReplyTo),
		Date:       sentAt,
		Text:       text,
		HTML:       htmlBody,
	}

	transportID, err := d.sender.Send(ctx, msg)
	if err != nil {
		d.logger.Warn().Err(err).Str("ticket_id", ticket.ID).Msg("reply delivery failed")
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	storedID := msgid.Normalize(transportID)
	if storedID == "" {
		storedID = msg.MessageID
	}

	record := &models.TicketMessage{
		ID:          uuid.NewString(),
		TicketID:    ticket.ID,
		MessageID:   storedID,
		InReplyTo:   inReplyTo,
		FromAddress: d.from.Address,
		Subject:     msg.Subject,
		SentAt:      sentAt,
		Direction:   models.DirectionOutbound,
		PlainBody:   quote.StripQuoted(htmlBody, text),
		HTMLBody:    htmlBody,
		CreatedAt:   d.now().UTC().Truncate(time.Millisecond),
	}
	if err := d.store.CreateMessage(ctx, record); err != nil {
		d.logger.Error().Err(err).
			Str("ticket_id", ticket.ID).
			Str("message_id", storedID).
			Strs("to", msg.Recipients()).
			Msg("reply sent but not recorded, reconcile manually")
		return nil, fmt.Errorf("%w: %s: %w", ErrUnrecorded, storedID, err)
	}

	d.logger.Info().Str("ticket_id", ticket.ID).Str("message_id", storedID).Msg("reply sent")
	return &ReplyResult{
		TicketID:           ticket.ID,
		MessageDBID:        record.ID,
		TransportMessageID: storedID,
		Direction:          record.Direction,
		SentAt:             sentAt,
	}, nil
}

// recipients resolves To: explicit addresses, then the ticket's customer, then
// the sender of the latest inbound message.
func (d *Dispatcher) recipients(ctx context.Context, ticket *models.Ticket, explicit []string) ([]*gomail.Address, error) {
	to, err := explicitAddresses(explicit)
	if err != nil || len(to) > 0 {
		return to, err
	}
	if ticket.CustomerEmail != "" {
		return []*gomail.Address{{Address: ticket.CustomerEmail}}, nil
	}
	last, err := d.store.LatestInboundMessage(ctx, ticket.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load latest inbound message: %w", err)
	default:
		if addr := deliveryAddress(last.FromAddress); addr != nil {
			return []*gomail.Address{addr}, nil
		}
	}
	return nil, fmt.Errorf("%w: ticket %s", ErrNoRecipient, ticket.ID)
}

// explicitAddresses parses caller supplied recipients. Mail goes to each
// address as written; the canonical form only drops repeats.
func explicitAddresses(raw []string) ([]*gomail.Address, error) {
	var out []*gomail.Address
	seen := make(map[string]struct{})
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		addr := deliveryAddress(r)
		if addr == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, r)
		}
		canonical := address.Canonicalize(addr.Address)
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// deliveryAddress parses raw into a sendable address, or nil when raw has
// no usable mailbox.
func deliveryAddress(raw string) *gomail.Address {
	if address.Canonicalize(raw) == "" {
		return nil
	}
	if parsed, err := gomail.ParseAddress(strings.TrimSpace(raw)); err == nil {
		return parsed
	}
	return &gomail.Address{Address: strings.Trim(strings.TrimSpace(raw), "<> \t\"")}
}

func (d *Dispatcher) renderBody(req ReplyRequest) (string, error) {
	src := strings.TrimSpace(req.BodyHTML)
	if src == "" && strings.TrimSpace(req.BodyMarkdown) != "" {
		rendered, err := utils.MarkdownToHTML(req.BodyMarkdown)
		if err != nil {
			return "", fmt.Errorf("render markdown: %w", err)
		}
		src = rendered
	}
	if src == "" {
		return "", ErrEmptyBody
	}
	clean := strings.TrimSpace(d.sanitizer.Sanitize(src))
	if clean == "" {
		return "", ErrEmptyBody
	}
	return clean, nil
}

// references walks stored parents of inReplyTo and returns the chain root
// first, ending with inReplyTo itself.
func (d *Dispatcher) references(ctx context.Context, inReplyTo string) []string {
	if inReplyTo == "" {
		return nil
	}
	var ancestors []string
	seen := map[string]struct{}{inReplyTo: {}}
	current := inReplyTo
	for i := 0; i < maxAncestors; i++ {
		stored, err := d.store.FindMessageByMessageID(ctx, current)
		if err != nil || stored.InReplyTo == "" {
			break
		}
		parent := msgid.Normalize(stored.InReplyTo)
		if _, loop := seen[parent]; loop || parent == "" {
			break
		}
		seen[parent] = struct{}{}
		ancestors = append(ancestors, parent)
		current = parent
	}
	refs := make([]string, 0, len(ancestors))
	for i := len(ancestors) - 1; i >= 0; i-- {
		refs = append(refs, ancestors[i])
	}
	return msgid.Chain(refs, inReplyTo)
}

func replySubject(subject, override string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: (no subject)"
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}
