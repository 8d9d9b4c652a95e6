// Package tickets exposes the read and reply operations agents use on mail
// tickets.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/email/address"
	"github.com/talentdesk-io/talentdesk/internal/email/outbound"
	"github.com/talentdesk-io/talentdesk/internal/email/quote"
	"github.com/talentdesk-io/talentdesk/internal/metrics"
	"github.com/talentdesk-io/talentdesk/internal/models"
	"github.com/talentdesk-io/talentdesk/internal/repository"
)

// SnippetLength bounds the last-message preview of ticket listings.
const SnippetLength = 160

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrInvalidStatus = errors.New("invalid ticket status")
	ErrInvalidSort   = errors.New("invalid sort key")
)

// ListTicketsQuery filters and pages a ticket listing. Page is 1-based.
type ListTicketsQuery struct {
	Status        string
	CustomerEmail string
	Query         string
	Page          int
	Size          int
	Sort          string
}

type replier interface {
	Reply(ctx context.Context, ticketID string, req outbound.ReplyRequest) (*outbound.ReplyResult, error)
}

// Service implements the ticket operations over a TicketStore.
type Service struct {
	store      repository.TicketStore
	dispatcher replier
	logger     zerolog.Logger
}

// Option customizes Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService returns a Service. dispatcher may be nil when replies are not
// configured; Reply then fails.
func NewService(store repository.TicketStore, dispatcher *outbound.Dispatcher, opts ...Option) *Service {
	s := &Service{store: store, logger: zerolog.Nop()}
	if dispatcher != nil {
		s.dispatcher = dispatcher
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListTickets returns one page of ticket summaries. Message counts and the
// newest message of every ticket on the page are loaded in one query each.
func (s *Service) ListTickets(ctx context.Context, q ListTicketsQuery) (*models.Page[models.TicketSummary], error) {
	filter, page, size, err := buildFilter(q)
	if err != nil {
		return nil, err
	}
	ts, total, err := s.store.ListTickets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}

	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	latest := map[string][]*models.TicketMessage{}
	counts := map[string]int{}
	if len(ids) > 0 {
		if latest, err = s.store.LatestMessages(ctx, ids, 1); err != nil {
			return nil, fmt.Errorf("load latest messages: %w", err)
		}
		if counts, err = s.store.CountMessages(ctx, ids); err != nil {
			return nil, fmt.Errorf("count messages: %w", err)
		}
	}

	items := make([]models.TicketSummary, 0, len(ts))
	for _, t := range ts {
		summary := models.TicketSummary{Ticket: *t, MessageCount: counts[t.ID]}
		if msgs := latest[t.ID]; len(msgs) > 0 {
			last := msgs[0]
			summary.LastMessage = last.Preview(quote.Snippet(previewText(last), SnippetLength))
		}
		items = append(items, summary)
	}
	return &models.Page[models.TicketSummary]{Items: items, Page: page, Size: size, Total: total}, nil
}

func previewText(m *models.TicketMessage) string {
	if strings.TrimSpace(m.PlainBody) != "" {
		return m.PlainBody
	}
	return quote.HTMLToText(m.HTMLBody)
}

func buildFilter(q ListTicketsQuery) (repository.TicketFilter, int, int, error) {
	page, size := models.NormalizePaging(q.Page, q.Size)
	filter := repository.TicketFilter{
		Query:  strings.TrimSpace(q.Query),
		Limit:  size,
		Offset: models.Offset(page, size),
	}
	if raw := strings.TrimSpace(q.Status); raw != "" {
		status := models.TicketStatus(strings.ToLower(raw))
		if !status.Valid() {
			return filter, 0, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(q.CustomerEmail); raw != "" {
		// an unparsable address still filters, it just matches nothing
		if canonical := address.Canonicalize(raw); canonical != "" {
			filter.CustomerEmail = canonical
		} else {
			filter.CustomerEmail = strings.ToLower(raw)
		}
	}
	sort, ok := repository.ParseTicketSort(q.Sort)
	if !ok {
		return filter, 0, 0, fmt.Errorf("%w: %q", ErrInvalidSort, q.Sort)
	}
	filter.Sort = sort
	return filter, page, size, nil
}

// ListMessages returns one page of a ticket's messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, ticketID string, page, size int) (*models.Page[*models.TicketMessage], error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	page, size = models.NormalizePaging(page, size)
	msgs, total, err := s.store.ListMessages(ctx, ticketID, size, models.Offset(page, size))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*models.TicketMessage{}
	}
	return &models.Page[*models.TicketMessage]{Items: msgs, Page: page, Size: size, Total: total}, nil
}

// GetTicket loads one ticket.
func (s *Service) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := s.store.GetTicket(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// Reply sends an agent reply on the ticket.
func (s *Service) Reply(ctx context.Context, ticketID string, req outbound.ReplyRequest) (*outbound.ReplyResult, error) {
	if s.dispatcher == nil {
		return nil, errors.New("replies are not configured")
	}
	res, err := s.dispatcher.Reply(ctx, ticketID, req)
	if err != nil {
		metrics.RepliesFailed.WithLabelValues(failureReason(err)).Inc()
		if errors.Is(err, outbound.ErrTicketNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	metrics.RepliesSent.Inc()
	return res, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, outbound.ErrNoRecipient):
		return "no_recipient"
	case errors.Is(err, outbound.ErrInvalidRecipient), errors.Is(err, outbound.ErrEmptyBody):
		return "invalid"
	case errors.Is(err, outbound.ErrTransport):
		return "transport"
	case errors.Is(err, outbound.ErrUnrecorded):
		return "unrecorded"
	default:
		return "other"
	}
}

// UpdateStatus moves a ticket to status.
func (s *Service) UpdateStatus(ctx context.Context, ticketID, status string) (*models.Ticket, error) {
	st := models.TicketStatus(strings.ToLower(strings.TrimSpace(status)))
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := s.store.UpdateStatus(ctx, ticketID, st); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
		}
		return nil, fmt.Errorf("update status: %w", err)
	}
	s.logger.Info().Str("ticket_id", ticketID).Str("status", string(st)).Msg("ticket status changed")
	return s.GetTicket(ctx, ticketID)
}
