package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/talentdesk-io/talentdesk/internal/models"
)

// MemoryTicketStore implements TicketStore with in-memory storage.
// It is used by tests and the "memory" database driver for local development.
type MemoryTicketStore struct {
	mu        sync.RWMutex
	tickets   map[string]*models.Ticket
	byThread  map[string]string
	messages  map[string]*models.TicketMessage
	byMsgID   map[string]string
	byTicket  map[string][]string
	createErr error
}

// NewMemoryTicketStore creates an empty store.
func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{
		tickets:  make(map[string]*models.Ticket),
		byThread: make(map[string]string),
		messages: make(map[string]*models.TicketMessage),
		byMsgID:  make(map[string]string),
		byTicket: make(map[string][]string),
	}
}

// FailMessageWrites makes every following CreateMessage return err; nil restores normal behavior.
func (s *MemoryTicketStore) FailMessageWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *MemoryTicketStore) CreateTicket(_ context.Context, ticket *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticket.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byThread[ticket.ThreadID]; ok {
		return ErrDuplicate
	}
	cp := *ticket
	s.tickets[cp.ID] = &cp
	s.byThread[cp.ThreadID] = cp.ID
	return nil
}

func (s *MemoryTicketStore) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTicketStore) FindTicketByThreadID(ctx context.Context, threadID string) (*models.Ticket, error) {
	s.mu.RLock()
	id, ok := s.byThread[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetTicket(ctx, id)
}

func (s *MemoryTicketStore) SetCustomerEmailIfEmpty(_ context.Context, ticketID, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return false, ErrNotFound
	}
	if t.CustomerEmail != "" || email == "" {
		return false, nil
	}
	t.CustomerEmail = email
	return true, nil
}

func (s *MemoryTicketStore) UpdateStatus(_ context.Context, ticketID string, status models.TicketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

func (s *MemoryTicketStore) ListTickets(_ context.Context, filter TicketFilter) ([]*models.Ticket, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	var matched []*models.Ticket
	for _, t := range s.tickets {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.CustomerEmail != "" && t.CustomerEmail != filter.CustomerEmail {
			continue
		}
		if query != "" && !ticketMatches(t, query) {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	sortTickets(matched, filter.Sort)

	total := len(matched)
	return window(matched, filter.Limit, filter.Offset), total, nil
}

func ticketMatches(t *models.Ticket, query string) bool {
	for _, field := range []string{t.Subject, t.CustomerEmail, t.FromAddress, t.ThreadID} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func sortTickets(ts []*models.Ticket, order TicketSort) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		switch order {
		case SortCreatedAsc:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		case SortSubjectAsc, SortSubjectDesc:
			if a.Subject != b.Subject {
				return (a.Subject < b.Subject) == (order == SortSubjectAsc)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID > b.ID
		}
	})
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *MemoryTicketStore) CreateMessage(_ context.Context, msg *models.TicketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.tickets[msg.TicketID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.byMsgID[msg.MessageID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.messages[msg.ID]; ok {
		return ErrDuplicate
	}
	cp := *msg
	s.messages[cp.ID] = &cp
	s.byMsgID[cp.MessageID] = cp.ID
	s.byTicket[cp.TicketID] = append(s.byTicket[cp.TicketID], cp.ID)
	return nil
}

func (s *MemoryTicketStore) FindMessageByMessageID(_ context.Context, messageID string) (*models.TicketMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMsgID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

// ticketMessages returns copies of a ticket's messages ordered by sent-at ascending.
// Callers must hold the read lock.
func (s *MemoryTicketStore) ticketMessages(ticketID string) []*models.TicketMessage {
	ids := s.byTicket[ticketID]
	out := make([]*models.TicketMessage, 0, len(ids))
	for _, id := range ids {
		cp := *s.messages[id]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryTicketStore) ListMessages(_ context.Context, ticketID string, limit, offset int) ([]*models.TicketMessage, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.ticketMessages(ticketID)
	return window(all, limit, offset), len(all), nil
}

func (s *MemoryTicketStore) LatestMessages(_ context.Context, ticketIDs []string, perTicket int) (map[string][]*models.TicketMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*models.TicketMessage, len(ticketIDs))
	for _, id := range ticketIDs {
		msgs := s.ticketMessages(id)
		if len(msgs) == 0 {
			continue
		}
		newest := make([]*models.TicketMessage, 0, len(msgs))
		for i := len(msgs) - 1; i >= 0 && (perTicket <= 0 || len(newest) < perTicket); i-- {
			newest = append(newest, msgs[i])
		}
		out[id] = newest
	}
	return out, nil
}

func (s *MemoryTicketStore) CountMessages(_ context.Context, ticketIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(ticketIDs))
	for _, id := range ticketIDs {
		if n := len(s.byTicket[id]); n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

func (s *MemoryTicketStore) LatestInboundMessage(_ context.Context, ticketID string) (*models.TicketMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.ticketMessages(ticketID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Direction == models.DirectionInbound {
			return msgs[i], nil
		}
	}
	return nil, ErrNotFound
}

var _ TicketStore = (*MemoryTicketStore)(nil)
