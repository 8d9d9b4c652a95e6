package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/talentdesk-io/talentdesk/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing
	// thread-id or message-id.
	ErrDuplicate = errors.New("duplicate")
)

// TicketStore persists tickets and their messages. Implementations must make
// CreateTicket and CreateMessage insert-if-absent on thread-id and message-id.
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	FindTicketByThreadID(ctx context.Context, threadID string) (*models.Ticket, error)
	// SetCustomerEmailIfEmpty sets the customer email only when none is stored
	// yet and reports whether it did.
	SetCustomerEmailIfEmpty(ctx context.Context, ticketID, email string) (bool, error)
	UpdateStatus(ctx context.Context, ticketID string, status models.TicketStatus) error
	ListTickets(ctx context.Context, filter TicketFilter) ([]*models.Ticket, int, error)

	CreateMessage(ctx context.Context, msg *models.TicketMessage) error
	FindMessageByMessageID(ctx context.Context, messageID string) (*models.TicketMessage, error)
	ListMessages(ctx context.Context, ticketID string, limit, offset int) ([]*models.TicketMessage, int, error)
	// LatestMessages returns up to perTicket newest messages of every ticket, newest first.
	LatestMessages(ctx context.Context, ticketIDs []string, perTicket int) (map[string][]*models.TicketMessage, error)
	CountMessages(ctx context.Context, ticketIDs []string) (map[string]int, error)
	LatestInboundMessage(ctx context.Context, ticketID string) (*models.TicketMessage, error)
}

// TicketFilter narrows ListTickets. Zero values mean "no constraint".
type TicketFilter struct {
	Status        models.TicketStatus
	CustomerEmail string
	Query         string // case-insensitive match on subject, addresses and thread-id
	Sort          TicketSort
	Limit         int
	Offset        int
}

// TicketSort is a whitelisted ordering for ticket listings.
type TicketSort string

const (
	SortCreatedAsc  TicketSort = "created_at"
	SortCreatedDesc TicketSort = "-created_at"
	SortSubjectAsc  TicketSort = "subject"
	SortSubjectDesc TicketSort = "-subject"
)

// DefaultSortOrder lists the newest tickets first.
const DefaultSortOrder = SortCreatedDesc

// ParseTicketSort maps a user supplied sort key, falling back to newest first.
func ParseTicketSort(raw string) (TicketSort, bool) {
	switch s := TicketSort(strings.ToLower(strings.TrimSpace(raw))); s {
	case SortCreatedAsc, SortCreatedDesc, SortSubjectAsc, SortSubjectDesc:
		return s, true
	case "":
		return DefaultSortOrder, true
	default:
		return DefaultSortOrder, false
	}
}

func (s TicketSort) orderBy() []string {
	switch s {
	case SortCreatedAsc:
		return []string{"created_at ASC", "id ASC"}
	case SortSubjectAsc:
		return []string{"subject ASC", "created_at DESC", "id ASC"}
	case SortSubjectDesc:
		return []string{"subject DESC", "created_at DESC", "id ASC"}
	default:
		return []string{"created_at DESC", "id DESC"}
	}
}
