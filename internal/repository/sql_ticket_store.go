package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talentdesk-io/talentdesk/internal/database"
	"github.com/talentdesk-io/talentdesk/internal/models"
)

// SQLTicketStore implements TicketStore on PostgreSQL, MySQL or SQLite.
// Timestamps are stored as Unix milliseconds so every dialect orders them the same way.
type SQLTicketStore struct {
	qb *database.QueryBuilder
}

// NewSQLTicketStore wraps an open connection. Call database.QueryBuilder.Migrate first.
func NewSQLTicketStore(qb *database.QueryBuilder) *SQLTicketStore {
	return &SQLTicketStore{qb: qb}
}

const (
	ticketColumns  = "id, subject, status, customer_email, from_address, thread_id, created_at"
	messageColumns = "id, ticket_id, message_id, in_reply_to, from_address, subject, sent_at, direction, plain_body, html_body, created_at"
)

type ticketRow struct {
	ID            string `db:"id"`
	Subject       string `db:"subject"`
	Status        string `db:"status"`
	CustomerEmail string `db:"customer_email"`
	FromAddress   string `db:"from_address"`
	ThreadID      string `db:"thread_id"`
	CreatedAt     int64  `db:"created_at"`
}

func (r ticketRow) model() *models.Ticket {
	return &models.Ticket{
		ID:            r.ID,
		Subject:       r.Subject,
		Status:        models.TicketStatus(r.Status),
		CustomerEmail: r.CustomerEmail,
		FromAddress:   r.FromAddress,
		ThreadID:      r.ThreadID,
		CreatedAt:     fromMillis(r.CreatedAt),
	}
}

type messageRow struct {
	ID          string `db:"id"`
	TicketID    string `db:"ticket_id"`
	MessageID   string `db:"message_id"`
	InReplyTo   string `db:"in_reply_to"`
	FromAddress string `db:"from_address"`
	Subject     string `db:"subject"`
	SentAt      int64  `db:"sent_at"`
	Direction   string `db:"direction"`
	PlainBody   string `db:"plain_body"`
	HTMLBody    string `db:"html_body"`
	CreatedAt   int64  `db:"created_at"`
}

func (r messageRow) model() *models.TicketMessage {
	return &models.TicketMessage{
		ID:          r.ID,
		TicketID:    r.TicketID,
		MessageID:   r.MessageID,
		InReplyTo:   r.InReplyTo,
		FromAddress: r.FromAddress,
		Subject:     r.Subject,
		SentAt:      fromMillis(r.SentAt),
		Direction:   models.Direction(r.Direction),
		PlainBody:   r.PlainBody,
		HTMLBody:    r.HTMLBody,
		CreatedAt:   fromMillis(r.CreatedAt),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func writeErr(op string, err error) error {
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLTicketStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	_, err := s.qb.ExecContext(ctx,
		`INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subject, string(t.Status), t.CustomerEmail, t.FromAddress, t.ThreadID, toMillis(t.CreatedAt))
	if err != nil {
		return writeErr("insert ticket", err)
	}
	return nil
}

func (s *SQLTicketStore) getTicket(ctx context.Context, where string, arg any) (*models.Ticket, error) {
	var row ticketRow
	err := s.qb.GetContext(ctx, &row, `SELECT `+ticketColumns+` FROM tickets WHERE `+where+` = ?`, arg)
	if err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

func (s *SQLTicketStore) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	return s.getTicket(ctx, "id", id)
}

func (s *SQLTicketStore) FindTicketByThreadID(ctx context.Context, threadID string) (*models.Ticket, error) {
	return s.getTicket(ctx, "thread_id", threadID)
}

func (s *SQLTicketStore) SetCustomerEmailIfEmpty(ctx context.Context, ticketID, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	res, err := s.qb.ExecContext(ctx,
		`UPDATE tickets SET customer_email = ? WHERE id = ? AND customer_email = ''`, email, ticketID)
	if err != nil {
		return false, fmt.Errorf("set customer email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetTicket(ctx, ticketID); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (s *SQLTicketStore) UpdateStatus(ctx context.Context, ticketID string, status models.TicketStatus) error {
	res, err := s.qb.ExecContext(ctx, `UPDATE tickets SET status = ? WHERE id = ?`, string(status), ticketID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports zero affected rows when the value is unchanged
		if _, err := s.GetTicket(ctx, ticketID); err != nil {
			return err
		}
	}
	return nil
}

// likePattern escapes LIKE wildcards with '!' so user text matches literally.
func likePattern(q string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return "%" + r.Replace(strings.ToLower(q)) + "%"
}

func (s *SQLTicketStore) ListTickets(ctx context.Context, f TicketFilter) ([]*models.Ticket, int, error) {
	sb := s.qb.NewSelect(ticketColumns).From("tickets")
	if f.Status != "" {
		sb.Where("status = ?", string(f.Status))
	}
	if f.CustomerEmail != "" {
		sb.Where("customer_email = ?", f.CustomerEmail)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		p := likePattern(q)
		sb.Where(`(LOWER(subject) LIKE ? ESCAPE '!' OR LOWER(customer_email) LIKE ? ESCAPE '!'`+
			` OR LOWER(from_address) LIKE ? ESCAPE '!' OR LOWER(thread_id) LIKE ? ESCAPE '!')`, p, p, p, p)
	}

	var total int
	if err := sb.Columns("COUNT(*)").GetContext(ctx, &total); err != nil {
		return nil, 0, fmt.Errorf("count tickets: %w", err)
	}

	sb.Columns(ticketColumns).OrderBy(f.Sort.orderBy()...)
	if f.Limit > 0 {
		sb.Page(f.Limit, f.Offset)
	}
	var rows []ticketRow
	if err := sb.SelectContext(ctx, &rows); err != nil {
		return nil, 0, fmt.Errorf("list tickets: %w", err)
	}
	out := make([]*models.Ticket, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, total, nil
}

func (s *SQLTicketStore) CreateMessage(ctx context.Context, m *models.TicketMessage) error {
	_, err := s.qb.ExecContext(ctx,
		`INSERT INTO ticket_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TicketID, m.MessageID, m.InReplyTo, m.FromAddress, m.Subject,
		toMillis(m.SentAt), string(m.Direction), m.PlainBody, m.HTMLBody, toMillis(m.CreatedAt))
	if err != nil {
		return writeErr("insert message", err)
	}
	return nil
}

func (s *SQLTicketStore) FindMessageByMessageID(ctx context.Context, messageID string) (*models.TicketMessage, error) {
	var row messageRow
	err := s.qb.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM ticket_messages WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

func (s *SQLTicketStore) ListMessages(ctx context.Context, ticketID string, limit, offset int) ([]*models.TicketMessage, int, error) {
	sb := s.qb.NewSelect("COUNT(*)").From("ticket_messages").Where("ticket_id = ?", ticketID)
	var total int
	if err := sb.GetContext(ctx, &total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	sb.Columns(messageColumns).OrderBy("sent_at ASC", "created_at ASC", "id ASC")
	if limit > 0 {
		sb.Page(limit, offset)
	}
	var rows []messageRow
	if err := sb.SelectContext(ctx, &rows); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	out := make([]*models.TicketMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, total, nil
}

func (s *SQLTicketStore) LatestMessages(ctx context.Context, ticketIDs []string, perTicket int) (map[string][]*models.TicketMessage, error) {
	out := make(map[string][]*models.TicketMessage, len(ticketIDs))
	if len(ticketIDs) == 0 {
		return out, nil
	}
	if perTicket <= 0 {
		perTicket = 1
	}
	query, args, err := s.qb.In(`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, ROW_NUMBER() OVER (
				PARTITION BY ticket_id ORDER BY sent_at DESC, created_at DESC, id DESC
			) AS rn
			FROM ticket_messages WHERE ticket_id IN (?)
		) ranked WHERE rn <= ? ORDER BY ticket_id, rn`, ticketIDs, perTicket)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := s.qb.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	for _, r := range rows {
		out[r.TicketID] = append(out[r.TicketID], r.model())
	}
	return out, nil
}

func (s *SQLTicketStore) CountMessages(ctx context.Context, ticketIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(ticketIDs))
	if len(ticketIDs) == 0 {
		return out, nil
	}
	query, args, err := s.qb.In(`SELECT ticket_id, COUNT(*) AS n FROM ticket_messages WHERE ticket_id IN (?) GROUP BY ticket_id`, ticketIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		TicketID string `db:"ticket_id"`
		N        int    `db:"n"`
	}
	if err := s.qb.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	for _, r := range rows {
		out[r.TicketID] = r.N
	}
	return out, nil
}

func (s *SQLTicketStore) LatestInboundMessage(ctx context.Context, ticketID string) (*models.TicketMessage, error) {
	var row messageRow
	err := s.qb.NewSelect(messageColumns).
		From("ticket_messages").
		Where("ticket_id = ?", ticketID).
		Where("direction = ?", string(models.DirectionInbound)).
		OrderBy("sent_at DESC", "created_at DESC", "id DESC").
		Page(1, 0).
		GetContext(ctx, &row)
	if err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

var _ TicketStore = (*SQLTicketStore)(nil)
