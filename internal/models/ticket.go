package models

import "time"

// TicketStatus is the lifecycle state of a mail ticket.
type TicketStatus string

const (
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusPending TicketStatus = "pending"
	TicketStatusClosed  TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusPending, TicketStatusClosed:
		return true
	default:
		return false
	}
}

// Ticket groups every message of one mail conversation.
type Ticket struct {
	ID            string       `json:"id"`
	Subject       string       `json:"subject"`
	Status        TicketStatus `json:"status"`
	CustomerEmail string       `json:"customer_email,omitempty"` // canonical, empty until the first inbound message
	FromAddress   string       `json:"from_address"`
	ThreadID      string       `json:"thread_id"` // unique, never changes once set
	CreatedAt     time.Time    `json:"created_at"`
}

// TicketSummary is the list projection of a ticket with a preview of its latest message.
type TicketSummary struct {
	Ticket
	MessageCount int            `json:"message_count"`
	LastMessage  *MessagePreview `json:"last_message,omitempty"`
}

// MessagePreview is a shortened view of a ticket message.
type MessagePreview struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	FromAddress string    `json:"from_address"`
	Direction   Direction `json:"direction"`
	SentAt      time.Time `json:"sent_at"`
	Snippet     string    `json:"snippet"`
}
