package models

import "time"

// Direction tells whether a message was received from or sent to a customer.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// TicketMessage is one stored mail of a ticket. It is immutable after creation.
type TicketMessage struct {
	ID          string    `json:"id"`
	TicketID    string    `json:"ticket_id"`
	MessageID   string    `json:"message_id"` // bracketed RFC 5322 id, unique across the store
	InReplyTo   string    `json:"in_reply_to,omitempty"`
	FromAddress string    `json:"from_address"`
	Subject     string    `json:"subject"`
	SentAt      time.Time `json:"sent_at"`
	Direction   Direction `json:"direction"`
	PlainBody   string    `json:"plain_body"`
	HTMLBody    string    `json:"html_body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Preview builds the list preview of the message around an already shortened snippet.
func (m *TicketMessage) Preview(snippet string) *MessagePreview {
	if m == nil {
		return nil
	}
	return &MessagePreview{
		ID:          m.ID,
		MessageID:   m.MessageID,
		FromAddress: m.FromAddress,
		Direction:   m.Direction,
		SentAt:      m.SentAt,
		Snippet:     snippet,
	}
}
