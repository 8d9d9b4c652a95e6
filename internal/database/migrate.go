package database

import (
	"context"
	"fmt"
)

// Migrate creates the ticket tables and their unique indexes when missing.
// The unique indexes on tickets.thread_id and ticket_messages.message_id are
// what makes concurrent ingestion and reply writes idempotent.
func (qb *QueryBuilder) Migrate(ctx context.Context) error {
	for _, stmt := range schema(qb.dialect) {
		if _, err := qb.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func schema(d Dialect) []string {
	if d == MySQL {
		return []string{
			`CREATE TABLE IF NOT EXISTS tickets (
				id VARCHAR(36) NOT NULL PRIMARY KEY,
				subject VARCHAR(998) NOT NULL DEFAULT '',
				status VARCHAR(16) NOT NULL,
				customer_email VARCHAR(320) NOT NULL DEFAULT '',
				from_address VARCHAR(320) NOT NULL DEFAULT '',
				thread_id VARCHAR(512) NOT NULL,
				created_at BIGINT NOT NULL,
				UNIQUE KEY uq_tickets_thread_id (thread_id),
				KEY idx_tickets_status (status),
				KEY idx_tickets_customer_email (customer_email),
				KEY idx_tickets_created_at (created_at)
			) DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS ticket_messages (
				id VARCHAR(36) NOT NULL PRIMARY KEY,
				ticket_id VARCHAR(36) NOT NULL,
				message_id VARCHAR(512) NOT NULL,
				in_reply_to VARCHAR(512) NOT NULL DEFAULT '',
				from_address VARCHAR(320) NOT NULL DEFAULT '',
				subject VARCHAR(998) NOT NULL DEFAULT '',
				sent_at BIGINT NOT NULL,
				direction VARCHAR(8) NOT NULL,
				plain_body MEDIUMTEXT NOT NULL,
				html_body MEDIUMTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				UNIQUE KEY uq_ticket_messages_message_id (message_id),
				KEY idx_ticket_messages_ticket_sent (ticket_id, sent_at),
				CONSTRAINT fk_ticket_messages_ticket FOREIGN KEY (ticket_id) REFERENCES tickets (id)
			) DEFAULT CHARSET=utf8mb4`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			subject TEXT NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			customer_email VARCHAR(320) NOT NULL DEFAULT '',
			from_address VARCHAR(320) NOT NULL DEFAULT '',
			thread_id VARCHAR(512) NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tickets_thread_id ON tickets (thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_customer_email ON tickets (customer_email)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_created_at ON tickets (created_at)`,
		`CREATE TABLE IF NOT EXISTS ticket_messages (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			ticket_id VARCHAR(36) NOT NULL REFERENCES tickets (id),
			message_id VARCHAR(512) NOT NULL,
			in_reply_to VARCHAR(512) NOT NULL DEFAULT '',
			from_address VARCHAR(320) NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			sent_at BIGINT NOT NULL,
			direction VARCHAR(8) NOT NULL,
			plain_body TEXT NOT NULL,
			html_body TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_ticket_messages_message_id ON ticket_messages (message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ticket_messages_ticket_sent ON ticket_messages (ticket_id, sent_at)`,
	}
}
