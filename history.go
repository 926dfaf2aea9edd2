package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// MessageStore persists inbound message summaries. The schema and the $1
// placeholders work unchanged on postgres and sqlite.
type MessageStore struct {
	db *sqlx.DB
}

// StoredMessage is one row of durable inbound history.
type StoredMessage struct {
	UserID     string    `db:"user_id" json:"userId"`
	MessageID  string    `db:"message_id" json:"messageId"`
	Sender     string    `db:"sender" json:"from"`
	PushName   string    `db:"push_name" json:"pushName,omitempty"`
	FromMe     bool      `db:"from_me" json:"fromMe"`
	Body       string    `db:"body" json:"text"`
	ReceivedAt time.Time `db:"received_at" json:"receivedAt"`
}

func NewMessageStore(db *sqlx.DB) (*MessageStore, error) {
	schema := `CREATE TABLE IF NOT EXISTS messages (
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		push_name TEXT NOT NULL DEFAULT '',
		from_me BOOLEAN NOT NULL DEFAULT FALSE,
		body TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, message_id)
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	return &MessageStore{db: db}, nil
}

// Insert stores one inbound summary. Redelivered messages with the same id
// are ignored.
func (s *MessageStore) Insert(ctx context.Context, evt WebhookEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, message_id, sender, push_name, from_me, body, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, message_id) DO NOTHING`,
		evt.UserID, evt.MessageID, evt.From, evt.PushName, evt.FromMe, evt.Text,
		time.Unix(evt.Timestamp, 0).UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListByUser returns the newest messages for a user, most recent first.
func (s *MessageStore) ListByUser(ctx context.Context, userID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	messages := []StoredMessage{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT user_id, message_id, sender, push_name, from_me, body, received_at
		 FROM messages WHERE user_id = $1
		 ORDER BY received_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}
