package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rx3lixir/boltalka/internal/feed"
)

const messageColumns = `id, sender_id, receiver_id, message_type, text_content, file_url, status, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	m := &Message{}
	err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.ReceiverID,
		&m.MessageType,
		&m.TextContent,
		&m.FileURL,
		&m.Status,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMessage persists a new message. The row is created once with
// status `sent`; only the status is ever mutated afterwards.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (sender_id, receiver_id, message_type, text_content, file_url, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	if msg.Status == "" {
		msg.Status = MessageStatusSent
	}

	err := s.db.QueryRow(ctx, query,
		msg.SenderID,
		msg.ReceiverID,
		msg.MessageType,
		msg.TextContent,
		msg.FileURL,
		msg.Status,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("failed to create message: %w", err)
	}

	s.notify(ctx, feed.TableMessages, feed.EventInsert, msg.ID)

	return nil
}

// GetMessagesBetween returns the full history between two users, in
// either direction, ascending by creation time.
func (s *PostgresStore) GetMessagesBetween(ctx context.Context, a, b uuid.UUID) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// GetLastMessageBetween returns the most recent message between two
// users, or nil when they have no history yet.
func (s *PostgresStore) GetLastMessageBetween(ctx context.Context, a, b uuid.UUID) (*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC
		LIMIT 1
	`

	m, err := scanMessage(s.db.QueryRow(ctx, query, a, b))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last message: %w", err)
	}

	return m, nil
}

// CountUnseenFrom counts messages from sender to receiver still in
// `sent` status, i.e. not yet picked up by the receiver.
func (s *PostgresStore) CountUnseenFrom(ctx context.Context, receiverID, senderID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE receiver_id = $1 AND sender_id = $2 AND status = $3
	`

	var count int
	if err := s.db.QueryRow(ctx, query, receiverID, senderID, MessageStatusSent).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unseen messages: %w", err)
	}

	return count, nil
}

// AdvanceMessageStatus moves a message's delivery status forward.
// The update is guarded so status never regresses: advancing a message
// that is already at or past the target is a no-op, not an error.
func (s *PostgresStore) AdvanceMessageStatus(ctx context.Context, id uuid.UUID, status string) error {
	if StatusRank(status) == 0 {
		return fmt.Errorf("unknown message status: %s", status)
	}

	query := `
		UPDATE messages SET status = $2
		WHERE id = $1
		  AND CASE status
		        WHEN 'sent' THEN 1
		        WHEN 'delivered' THEN 2
		        ELSE 3
		      END
		    < CASE $2::text
		        WHEN 'sent' THEN 1
		        WHEN 'delivered' THEN 2
		        ELSE 3
		      END
	`

	result, err := s.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}

	if result.RowsAffected() > 0 {
		s.notify(ctx, feed.TableMessages, feed.EventUpdate, id)
	}

	return nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM messages WHERE id = $1`

	result, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message: %w", ErrNotFound)
	}

	s.notify(ctx, feed.TableMessages, feed.EventDelete, id)

	return nil
}
