package db

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	`CREATE TABLE IF NOT EXISTS users (
		id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		username           TEXT NOT NULL,
		email              TEXT NOT NULL UNIQUE,
		password_hash      TEXT NOT NULL,
		avatar_url         TEXT,
		status             TEXT NOT NULL DEFAULT 'offline',
		last_seen          TIMESTAMPTZ,
		email_confirmed_at TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		sender_id    UUID NOT NULL REFERENCES users(id),
		receiver_id  UUID NOT NULL REFERENCES users(id),
		message_type TEXT NOT NULL DEFAULT 'text',
		text_content TEXT,
		file_url     TEXT,
		status       TEXT NOT NULL DEFAULT 'sent',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_pair
		ON messages (sender_id, receiver_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS stories (
		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id      UUID NOT NULL REFERENCES users(id),
		media_url    TEXT,
		text_content TEXT,
		caption      TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at   TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_stories_expiry
		ON stories (expires_at)`,

	`CREATE TABLE IF NOT EXISTS story_views (
		id        UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		story_id  UUID NOT NULL REFERENCES stories(id),
		viewer_id UUID NOT NULL REFERENCES users(id),
		viewed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS active_calls (
		id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		caller_id   UUID NOT NULL REFERENCES users(id),
		receiver_id UUID NOT NULL REFERENCES users(id),
		status      TEXT NOT NULL DEFAULT 'ringing',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS call_signals (
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		call_id    UUID NOT NULL REFERENCES active_calls(id),
		sender_id  UUID NOT NULL REFERENCES users(id),
		kind       TEXT NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_call_signals_call
		ON call_signals (call_id, created_at)`,
}

// EnsureSchema creates all tables if they don't exist yet
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
