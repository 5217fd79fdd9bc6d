package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rx3lixir/boltalka/internal/feed"
)

const userColumns = `id, username, email, password_hash, avatar_url, status, last_seen, email_confirmed_at, created_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.AvatarURL,
		&u.Status,
		&u.LastSeen,
		&u.EmailConfirmedAt,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, email, password_hash, avatar_url)
		VALUES ($1, $2, $3, $4)
		RETURNING id, status, created_at
	`

	err := s.db.QueryRow(
		ctx,
		query,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.AvatarURL,
	).Scan(&user.ID, &user.Status, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	s.notify(ctx, feed.TableUsers, feed.EventInsert, user.ID)

	return nil
}

func (s *PostgresStore) GetUsers(ctx context.Context) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY username`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

// GetOtherUsers lists every user except the given one. The conversation
// list is assembled from this, so the local user never shows up as a
// counterpart.
func (s *PostgresStore) GetOtherUsers(ctx context.Context, selfID uuid.UUID) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id <> $1 ORDER BY username`

	rows, err := s.db.Query(ctx, query, selfID)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]*User, error) {
	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(s.db.QueryRow(ctx, query, email))
}

// UpdateUserPresence writes the liveness fields of a user row. This is
// the heartbeat target: status plus last_seen, nothing else.
func (s *PostgresStore) UpdateUserPresence(ctx context.Context, id uuid.UUID, status string, lastSeen time.Time) error {
	query := `UPDATE users SET status = $2, last_seen = $3 WHERE id = $1`

	result, err := s.db.Exec(ctx, query, id, status, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}

	s.notify(ctx, feed.TableUsers, feed.EventUpdate, id)

	return nil
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, id uuid.UUID, username string, avatarURL *string) error {
	query := `UPDATE users SET username = $2, avatar_url = COALESCE($3, avatar_url) WHERE id = $1`

	result, err := s.db.Exec(ctx, query, id, username, avatarURL)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}

	s.notify(ctx, feed.TableUsers, feed.EventUpdate, id)

	return nil
}

func (s *PostgresStore) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `UPDATE users SET password_hash = $2 WHERE id = $1`

	result, err := s.db.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}

	return nil
}

func (s *PostgresStore) ConfirmEmail(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE users SET email_confirmed_at = now() WHERE id = $1 AND email_confirmed_at IS NULL`

	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to confirm email: %w", err)
	}

	return nil
}
