package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rx3lixir/boltalka/internal/feed"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means a guarded status transition found the row
	// in a state it cannot move from (e.g. accepting a non-ringing call).
	ErrInvalidState = errors.New("invalid state")
)

// To abstract db methods from pgxpool api
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the typed CRUD surface over the relational store.
// Every successful mutation is announced on the change feed; the feed
// event carries no row data, subscribers re-fetch.
type PostgresStore struct {
	db       DBTX
	notifier feed.Notifier
}

func NewPostgresStore(pool DBTX, notifier feed.Notifier) *PostgresStore {
	return &PostgresStore{
		db:       pool,
		notifier: notifier,
	}
}

// notify publishes a change event. Best effort: a write that landed but
// whose event got lost is recovered by the next full refresh.
func (s *PostgresStore) notify(ctx context.Context, table string, kind feed.EventKind, rowID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Notify(ctx, feed.Event{Table: table, Kind: kind, RowID: rowID})
}

// UserStore is the user-directory surface consumed by the auth service
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUsers(ctx context.Context) ([]*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUserProfile(ctx context.Context, id uuid.UUID, username string, avatarURL *string) error
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	ConfirmEmail(ctx context.Context, id uuid.UUID) error
}

func CreatePostgresPool(parentCtx context.Context, dburl string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(parentCtx, time.Second*3)
	defer cancel()

	pool, err := pgxpool.New(ctx, dburl)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}
