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

const callColumns = `id, caller_id, receiver_id, status, created_at`

func scanCall(row pgx.Row) (*ActiveCall, error) {
	c := &ActiveCall{}
	err := row.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &c.Status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("call: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}
	return c, nil
}

// CreateCall creates the signaling row in `ringing` status
func (s *PostgresStore) CreateCall(ctx context.Context, callerID, receiverID uuid.UUID) (*ActiveCall, error) {
	if callerID == receiverID {
		return nil, fmt.Errorf("cannot call yourself")
	}

	query := `
		INSERT INTO active_calls (caller_id, receiver_id, status)
		VALUES ($1, $2, $3)
		RETURNING ` + callColumns

	call, err := scanCall(s.db.QueryRow(ctx, query, callerID, receiverID, CallStatusRinging))
	if err != nil {
		return nil, fmt.Errorf("failed to create call: %w", err)
	}

	s.notify(ctx, feed.TableActiveCalls, feed.EventInsert, call.ID)

	return call, nil
}

func (s *PostgresStore) GetCallByID(ctx context.Context, id uuid.UUID) (*ActiveCall, error) {
	query := `SELECT ` + callColumns + ` FROM active_calls WHERE id = $1`
	return scanCall(s.db.QueryRow(ctx, query, id))
}

// UpdateCallStatus moves a call from one lifecycle status to another.
// The update is guarded on the current status so terminal states are
// never overwritten; a lost race surfaces as ErrInvalidState.
func (s *PostgresStore) UpdateCallStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	query := `UPDATE active_calls SET status = $3 WHERE id = $1 AND status = $2`

	result, err := s.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("call %s is not %s: %w", id, from, ErrInvalidState)
	}

	s.notify(ctx, feed.TableActiveCalls, feed.EventUpdate, id)

	return nil
}

// CreateCallSignal persists one offer/answer/candidate payload for the
// counterpart to pick up via the change feed.
func (s *PostgresStore) CreateCallSignal(ctx context.Context, sig *CallSignal) error {
	query := `
		INSERT INTO call_signals (call_id, sender_id, kind, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		sig.CallID,
		sig.SenderID,
		sig.Kind,
		sig.Payload,
	).Scan(&sig.ID, &sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create call signal: %w", err)
	}

	s.notify(ctx, feed.TableCallSignals, feed.EventInsert, sig.ID)

	return nil
}

// GetCallSignals returns the counterpart's signals for a call created
// strictly after the given time, oldest first.
func (s *PostgresStore) GetCallSignals(ctx context.Context, callID uuid.UUID, after time.Time, excludeSenderID uuid.UUID) ([]*CallSignal, error) {
	query := `
		SELECT id, call_id, sender_id, kind, payload, created_at
		FROM call_signals
		WHERE call_id = $1 AND created_at > $2 AND sender_id <> $3
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, callID, after, excludeSenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get call signals: %w", err)
	}
	defer rows.Close()

	signals := []*CallSignal{}
	for rows.Next() {
		sig := &CallSignal{}
		if err := rows.Scan(&sig.ID, &sig.CallID, &sig.SenderID, &sig.Kind, &sig.Payload, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call signal: %w", err)
		}
		signals = append(signals, sig)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call signals: %w", err)
	}

	return signals, nil
}
