// Package feed carries row-change notifications from the external store
// to subscribed components. Events are pure invalidation signals: they
// name the table, the kind of change and the row id, never row contents.
// Consumers must re-fetch whatever they care about.
package feed

import (
	"context"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Table names used on the wire
const (
	TableUsers       = "users"
	TableMessages    = "messages"
	TableStories     = "stories"
	TableStoryViews  = "story_views"
	TableActiveCalls = "active_calls"
	TableCallSignals = "call_signals"
)

// Event describes one row-level change. Delivery order is not
// guaranteed relative to the write that caused it.
type Event struct {
	Table string    `json:"table"`
	Kind  EventKind `json:"kind"`
	RowID uuid.UUID `json:"row_id"`
}

// Notifier is the publishing side of the feed, called by the store
// layer after every successful mutation.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Handler receives events. Handlers run on the feed goroutine and
// must not block for long; trigger re-fetches, don't merge state.
type Handler func(ev Event)

// Source is the subscribing side of the feed. Subscribe registers a
// handler for one table, optionally filtered by event kinds (nil means
// all kinds), and returns an unsubscribe function.
type Source interface {
	Subscribe(table string, kinds []EventKind, h Handler) func()
}

func kindMatches(kinds []EventKind, k EventKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
