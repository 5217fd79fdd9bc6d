// Package presence keeps the local user visible as online through a
// periodic heartbeat, and mirrors everyone else's online status from
// user change events. A peer whose heartbeat is older than twice the
// heartbeat period is treated as offline even if its row still says
// online, so crashed clients fade out without a clean shutdown.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/session"
)

const DefaultHeartbeatPeriod = 30 * time.Second

type UserStore interface {
	UpdateUserPresence(ctx context.Context, id uuid.UUID, status string, lastSeen time.Time) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*db.User, error)
}

// Tracker owns the heartbeat loop and the observed-peers map
type Tracker struct {
	store   UserStore
	session *session.Session
	logger  *log.Logger
	period  time.Duration
	now     func() time.Time

	mu     sync.Mutex
	stop   chan struct{}
	gen    int
	online map[uuid.UUID]time.Time

	// writeMu serializes presence writes so a beat from a stopped run
	// can never land after the offline write
	writeMu sync.Mutex
}

func NewTracker(store UserStore, sess *session.Session, logger *log.Logger, period time.Duration) *Tracker {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}

	return &Tracker{
		store:   store,
		session: sess,
		logger:  logger,
		period:  period,
		now:     time.Now,
		online:  make(map[uuid.UUID]time.Time),
	}
}

// StartHeartbeat writes an immediate online beat and keeps beating on
// the period until StopHeartbeat. Calling it again while running is a
// no-op; there is never more than one timer.
func (t *Tracker) StartHeartbeat(ctx context.Context) {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	gen := t.gen
	t.mu.Unlock()

	t.beat(ctx, gen)

	go func() {
		ticker := time.NewTicker(t.period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.beat(ctx, gen)
			}
		}
	}()
}

// StopHeartbeat stops the timer and makes a best-effort offline write.
// Safe to call when not running.
func (t *Tracker) StopHeartbeat(ctx context.Context) {
	t.mu.Lock()
	if t.stop == nil {
		t.mu.Unlock()
		return
	}
	close(t.stop)
	t.stop = nil
	t.gen++
	t.mu.Unlock()

	selfID, ok := t.session.UserID()
	if !ok {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.store.UpdateUserPresence(ctx, selfID, db.StatusOffline, t.now()); err != nil {
		t.logger.Warn("Failed to mark offline", "error", err)
	}
}

// beat writes one online heartbeat. A beat whose run was stopped in
// the meantime is dropped: the generation bumped by StopHeartbeat no
// longer matches, and the check happens under writeMu, after any
// offline write in flight.
func (t *Tracker) beat(ctx context.Context, gen int) {
	selfID, ok := t.session.UserID()
	if !ok {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	stale := gen != t.gen
	t.mu.Unlock()
	if stale {
		return
	}

	if err := t.store.UpdateUserPresence(ctx, selfID, db.StatusOnline, t.now()); err != nil {
		t.logger.Warn("Heartbeat failed", "error", err)
	}
}

// Bind subscribes the tracker to user change events; each event
// re-fetches that user's row and updates the observed map.
func (t *Tracker) Bind(ctx context.Context, src feed.Source) func() {
	return src.Subscribe(feed.TableUsers, nil, func(ev feed.Event) {
		user, err := t.store.GetUserByID(ctx, ev.RowID)
		if err != nil {
			t.logger.Warn("Failed to fetch user for presence", "id", ev.RowID, "error", err)
			return
		}
		t.observe(user)
	})
}

func (t *Tracker) observe(user *db.User) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if user.Status == db.StatusOnline && user.LastSeen != nil {
		t.online[user.ID] = *user.LastSeen
	} else {
		delete(t.online, user.ID)
	}
}

// IsOnline reports whether a peer is online and its heartbeat is fresh.
// Stale entries (older than twice the period) count as offline.
func (t *Tracker) IsOnline(userID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lastSeen, ok := t.online[userID]
	if !ok {
		return false
	}

	return t.now().Sub(lastSeen) <= 2*t.period
}

// OnlineUsers returns the ids of peers currently considered online
func (t *Tracker) OnlineUsers() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-2 * t.period)

	ids := make([]uuid.UUID, 0, len(t.online))
	for id, lastSeen := range t.online {
		if lastSeen.After(cutoff) {
			ids = append(ids, id)
		}
	}

	return ids
}
