// Package story handles ephemeral 24-hour stories: publishing,
// listing other users' active stories, and recording who viewed what.
package story

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/session"
)

const DefaultTTL = 24 * time.Hour

type StoryStore interface {
	CreateStory(ctx context.Context, story *db.Story) error
	GetActiveStories(ctx context.Context, excludeUserID uuid.UUID, now time.Time) ([]*db.Story, error)
	CreateStoryView(ctx context.Context, view *db.StoryView) error
	GetStoryViews(ctx context.Context, storyID uuid.UUID) ([]*db.StoryView, error)
	CountDistinctViewers(ctx context.Context, storyID uuid.UUID) (int, error)
	GetViewedStoryIDs(ctx context.Context, viewerID uuid.UUID) ([]uuid.UUID, error)
}

// Service keeps the local cache of other users' active stories and the
// set of story ids the local user has already viewed.
type Service struct {
	store   StoryStore
	session *session.Session
	logger  *log.Logger
	ttl     time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	active []*db.Story
	viewed map[uuid.UUID]bool
}

func NewService(store StoryStore, sess *session.Session, logger *log.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Service{
		store:   store,
		session: sess,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		viewed:  make(map[uuid.UUID]bool),
	}
}

// Create publishes a story expiring one TTL from now. A story carries
// either media or text, never both and never neither.
func (s *Service) Create(ctx context.Context, mediaURL, textContent, caption string) (*db.Story, error) {
	selfID, ok := s.session.UserID()
	if !ok {
		return nil, session.ErrNotAuthenticated
	}

	if (mediaURL == "") == (textContent == "") {
		return nil, fmt.Errorf("story requires exactly one of media or text")
	}

	story := &db.Story{
		UserID:    selfID,
		ExpiresAt: s.now().Add(s.ttl),
	}
	if mediaURL != "" {
		story.MediaURL = &mediaURL
	}
	if textContent != "" {
		story.TextContent = &textContent
	}
	if caption != "" {
		story.Caption = &caption
	}

	if err := s.store.CreateStory(ctx, story); err != nil {
		return nil, err
	}

	return story, nil
}

// Refresh reloads other users' active stories and the local viewed
// set. A no-op when signed out; prior state survives a failed read.
func (s *Service) Refresh(ctx context.Context) error {
	selfID, ok := s.session.UserID()
	if !ok {
		return nil
	}

	active, err := s.store.GetActiveStories(ctx, selfID, s.now())
	if err != nil {
		return fmt.Errorf("failed to fetch stories: %w", err)
	}

	viewedIDs, err := s.store.GetViewedStoryIDs(ctx, selfID)
	if err != nil {
		return fmt.Errorf("failed to fetch viewed stories: %w", err)
	}

	viewed := make(map[uuid.UUID]bool, len(viewedIDs))
	for _, id := range viewedIDs {
		viewed[id] = true
	}

	s.mu.Lock()
	s.active = active
	s.viewed = viewed
	s.mu.Unlock()

	return nil
}

// RecordView marks a story as viewed by the local user. Repeat views
// insert repeat rows; viewer counts dedupe at read time.
func (s *Service) RecordView(ctx context.Context, storyID uuid.UUID) error {
	selfID, ok := s.session.UserID()
	if !ok {
		return session.ErrNotAuthenticated
	}

	view := &db.StoryView{StoryID: storyID, ViewerID: selfID}
	if err := s.store.CreateStoryView(ctx, view); err != nil {
		return err
	}

	s.mu.Lock()
	s.viewed[storyID] = true
	s.mu.Unlock()

	return nil
}

// Views lists the views of one story, newest first
func (s *Service) Views(ctx context.Context, storyID uuid.UUID) ([]*db.StoryView, error) {
	return s.store.GetStoryViews(ctx, storyID)
}

// ViewerCount counts unique viewers of one story
func (s *Service) ViewerCount(ctx context.Context, storyID uuid.UUID) (int, error) {
	return s.store.CountDistinctViewers(ctx, storyID)
}

// Active returns a copy of the cached active stories
func (s *Service) Active() []*db.Story {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*db.Story, len(s.active))
	copy(out, s.active)
	return out
}

// HasViewed reports whether the local user has viewed the story
func (s *Service) HasViewed(storyID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.viewed[storyID]
}

// HasUnseen reports whether any cached active story is still unviewed
func (s *Service) HasUnseen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.active {
		if !s.viewed[st.ID] {
			return true
		}
	}
	return false
}

// Bind subscribes the service to story change events
func (s *Service) Bind(ctx context.Context, src feed.Source) func() {
	return src.Subscribe(feed.TableStories, nil, func(ev feed.Event) {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("Failed to refresh stories", "error", err)
		}
	})
}
