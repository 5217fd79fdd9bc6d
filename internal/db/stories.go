package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rx3lixir/boltalka/internal/feed"
)

const storyColumns = `id, user_id, media_url, text_content, caption, created_at, expires_at`

func scanStory(row pgx.Row) (*Story, error) {
	st := &Story{}
	err := row.Scan(
		&st.ID,
		&st.UserID,
		&st.MediaURL,
		&st.TextContent,
		&st.Caption,
		&st.CreatedAt,
		&st.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan story: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) CreateStory(ctx context.Context, story *Story) error {
	query := `
		INSERT INTO stories (user_id, media_url, text_content, caption, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		story.UserID,
		story.MediaURL,
		story.TextContent,
		story.Caption,
		story.ExpiresAt,
	).Scan(&story.ID, &story.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create story: %w", err)
	}

	s.notify(ctx, feed.TableStories, feed.EventInsert, story.ID)

	return nil
}

// GetActiveStories returns unexpired stories from everyone except the
// given user, newest first. Expired rows stay in the table; they are
// just never selected.
func (s *PostgresStore) GetActiveStories(ctx context.Context, excludeUserID uuid.UUID, now time.Time) ([]*Story, error) {
	query := `
		SELECT ` + storyColumns + `
		FROM stories
		WHERE expires_at > $2 AND user_id <> $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query, excludeUserID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get stories: %w", err)
	}
	defer rows.Close()

	stories := []*Story{}
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, st)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stories: %w", err)
	}

	return stories, nil
}

// CreateStoryView records one view. Duplicate (story, viewer) pairs are
// tolerated here; viewer counts dedupe at read time instead.
func (s *PostgresStore) CreateStoryView(ctx context.Context, view *StoryView) error {
	query := `
		INSERT INTO story_views (story_id, viewer_id)
		VALUES ($1, $2)
		RETURNING id, viewed_at
	`

	err := s.db.QueryRow(ctx, query, view.StoryID, view.ViewerID).
		Scan(&view.ID, &view.ViewedAt)
	if err != nil {
		return fmt.Errorf("failed to record story view: %w", err)
	}

	s.notify(ctx, feed.TableStoryViews, feed.EventInsert, view.ID)

	return nil
}

func (s *PostgresStore) GetStoryViews(ctx context.Context, storyID uuid.UUID) ([]*StoryView, error) {
	query := `
		SELECT id, story_id, viewer_id, viewed_at
		FROM story_views
		WHERE story_id = $1
		ORDER BY viewed_at DESC
	`

	rows, err := s.db.Query(ctx, query, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get story views: %w", err)
	}
	defer rows.Close()

	views := []*StoryView{}
	for rows.Next() {
		v := &StoryView{}
		if err := rows.Scan(&v.ID, &v.StoryID, &v.ViewerID, &v.ViewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan story view: %w", err)
		}
		views = append(views, v)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating story views: %w", err)
	}

	return views, nil
}

// CountDistinctViewers counts unique viewers of a story
func (s *PostgresStore) CountDistinctViewers(ctx context.Context, storyID uuid.UUID) (int, error) {
	query := `SELECT COUNT(DISTINCT viewer_id) FROM story_views WHERE story_id = $1`

	var count int
	if err := s.db.QueryRow(ctx, query, storyID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count viewers: %w", err)
	}

	return count, nil
}

// GetViewedStoryIDs returns ids of every story the viewer has seen
func (s *PostgresStore) GetViewedStoryIDs(ctx context.Context, viewerID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT DISTINCT story_id FROM story_views WHERE viewer_id = $1`

	rows, err := s.db.Query(ctx, query, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get viewed stories: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan story id: %w", err)
		}
		ids = append(ids, id)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating viewed stories: %w", err)
	}

	return ids, nil
}
