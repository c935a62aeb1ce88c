package feed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/db"
	"github.com/arbor-social/arbor/internal/models"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

// Index maintains the newsfeed: one entry per top-level event, written from
// the stores' insert paths and queried per viewer. It performs no dedup of
// its own; callers only append from paths that run once per event.
type Index struct {
	news   *db.NewsfeedRepository
	posts  *db.PostRepository
	actors *db.ActorRepository
	logger *zap.Logger
}

// NewIndex creates a newsfeed index on top of the shared repository.
func NewIndex(repo *db.Repository) *Index {
	return &Index{
		news:   db.NewNewsfeedRepository(repo),
		posts:  db.NewPostRepository(repo),
		actors: db.NewActorRepository(repo),
		logger: logging.GetLogger().With(zap.String("component", "newsfeed")),
	}
}

// Append records one feed event.
func (ix *Index) Append(ctx context.Context, kind int16, authorID, objectID int64, at time.Time) error {
	entry := &models.NewsfeedEntry{
		Kind:      kind,
		AuthorID:  authorID,
		ObjectID:  objectID,
		CreatedAt: at.UTC(),
	}
	if err := ix.news.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to append feed entry: %w", err)
	}
	return nil
}

// Remove drops every post-referencing entry for the given post.
func (ix *Index) Remove(ctx context.Context, postID int64) error {
	if err := ix.news.DeleteForPost(ctx, postID); err != nil {
		return fmt.Errorf("failed to remove feed entries for post %d: %w", postID, err)
	}
	return nil
}

// OwnPostCreated records a wall post in its author's followers' feeds.
func (ix *Index) OwnPostCreated(ctx context.Context, post *models.Post) error {
	return ix.Append(ctx, models.FeedKindOwnPost, post.AuthorID.Int64, post.ID, post.CreatedAt)
}

// PostHardDeleted drops the deleted post's feed entries.
func (ix *Index) PostHardDeleted(ctx context.Context, postID int64) error {
	return ix.Remove(ctx, postID)
}

// Entry is a feed entry resolved for rendering: the raw row joined with the
// actor who caused it and the post or actor it points at.
type Entry struct {
	ID        int64
	Kind      int16
	Author    *models.Actor
	Post      *models.Post
	Object    *models.Actor
	CreatedAt time.Time
}

// Query returns a page of the viewer's feed: entries authored by the
// viewer's followees plus the viewer's own posts, newest first, with
// referenced posts and actors resolved in one batch each. Entries whose
// referenced object no longer resolves are skipped, not errors: a hard
// delete can race the page load.
func (ix *Index) Query(ctx context.Context, viewerID, beforeID int64, offset, limit int) ([]*Entry, int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.query")
	defer span.End()

	total, err := ix.news.CountForViewer(ctx, viewerID, beforeID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count feed entries: %w", err)
	}
	rows, err := ix.news.ListForViewer(ctx, viewerID, beforeID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list feed entries: %w", err)
	}

	var postIDs, actorIDs []int64
	for _, row := range rows {
		actorIDs = append(actorIDs, row.AuthorID)
		if row.ReferencesPost() {
			postIDs = append(postIDs, row.ObjectID)
		} else {
			actorIDs = append(actorIDs, row.ObjectID)
		}
	}

	posts, err := ix.posts.GetByIDs(ctx, postIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve feed posts: %w", err)
	}
	actors, err := ix.actors.GetByIDs(ctx, actorIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve feed actors: %w", err)
	}

	postsByID := make(map[int64]*models.Post, len(posts))
	for _, p := range posts {
		postsByID[p.ID] = p
	}
	actorsByID := make(map[int64]*models.Actor, len(actors))
	for _, a := range actors {
		actorsByID[a.ID] = a
	}

	entries, skipped := assemble(rows, postsByID, actorsByID)
	if skipped > 0 {
		ix.logger.Debug("Skipped dangling feed entries",
			zap.Int64("viewer_id", viewerID),
			zap.Int("skipped", skipped))
	}
	return entries, total, nil
}

// assemble joins raw rows with their resolved references, dropping rows
// whose post or actor is gone.
func assemble(rows []*models.NewsfeedEntry, posts map[int64]*models.Post, actors map[int64]*models.Actor) ([]*Entry, int) {
	entries := make([]*Entry, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		author := actors[row.AuthorID]
		if author == nil {
			skipped++
			continue
		}
		entry := &Entry{
			ID:        row.ID,
			Kind:      row.Kind,
			Author:    author,
			CreatedAt: row.CreatedAt,
		}
		if row.ReferencesPost() {
			post := posts[row.ObjectID]
			if post == nil || post.Deleted {
				skipped++
				continue
			}
			entry.Post = post
		} else {
			object := actors[row.ObjectID]
			if object == nil {
				skipped++
				continue
			}
			entry.Object = object
		}
		entries = append(entries, entry)
	}
	return entries, skipped
}
