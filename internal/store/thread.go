package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/apperr"
	"github.com/arbor-social/arbor/internal/db"
	"github.com/arbor-social/arbor/internal/federation"
	"github.com/arbor-social/arbor/internal/models"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

const (
	// threadPreviewLimit caps how many posts a two-level thread listing loads.
	threadPreviewLimit = 100
	// repliesPreviewCount is how many of the latest direct replies a feed
	// preview shows per post.
	repliesPreviewCount = 3
	// wallPageSize is the page size for wall listings.
	wallPageSize = 25
)

// PostRepository is the slice of the database layer the thread store drives.
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) error
	Update(ctx context.Context, post *models.Post) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	GetByFederationID(ctx context.Context, uri string) (*models.Post, error)
	ListByReplyKey(ctx context.Context, key models.ReplyKey, beforeID int64, limit int) ([]*models.Post, error)
	CountByReplyKey(ctx context.Context, key models.ReplyKey, beforeID int64) (int64, error)
	ListByPrefix(ctx context.Context, prefix models.ReplyKey, limit int) ([]*models.Post, error)
	CountByPrefix(ctx context.Context, prefix models.ReplyKey) (int64, error)
	DistinctAuthorsByPrefix(ctx context.Context, prefix models.ReplyKey) ([]int64, error)
	ListLatestByReplyKey(ctx context.Context, key models.ReplyKey, n int) ([]*models.Post, error)
	CountDirectReplies(ctx context.Context, ids []int64) (map[int64]int64, error)
	ListWall(ctx context.Context, ownerID int64, isGroup bool, beforeID int64, offset, limit int, ownOnly bool) ([]*models.Post, error)
	CountWall(ctx context.Context, ownerID int64, isGroup, ownOnly bool) (int64, error)
	ListWallToWall(ctx context.Context, userID, otherUserID int64, offset, limit int) ([]*models.Post, error)
	CountWallToWall(ctx context.Context, userID, otherUserID int64) (int64, error)
	CountLocal(ctx context.Context, replies bool) (int64, error)
	IncrementReplyCounts(ctx context.Context, ids []int64) error
	DecrementReplyCounts(ctx context.Context, ids []int64) error
}

var _ PostRepository = (*db.PostRepository)(nil)

// ThreadStore owns post rows and the reply-key encoding. All thread reads and
// writes go through it; counter maintenance and newsfeed side effects happen
// here so callers cannot apply them partially.
type ThreadStore struct {
	posts     PostRepository
	domain    string
	logger    *zap.Logger
	listeners []Listener
}

// NewThreadStore creates a thread store on top of the shared repository.
func NewThreadStore(repo *db.Repository, domain string) *ThreadStore {
	return newThreadStore(db.NewPostRepository(repo), domain)
}

func newThreadStore(posts PostRepository, domain string) *ThreadStore {
	return &ThreadStore{
		posts:  posts,
		domain: domain,
		logger: logging.GetLogger().With(zap.String("component", "thread-store")),
	}
}

// PostDraft carries the caller-supplied fields of a new local post.
type PostDraft struct {
	AuthorID       int64
	OwnerUserID    int64
	OwnerGroupID   int64
	Text           string
	Attachments    string
	ContentWarning string
	ParentKey      models.ReplyKey
	Mentions       []int64
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v > 0}
}

func validOwner(ownerUserID, ownerGroupID int64) bool {
	return (ownerUserID > 0) != (ownerGroupID > 0)
}

// CreateLocalPost persists a post composed on this server and applies its
// side effects: a newsfeed event for top-level posts on the author's own
// wall, reply-counter increments on every ancestor for replies.
func (s *ThreadStore) CreateLocalPost(ctx context.Context, draft PostDraft) (*models.Post, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.create_local_post")
	defer span.End()

	if draft.AuthorID <= 0 {
		return nil, apperr.InvalidReference("post has no author")
	}
	if !validOwner(draft.OwnerUserID, draft.OwnerGroupID) {
		return nil, apperr.InvalidReference("post owner must be exactly one of user or group")
	}

	post := &models.Post{
		AuthorID:       nullInt64(draft.AuthorID),
		OwnerUserID:    nullInt64(draft.OwnerUserID),
		OwnerGroupID:   nullInt64(draft.OwnerGroupID),
		Text:           nullString(draft.Text),
		Attachments:    nullString(draft.Attachments),
		ContentWarning: nullString(draft.ContentWarning),
		ReplyKey:       draft.ParentKey,
		Mentions:       models.IDArray(draft.Mentions),
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	if err := s.applyCreateSideEffects(ctx, post); err != nil {
		return nil, err
	}

	s.logger.Info("Created local post",
		zap.Int64("post_id", post.ID),
		zap.Int("depth", post.Depth()))
	return post, nil
}

// UpsertFederatedPost inserts or updates a post received from another server.
// The federation identifier is the idempotency key: the first sight inserts
// the row and applies creation side effects, every later sight only refreshes
// the mutable content fields. post.ID is set to the local ID either way.
func (s *ThreadStore) UpsertFederatedPost(ctx context.Context, post *models.Post) error {
	ctx, span := telemetry.StartSpan(ctx, "store.upsert_federated_post")
	defer span.End()

	if !post.FederationID.Valid {
		return apperr.InvalidReference("federated post has no federation identifier")
	}
	if !validOwner(post.OwnerUserID.Int64, post.OwnerGroupID.Int64) {
		return apperr.InvalidReference("post owner must be exactly one of user or group")
	}

	existing, err := s.posts.GetByFederationID(ctx, post.FederationID.String)
	if err != nil {
		return fmt.Errorf("failed to look up post %s: %w", post.FederationID.String, err)
	}

	if existing == nil {
		if post.CreatedAt.IsZero() {
			post.CreatedAt = time.Now().UTC()
		}
		err := s.posts.Create(ctx, post)
		if err == nil {
			if err := s.applyCreateSideEffects(ctx, post); err != nil {
				return err
			}
			s.logger.Info("Stored federated post",
				zap.Int64("post_id", post.ID),
				zap.String("ap_id", post.FederationID.String))
			return nil
		}
		if !db.IsUniqueViolation(err) {
			return fmt.Errorf("failed to create post %s: %w", post.FederationID.String, err)
		}
		// A concurrent delivery inserted the same identifier first; fall
		// through to the update path against its row.
		existing, err = s.posts.GetByFederationID(ctx, post.FederationID.String)
		if err != nil {
			return fmt.Errorf("failed to look up post %s: %w", post.FederationID.String, err)
		}
		if existing == nil {
			return apperr.Conflict(fmt.Sprintf("post %s vanished during upsert", post.FederationID.String), nil)
		}
	}

	existing.Text = post.Text
	existing.Attachments = post.Attachments
	existing.ContentWarning = post.ContentWarning
	existing.Mentions = post.Mentions
	existing.UpdatedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if err := s.posts.Update(ctx, existing); err != nil {
		return fmt.Errorf("failed to update post %d: %w", existing.ID, err)
	}
	*post = *existing
	return nil
}

// applyCreateSideEffects runs exactly once per post, on the insert path.
func (s *ThreadStore) applyCreateSideEffects(ctx context.Context, post *models.Post) error {
	if post.Depth() > 0 {
		if err := s.posts.IncrementReplyCounts(ctx, post.ReplyKey); err != nil {
			return fmt.Errorf("failed to increment reply counts for post %d: %w", post.ID, err)
		}
		return nil
	}
	if post.OwnedByAuthor() {
		if err := s.notifyOwnPostCreated(ctx, post); err != nil {
			return fmt.Errorf("failed to publish post %d: %w", post.ID, err)
		}
	}
	return nil
}

// GetByID returns the post with the given local ID, or nil if it does not
// exist. Tombstoned posts are returned only when includeTombstoned is set.
func (s *ThreadStore) GetByID(ctx context.Context, id int64, includeTombstoned bool) (*models.Post, error) {
	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get post %d: %w", id, err)
	}
	if post == nil || (post.Deleted && !includeTombstoned) {
		return nil, nil
	}
	return post, nil
}

// GetByFederationID returns the post with the given federation identifier, or
// nil. Identifiers under this server's domain are resolved by local ID.
func (s *ThreadStore) GetByFederationID(ctx context.Context, uri string) (*models.Post, error) {
	if federation.IsLocal(s.domain, uri) {
		id, ok := federation.LocalPostID(s.domain, uri)
		if !ok {
			return nil, apperr.NotFound(fmt.Sprintf("invalid local object URL %s", uri))
		}
		return s.GetByID(ctx, id, false)
	}
	post, err := s.posts.GetByFederationID(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s: %w", uri, err)
	}
	return post, nil
}

// GetOrThrow returns the post with the given ID or a NotFound error if it is
// absent or tombstoned. With localOnly set, foreign posts also fail NotFound.
func (s *ThreadStore) GetOrThrow(ctx context.Context, id int64, localOnly bool) (*models.Post, error) {
	post, err := s.GetByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if post == nil || (localOnly && !post.IsLocal()) {
		return nil, apperr.NotFound(fmt.Sprintf("post %d not found", id))
	}
	return post, nil
}

// ListChildren returns the immediate children of the given parent path, each
// pre-populated with its own immediate children for preview rendering. The
// load is capped at threadPreviewLimit posts.
func (s *ThreadStore) ListChildren(ctx context.Context, parentPath models.ReplyKey) ([]*models.Post, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.list_children")
	defer span.End()

	subtree, err := s.posts.ListByPrefix(ctx, parentPath, threadPreviewLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}

	depth := parentPath.Depth()
	byID := make(map[int64]*models.Post, len(subtree))
	var children []*models.Post
	for _, post := range subtree {
		switch post.Depth() {
		case depth + 1:
			byID[post.ID] = post
			children = append(children, post)
		case depth + 2:
			if parent := byID[post.ReplyKey.Parent()]; parent != nil {
				parent.Replies = append(parent.Replies, post)
			}
		}
	}
	return children, nil
}

// ListChildrenExact returns a page of immediate children strictly older than
// beforeID (all when beforeID is 0), plus the exact total of immediate
// children in that range.
func (s *ThreadStore) ListChildrenExact(ctx context.Context, parentPath models.ReplyKey, beforeID int64, limit int) ([]*models.Post, int64, error) {
	total, err := s.posts.CountByReplyKey(ctx, parentPath, beforeID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count children: %w", err)
	}
	posts, err := s.posts.ListByReplyKey(ctx, parentPath, beforeID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list children: %w", err)
	}
	return posts, total, nil
}

// ListTopLevel returns a page of top-level posts on an owner's wall, newest
// first, plus the total. With ownPostsOnly set, posts left by other users on
// the wall are excluded.
func (s *ThreadStore) ListTopLevel(ctx context.Context, ownerID int64, isGroup bool, beforeID int64, offset int, ownPostsOnly bool) ([]*models.Post, int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.list_top_level")
	defer span.End()

	total, err := s.posts.CountWall(ctx, ownerID, isGroup, ownPostsOnly)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count wall posts: %w", err)
	}
	posts, err := s.posts.ListWall(ctx, ownerID, isGroup, beforeID, offset, wallPageSize, ownPostsOnly)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list wall posts: %w", err)
	}
	return posts, total, nil
}

// ListWallToWall returns a page of the top-level posts two users have left on
// each other's walls, newest first, plus the total.
func (s *ThreadStore) ListWallToWall(ctx context.Context, userID, otherUserID int64, offset int) ([]*models.Post, int64, error) {
	total, err := s.posts.CountWallToWall(ctx, userID, otherUserID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count wall-to-wall posts: %w", err)
	}
	posts, err := s.posts.ListWallToWall(ctx, userID, otherUserID, offset, wallPageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list wall-to-wall posts: %w", err)
	}
	return posts, total, nil
}

// LocalPostCount counts live posts that originated on this server, either
// top-level posts or replies.
func (s *ThreadStore) LocalPostCount(ctx context.Context, replies bool) (int64, error) {
	return s.posts.CountLocal(ctx, replies)
}

// Delete removes the post with the given ID. A post with descendants is
// tombstoned in place so the descendants' ancestor chains stay resolvable; a
// leaf is hard-deleted together with its newsfeed entries. Either way every
// ancestor's reply counter is decremented, floor-clamped at zero.
func (s *ThreadStore) Delete(ctx context.Context, id int64) error {
	ctx, span := telemetry.StartSpan(ctx, "store.delete_post")
	defer span.End()

	post, err := s.GetByID(ctx, id, false)
	if err != nil {
		return err
	}
	if post == nil {
		return nil
	}

	descendants, err := s.posts.CountByPrefix(ctx, post.ReplyKey.Child(post.ID))
	if err != nil {
		return fmt.Errorf("failed to count descendants of post %d: %w", id, err)
	}

	if descendants > 0 {
		post.AuthorID = sql.NullInt64{}
		post.OwnerUserID = sql.NullInt64{}
		post.OwnerGroupID = sql.NullInt64{}
		post.Text = sql.NullString{}
		post.Attachments = sql.NullString{}
		post.ContentWarning = sql.NullString{}
		post.Mentions = nil
		post.ReplyCount = 0
		post.UpdatedAt = sql.NullTime{}
		post.Deleted = true
		if err := s.posts.Update(ctx, post); err != nil {
			return fmt.Errorf("failed to tombstone post %d: %w", id, err)
		}
		s.logger.Info("Tombstoned post",
			zap.Int64("post_id", id),
			zap.Int64("descendants", descendants))
	} else {
		if err := s.posts.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete post %d: %w", id, err)
		}
		if err := s.notifyPostHardDeleted(ctx, id); err != nil {
			return err
		}
		s.logger.Info("Deleted post", zap.Int64("post_id", id))
	}

	if post.Depth() > 0 {
		if err := s.posts.DecrementReplyCounts(ctx, post.ReplyKey); err != nil {
			return fmt.Errorf("failed to decrement reply counts for post %d: %w", id, err)
		}
	}
	return nil
}

// RepliesPreview is the per-post result of BatchRepliesPreview.
type RepliesPreview struct {
	// Replies holds the latest direct replies in chronological order.
	Replies []*models.Post
	// Total is the exact direct-reply count.
	Total int64
}

// BatchRepliesPreview loads, for each given top-level post ID, its latest
// three direct replies and the exact direct-reply total. Used by feed
// rendering to decorate a page of posts without one query per post.
func (s *ThreadStore) BatchRepliesPreview(ctx context.Context, ids []int64) (map[int64]RepliesPreview, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.batch_replies_preview")
	defer span.End()

	previews := make(map[int64]RepliesPreview, len(ids))
	if len(ids) == 0 {
		return previews, nil
	}

	totals, err := s.posts.CountDirectReplies(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count replies: %w", err)
	}

	for _, id := range ids {
		latest, err := s.posts.ListLatestByReplyKey(ctx, models.ReplyKey{id}, repliesPreviewCount)
		if err != nil {
			return nil, fmt.Errorf("failed to list replies of post %d: %w", id, err)
		}
		// Newest-first from the index; flip to chronological for rendering.
		for i, j := 0, len(latest)-1; i < j; i, j = i+1, j-1 {
			latest[i], latest[j] = latest[j], latest[i]
		}
		previews[id] = RepliesPreview{Replies: latest, Total: totals[id]}
	}
	return previews, nil
}

// SubtreeAuthorIDs returns the distinct author IDs of every post in the
// thread rooted at rootID, in ascending ID order.
func (s *ThreadStore) SubtreeAuthorIDs(ctx context.Context, rootID int64) ([]int64, error) {
	return s.posts.DistinctAuthorsByPrefix(ctx, models.ReplyKey{rootID})
}

// URI returns the federation identifier of a post: the origin server's for
// foreign posts, a synthesized local one otherwise.
func (s *ThreadStore) URI(post *models.Post) string {
	if post.FederationID.Valid {
		return post.FederationID.String
	}
	return federation.PostURI(s.domain, post.ID)
}
