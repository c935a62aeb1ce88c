package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/arbor-social/arbor/internal/models"
)

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// IsUniqueViolation reports whether err is a duplicate-key insert error. This
// is the signal that a concurrent writer already inserted the same federation
// identifier and the caller should fall through to the update path.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ActorRepository provides actor-related database operations
type ActorRepository struct {
	*Repository
}

// NewActorRepository creates a new actor repository
func NewActorRepository(repo *Repository) *ActorRepository {
	return &ActorRepository{Repository: repo}
}

// GetByID retrieves an actor by ID
func (r *ActorRepository) GetByID(ctx context.Context, id int64) (*models.Actor, error) {
	var actor models.Actor
	if err := r.db.WithContext(ctx).First(&actor, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &actor, nil
}

// GetByFederationID retrieves an actor by its federation identifier
func (r *ActorRepository) GetByFederationID(ctx context.Context, uri string) (*models.Actor, error) {
	var actor models.Actor
	if err := r.db.WithContext(ctx).Where("ap_id = ?", uri).First(&actor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &actor, nil
}

// GetByIDs retrieves multiple actors by ID
func (r *ActorRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.Actor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var actors []*models.Actor
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&actors).Error; err != nil {
		return nil, err
	}
	return actors, nil
}

// Create creates a new actor
func (r *ActorRepository) Create(ctx context.Context, actor *models.Actor) error {
	return r.db.WithContext(ctx).Create(actor).Error
}

// Update updates an actor
func (r *ActorRepository) Update(ctx context.Context, actor *models.Actor) error {
	return r.db.WithContext(ctx).Save(actor).Error
}

// PostRepository provides post-related database operations
type PostRepository struct {
	*Repository
}

// NewPostRepository creates a new post repository
func NewPostRepository(repo *Repository) *PostRepository {
	return &PostRepository{Repository: repo}
}

// GetByID retrieves a post by ID
func (r *PostRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).First(&post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &post, nil
}

// GetByFederationID retrieves a post by its federation identifier
func (r *PostRepository) GetByFederationID(ctx context.Context, uri string) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Where("ap_id = ?", uri).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &post, nil
}

// GetByIDs retrieves multiple posts by ID
func (r *PostRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var posts []*models.Post
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// Create creates a new post
func (r *PostRepository) Create(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Create(post).Error
}

// Update updates a post
func (r *PostRepository) Update(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Save(post).Error
}

// Delete removes a post row
func (r *PostRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&models.Post{}, id).Error
}

// ListByReplyKey lists immediate children of the given reply key, oldest
// first, optionally restricted to IDs below beforeID.
func (r *PostRepository) ListByReplyKey(ctx context.Context, key models.ReplyKey, beforeID int64, limit int) ([]*models.Post, error) {
	q := r.db.WithContext(ctx).Where("reply_key = ?", key)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var posts []*models.Post
	if err := q.Order("id ASC").Limit(limit).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// CountByReplyKey counts immediate children of the given reply key below
// beforeID (all of them when beforeID is 0).
func (r *PostRepository) CountByReplyKey(ctx context.Context, key models.ReplyKey, beforeID int64) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Post{}).Where("reply_key = ?", key)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// ListByPrefix lists every post whose reply key starts with the given chain,
// i.e. the whole subtree below it, ordered by position in the thread.
func (r *PostRepository) ListByPrefix(ctx context.Context, prefix models.ReplyKey, limit int) ([]*models.Post, error) {
	enc := prefix.Encode()
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("substring(reply_key from 1 for ?) = ?", len(enc), enc).
		Order("reply_key ASC, id ASC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// CountByPrefix counts posts whose reply key starts with the given chain.
func (r *PostRepository) CountByPrefix(ctx context.Context, prefix models.ReplyKey) (int64, error) {
	enc := prefix.Encode()
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("substring(reply_key from 1 for ?) = ?", len(enc), enc).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CountLiveByPrefix counts non-tombstoned posts whose reply key starts with
// the given chain. This matches what the reply counters track: tombstoning
// decrements the ancestors, so tombstones no longer count.
func (r *PostRepository) CountLiveByPrefix(ctx context.Context, prefix models.ReplyKey) (int64, error) {
	enc := prefix.Encode()
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("substring(reply_key from 1 for ?) = ? AND deleted = false", len(enc), enc).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DistinctAuthorsByPrefix returns the distinct non-null author IDs in the
// subtree below the given chain.
func (r *PostRepository) DistinctAuthorsByPrefix(ctx context.Context, prefix models.ReplyKey) ([]int64, error) {
	enc := prefix.Encode()
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Post{}).
		Distinct("author_id").
		Where("substring(reply_key from 1 for ?) = ? AND author_id IS NOT NULL", len(enc), enc).
		Order("author_id ASC").
		Pluck("author_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListLatestByReplyKey lists the newest n immediate children of the given
// reply key, newest first.
func (r *PostRepository) ListLatestByReplyKey(ctx context.Context, key models.ReplyKey, n int) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("reply_key = ?", key).
		Order("id DESC").
		Limit(n).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// CountDirectReplies counts immediate children for each of the given
// top-level post IDs in one grouped query.
func (r *PostRepository) CountDirectReplies(ctx context.Context, ids []int64) (map[int64]int64, error) {
	if len(ids) == 0 {
		return map[int64]int64{}, nil
	}
	keys := make([][]byte, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, models.ReplyKey{id}.Encode())
	}
	var rows []struct {
		ReplyKey []byte
		Total    int64
	}
	err := r.db.WithContext(ctx).Model(&models.Post{}).
		Select("reply_key, count(*) AS total").
		Where("reply_key IN ?", keys).
		Group("reply_key").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int64, len(rows))
	for _, row := range rows {
		key, err := models.DecodeReplyKey(row.ReplyKey)
		if err != nil || len(key) == 0 {
			continue
		}
		counts[key.Root()] = row.Total
	}
	return counts, nil
}

// wallScope restricts posts to the top level of an owner's wall.
func (r *PostRepository) wallScope(ctx context.Context, ownerID int64, isGroup, ownOnly bool) *gorm.DB {
	ownerField := "owner_user_id"
	if isGroup {
		ownerField = "owner_group_id"
	}
	q := r.db.WithContext(ctx).Model(&models.Post{}).
		Where(ownerField+" = ? AND reply_key IS NULL", ownerID)
	if ownOnly {
		q = q.Where("owner_user_id = author_id")
	}
	return q
}

// ListWall returns a page of top-level posts on an owner's wall, newest
// first, optionally restricted to IDs strictly below beforeID.
func (r *PostRepository) ListWall(ctx context.Context, ownerID int64, isGroup bool, beforeID int64, offset, limit int, ownOnly bool) ([]*models.Post, error) {
	q := r.wallScope(ctx, ownerID, isGroup, ownOnly)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var posts []*models.Post
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// CountWall counts top-level posts on an owner's wall.
func (r *PostRepository) CountWall(ctx context.Context, ownerID int64, isGroup, ownOnly bool) (int64, error) {
	var total int64
	if err := r.wallScope(ctx, ownerID, isGroup, ownOnly).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// wallToWallScope restricts posts to the top-level exchange between two
// users' walls.
func (r *PostRepository) wallToWallScope(ctx context.Context, userID, otherUserID int64) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Post{}).
		Where("((owner_user_id = ? AND author_id = ?) OR (owner_user_id = ? AND author_id = ?)) AND reply_key IS NULL",
			userID, otherUserID, otherUserID, userID)
}

// ListWallToWall returns a page of top-level posts exchanged between two
// users' walls, newest first.
func (r *PostRepository) ListWallToWall(ctx context.Context, userID, otherUserID int64, offset, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.wallToWallScope(ctx, userID, otherUserID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// CountWallToWall counts top-level posts exchanged between two users' walls.
func (r *PostRepository) CountWallToWall(ctx context.Context, userID, otherUserID int64) (int64, error) {
	var total int64
	if err := r.wallToWallScope(ctx, userID, otherUserID).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// CountLocal counts live local posts, either top-level posts or replies.
func (r *PostRepository) CountLocal(ctx context.Context, replies bool) (int64, error) {
	cond := "reply_key IS NULL"
	if replies {
		cond = "reply_key IS NOT NULL"
	}
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("ap_id IS NULL AND deleted = false AND " + cond).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ListAfterID returns a batch of posts ordered by ID, starting after afterID.
// Only the columns the reconciler needs are selected.
func (r *PostRepository) ListAfterID(ctx context.Context, afterID int64, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Select("id", "reply_key", "reply_count", "deleted").
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// IncrementReplyCounts adds one to the reply counter of every given post.
func (r *PostRepository) IncrementReplyCounts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id IN ?", ids).
		UpdateColumn("reply_count", gorm.Expr("reply_count + 1")).Error
}

// DecrementReplyCounts subtracts one from the reply counter of every given
// post, never going below zero.
func (r *PostRepository) DecrementReplyCounts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id IN ?", ids).
		UpdateColumn("reply_count", gorm.Expr("GREATEST(reply_count - 1, 0)")).Error
}

// SetReplyCount overwrites a post's reply counter (used by the reconciler).
func (r *PostRepository) SetReplyCount(ctx context.Context, id, count int64) error {
	return r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", id).
		UpdateColumn("reply_count", count).Error
}

// NewsfeedRepository provides newsfeed-related database operations
type NewsfeedRepository struct {
	*Repository
}

// NewNewsfeedRepository creates a new newsfeed repository
func NewNewsfeedRepository(repo *Repository) *NewsfeedRepository {
	return &NewsfeedRepository{Repository: repo}
}

// Create creates a newsfeed entry
func (r *NewsfeedRepository) Create(ctx context.Context, entry *models.NewsfeedEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// DeleteForPost removes every post-referencing entry for the given post
func (r *NewsfeedRepository) DeleteForPost(ctx context.Context, postID int64) error {
	return r.db.WithContext(ctx).
		Where("kind IN ? AND object_id = ?", []int16{models.FeedKindOwnPost, models.FeedKindReshare}, postID).
		Delete(&models.NewsfeedEntry{}).Error
}

// viewerScope restricts entries to those authored by the viewer's followees,
// union the viewer's own top-level posts, strictly below beforeID.
func (r *NewsfeedRepository) viewerScope(ctx context.Context, viewerID, beforeID int64) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.NewsfeedEntry{}).
		Where("(author_id IN (SELECT followee_id FROM arbor_follows WHERE follower_id = ?) OR (kind = ? AND author_id = ?))",
			viewerID, models.FeedKindOwnPost, viewerID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	return q
}

// ListForViewer returns a page of the viewer's feed, newest first.
func (r *NewsfeedRepository) ListForViewer(ctx context.Context, viewerID, beforeID int64, offset, limit int) ([]*models.NewsfeedEntry, error) {
	var entries []*models.NewsfeedEntry
	err := r.viewerScope(ctx, viewerID, beforeID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CountForViewer counts the viewer's feed entries strictly below beforeID.
func (r *NewsfeedRepository) CountForViewer(ctx context.Context, viewerID, beforeID int64) (int64, error) {
	var total int64
	if err := r.viewerScope(ctx, viewerID, beforeID).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// FollowRepository provides follow-related database operations
type FollowRepository struct {
	*Repository
}

// NewFollowRepository creates a new follow repository
func NewFollowRepository(repo *Repository) *FollowRepository {
	return &FollowRepository{Repository: repo}
}

// Create creates a follow relationship
func (r *FollowRepository) Create(ctx context.Context, follow *models.Follow) error {
	return r.db.WithContext(ctx).Create(follow).Error
}

// Delete removes a follow relationship
func (r *FollowRepository) Delete(ctx context.Context, followerID, followeeID int64) error {
	return r.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&models.Follow{}).Error
}

// ListFollowerIDs lists the IDs of the actors following followeeID
func (r *FollowRepository) ListFollowerIDs(ctx context.Context, followeeID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("followee_id = ?", followeeID).
		Order("follower_id ASC").
		Pluck("follower_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MembershipRepository provides group-membership database operations
type MembershipRepository struct {
	*Repository
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(repo *Repository) *MembershipRepository {
	return &MembershipRepository{Repository: repo}
}

// Create creates a group membership
func (r *MembershipRepository) Create(ctx context.Context, membership *models.GroupMembership) error {
	return r.db.WithContext(ctx).Create(membership).Error
}

// Delete removes a group membership
func (r *MembershipRepository) Delete(ctx context.Context, groupID, userID int64) error {
	return r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&models.GroupMembership{}).Error
}

// ListMemberIDs lists the IDs of the members of groupID
func (r *MembershipRepository) ListMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.GroupMembership{}).
		Where("group_id = ?", groupID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// BlockRepository provides group-block database operations
type BlockRepository struct {
	*Repository
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(repo *Repository) *BlockRepository {
	return &BlockRepository{Repository: repo}
}

// Create writes a block relationship
func (r *BlockRepository) Create(ctx context.Context, block *models.GroupBlock) error {
	return r.db.WithContext(ctx).Create(block).Error
}

// LikeRepository provides like-related database operations
type LikeRepository struct {
	*Repository
}

// NewLikeRepository creates a new like repository
func NewLikeRepository(repo *Repository) *LikeRepository {
	return &LikeRepository{Repository: repo}
}

// Create creates a like
func (r *LikeRepository) Create(ctx context.Context, like *models.Like) error {
	return r.db.WithContext(ctx).Create(like).Error
}

// Delete removes a like
func (r *LikeRepository) Delete(ctx context.Context, userID, postID int64) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Delete(&models.Like{}).Error
}
