package directory

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/apperr"
	"github.com/arbor-social/arbor/internal/cache"
	"github.com/arbor-social/arbor/internal/db"
	"github.com/arbor-social/arbor/internal/federation"
	"github.com/arbor-social/arbor/internal/models"
	"github.com/arbor-social/arbor/pkg/config"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

// Fetcher retrieves actor documents from remote servers.
type Fetcher interface {
	FetchActor(ctx context.Context, uri string) (*federation.RemoteActor, error)
}

// Directory resolves actors by local ID or federation identifier and owns
// the relationship rows between them: follows, group memberships, blocks and
// likes. A federation identifier this server has never seen triggers a
// synchronous fetch-and-cache of the remote actor document.
type Directory struct {
	actors  *db.ActorRepository
	follows *db.FollowRepository
	members *db.MembershipRepository
	blocks  *db.BlockRepository
	likes   *db.LikeRepository
	cache   *cache.Cache
	fetcher Fetcher
	domain  string
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates an actor directory.
func New(repo *db.Repository, c *cache.Cache, fetcher Fetcher, cfg *config.FederationConfig) *Directory {
	return &Directory{
		actors:  db.NewActorRepository(repo),
		follows: db.NewFollowRepository(repo),
		members: db.NewMembershipRepository(repo),
		blocks:  db.NewBlockRepository(repo),
		likes:   db.NewLikeRepository(repo),
		cache:   c,
		fetcher: fetcher,
		domain:  cfg.Domain,
		ttl:     cfg.ActorCacheTTL,
		logger:  logging.GetLogger().With(zap.String("component", "actor-directory")),
	}
}

// Resolve returns the actor with the given local ID, or nil if unknown.
func (d *Directory) Resolve(ctx context.Context, id int64) (*models.Actor, error) {
	actor, err := d.actors.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actor %d: %w", id, err)
	}
	return actor, nil
}

// ResolveByFederationID returns the actor with the given federation
// identifier, fetching and caching the remote document on first sight.
// Identifiers under this server's domain are resolved by local ID.
func (d *Directory) ResolveByFederationID(ctx context.Context, uri string) (*models.Actor, error) {
	ctx, span := telemetry.StartSpan(ctx, "directory.resolve_by_federation_id")
	defer span.End()

	if federation.IsLocal(d.domain, uri) {
		id, ok := federation.LocalUserID(d.domain, uri)
		if !ok {
			id, ok = federation.LocalGroupID(d.domain, uri)
		}
		if !ok {
			return nil, apperr.NotFound(fmt.Sprintf("invalid local actor URL %s", uri))
		}
		return d.Resolve(ctx, id)
	}

	cacheKey := cache.HashKey("actor", uri)
	if cached, err := d.cache.Get(ctx, cacheKey); err == nil {
		if id, err := strconv.ParseInt(cached, 10, 64); err == nil {
			if actor, err := d.Resolve(ctx, id); err == nil && actor != nil {
				return actor, nil
			}
		}
	}

	actor, err := d.actors.GetByFederationID(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actor %s: %w", uri, err)
	}
	if actor != nil && actor.CachedAt.Valid && time.Since(actor.CachedAt.Time) < d.ttl {
		d.cacheID(ctx, cacheKey, actor.ID)
		return actor, nil
	}

	refreshed, err := d.refresh(ctx, uri, actor)
	if err != nil {
		if actor != nil {
			// A stale proxy beats failing the whole activity.
			d.logger.Warn("Serving stale actor after refresh failure",
				zap.String("ap_id", uri),
				zap.Error(err))
			return actor, nil
		}
		return nil, err
	}
	d.cacheID(ctx, cacheKey, refreshed.ID)
	return refreshed, nil
}

func (d *Directory) cacheID(ctx context.Context, key string, id int64) {
	if err := d.cache.Set(ctx, key, strconv.FormatInt(id, 10), d.ttl); err != nil && err != cache.ErrCacheDisabled {
		d.logger.Warn("Failed to cache actor", zap.Error(err))
	}
}

// refresh fetches the remote actor document and writes it over the existing
// proxy row, or inserts a new one.
func (d *Directory) refresh(ctx context.Context, uri string, existing *models.Actor) (*models.Actor, error) {
	remote, err := d.fetcher.FetchActor(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch actor %s: %w", uri, err)
	}

	actor := existing
	if actor == nil {
		actor = &models.Actor{
			FederationID: sql.NullString{String: remote.ID, Valid: true},
			CreatedAt:    time.Now().UTC(),
		}
	}
	actor.Kind = models.ActorKindUser
	if remote.Type == "Group" {
		actor.Kind = models.ActorKindGroup
	}
	actor.Username = remote.PreferredUsername
	if u, err := url.Parse(remote.ID); err == nil {
		actor.Domain = sql.NullString{String: u.Host, Valid: u.Host != ""}
	}
	actor.Inbox = sql.NullString{String: remote.Inbox, Valid: remote.Inbox != ""}
	actor.SharedInbox = sql.NullString{String: remote.Endpoints.SharedInbox, Valid: remote.Endpoints.SharedInbox != ""}
	actor.DisplayName = sql.NullString{String: remote.Name, Valid: remote.Name != ""}
	actor.CachedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	if actor.ID != 0 {
		if err := d.actors.Update(ctx, actor); err != nil {
			return nil, fmt.Errorf("failed to update actor %s: %w", uri, err)
		}
		return actor, nil
	}

	err = d.actors.Create(ctx, actor)
	if err == nil {
		d.logger.Info("Cached new foreign actor",
			zap.Int64("actor_id", actor.ID),
			zap.String("ap_id", uri))
		return actor, nil
	}
	if !db.IsUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create actor %s: %w", uri, err)
	}
	// Concurrent resolution inserted it first.
	actor, err = d.actors.GetByFederationID(ctx, uri)
	if err != nil || actor == nil {
		return nil, fmt.Errorf("failed to resolve actor %s after insert race: %w", uri, err)
	}
	return actor, nil
}

// ListFollowerIDs lists the actors following the given user.
func (d *Directory) ListFollowerIDs(ctx context.Context, userID int64) ([]int64, error) {
	return d.follows.ListFollowerIDs(ctx, userID)
}

// ListGroupMemberIDs lists the members of the given group.
func (d *Directory) ListGroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	return d.members.ListMemberIDs(ctx, groupID)
}

// AddFollow records that follower follows followee. Repeats are idempotent;
// the return value reports whether this call inserted the relationship.
func (d *Directory) AddFollow(ctx context.Context, followerID, followeeID int64) (bool, error) {
	err := d.follows.Create(ctx, &models.Follow{
		FollowerID: followerID,
		FolloweeID: followeeID,
		CreatedAt:  time.Now().UTC(),
	})
	if err == nil {
		return true, nil
	}
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to create follow: %w", err)
}

// RemoveFollow removes a follow relationship.
func (d *Directory) RemoveFollow(ctx context.Context, followerID, followeeID int64) error {
	if err := d.follows.Delete(ctx, followerID, followeeID); err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}
	return nil
}

// AddMembership records that a user joined a group. Repeats are idempotent;
// the return value reports whether this call inserted the relationship.
func (d *Directory) AddMembership(ctx context.Context, groupID, userID int64) (bool, error) {
	err := d.members.Create(ctx, &models.GroupMembership{
		GroupID:   groupID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})
	if err == nil {
		return true, nil
	}
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to create membership: %w", err)
}

// RemoveMembership removes a user from a group.
func (d *Directory) RemoveMembership(ctx context.Context, groupID, userID int64) error {
	if err := d.members.Delete(ctx, groupID, userID); err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return nil
}

// AddBlock records that a group blocked a user. Repeats are idempotent.
func (d *Directory) AddBlock(ctx context.Context, groupID, userID int64) error {
	err := d.blocks.Create(ctx, &models.GroupBlock{
		GroupID:   groupID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

// AddLike records that a user liked a post. Repeats are idempotent.
func (d *Directory) AddLike(ctx context.Context, userID, postID int64) error {
	err := d.likes.Create(ctx, &models.Like{
		UserID:    userID,
		PostID:    postID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("failed to create like: %w", err)
	}
	return nil
}

// RemoveLike removes a user's like from a post.
func (d *Directory) RemoveLike(ctx context.Context, userID, postID int64) error {
	if err := d.likes.Delete(ctx, userID, postID); err != nil {
		return fmt.Errorf("failed to remove like: %w", err)
	}
	return nil
}
