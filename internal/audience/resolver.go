package audience

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/models"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

// PostSource is the slice of the thread store the resolver reads.
type PostSource interface {
	GetByID(ctx context.Context, id int64, includeTombstoned bool) (*models.Post, error)
	SubtreeAuthorIDs(ctx context.Context, rootID int64) ([]int64, error)
}

// ActorSource is the slice of the actor directory the resolver reads.
type ActorSource interface {
	Resolve(ctx context.Context, id int64) (*models.Actor, error)
	ListFollowerIDs(ctx context.Context, userID int64) ([]int64, error)
	ListGroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// Resolver computes which remote servers an interaction on a post must be
// forwarded to, beyond the ones direct delivery already reached. It holds no
// state; every call computes a fresh target list.
//
// Precision matters in both directions: extra targets leak interactions to
// uninvolved servers, missing targets leave servers permanently disagreeing
// about reply and like counts on the same thread.
type Resolver struct {
	posts  PostSource
	actors ActorSource
	logger *zap.Logger
}

// NewResolver creates an audience resolver.
func NewResolver(posts PostSource, actors ActorSource) *Resolver {
	return &Resolver{
		posts:  posts,
		actors: actors,
		logger: logging.GetLogger().With(zap.String("component", "audience-resolver")),
	}
}

// ResolveForwardTargets returns the remote endpoints an interaction on post
// must be forwarded to, in first-seen order, deduplicated by endpoint.
//
// When the interaction targets a foreign-authored thread root, the root
// author's server is the only target: its origin server is trusted to
// redistribute across the rest of the thread's audience. Otherwise the
// targets are every foreign participant of the thread: subtree authors, the
// root owner's audience, actors mentioned on the root, and, for interactions
// on a reply, that reply's foreign author or mentions.
func (r *Resolver) ResolveForwardTargets(ctx context.Context, post *models.Post) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "audience.resolve_forward_targets")
	defer span.End()

	root := post
	if post.Depth() > 0 {
		var err error
		root, err = r.posts.GetByID(ctx, post.ReplyKey.Root(), true)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve thread root: %w", err)
		}
		if root == nil {
			return nil, nil
		}
	}

	var rootAuthor *models.Actor
	if root.AuthorID.Valid {
		var err error
		rootAuthor, err = r.actors.Resolve(ctx, root.AuthorID.Int64)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root author: %w", err)
		}
	}

	// An interaction on a foreign-authored root goes to its origin server
	// only.
	if rootAuthor != nil && !rootAuthor.IsLocal() && post.ID == root.ID {
		return []string{rootAuthor.Endpoint()}, nil
	}

	c := &collector{
		actors: r.actors,
		seen:   make(map[string]bool),
	}

	if root.IsLocal() {
		authorIDs, err := r.posts.SubtreeAuthorIDs(ctx, root.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list subtree authors: %w", err)
		}
		for _, id := range authorIDs {
			if err := c.addActorID(ctx, id); err != nil {
				return nil, err
			}
		}
		if err := r.collectOwnerAudience(ctx, c, root); err != nil {
			return nil, err
		}
		for _, id := range root.Mentions {
			if err := c.addActorID(ctx, id); err != nil {
				return nil, err
			}
		}
	} else if rootAuthor != nil {
		c.addActor(rootAuthor)
	}

	if post.ID != root.ID {
		if err := r.collectReplyParticipants(ctx, c, post); err != nil {
			return nil, err
		}
	}

	r.logger.Debug("Resolved forward targets",
		zap.Int64("post_id", post.ID),
		zap.Int("targets", len(c.endpoints)))
	return c.endpoints, nil
}

// collectOwnerAudience adds the audience of a local root's owner: a local
// user's followers, a local group's members, or a foreign owner's endpoint.
func (r *Resolver) collectOwnerAudience(ctx context.Context, c *collector, root *models.Post) error {
	switch {
	case root.OwnerUserID.Valid:
		owner, err := r.actors.Resolve(ctx, root.OwnerUserID.Int64)
		if err != nil {
			return fmt.Errorf("failed to resolve root owner: %w", err)
		}
		if owner == nil {
			return nil
		}
		if !owner.IsLocal() {
			c.addActor(owner)
			return nil
		}
		followers, err := r.actors.ListFollowerIDs(ctx, owner.ID)
		if err != nil {
			return fmt.Errorf("failed to list followers: %w", err)
		}
		for _, id := range followers {
			if err := c.addActorID(ctx, id); err != nil {
				return err
			}
		}
	case root.OwnerGroupID.Valid:
		owner, err := r.actors.Resolve(ctx, root.OwnerGroupID.Int64)
		if err != nil {
			return fmt.Errorf("failed to resolve root owner: %w", err)
		}
		if owner == nil {
			return nil
		}
		if !owner.IsLocal() {
			c.addActor(owner)
			return nil
		}
		members, err := r.actors.ListGroupMemberIDs(ctx, owner.ID)
		if err != nil {
			return fmt.Errorf("failed to list group members: %w", err)
		}
		for _, id := range members {
			if err := c.addActorID(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectReplyParticipants adds the participants specific to the interacted
// reply: its foreign author, or failing that the foreign actors it mentions.
func (r *Resolver) collectReplyParticipants(ctx context.Context, c *collector, reply *models.Post) error {
	if reply.AuthorID.Valid {
		author, err := r.actors.Resolve(ctx, reply.AuthorID.Int64)
		if err != nil {
			return fmt.Errorf("failed to resolve reply author: %w", err)
		}
		if author != nil && !author.IsLocal() {
			c.addActor(author)
			return nil
		}
	}
	for _, id := range reply.Mentions {
		if err := c.addActorID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// collector accumulates delivery endpoints, deduplicated by endpoint value,
// preserving first-seen order. Local actors have no endpoint and are never
// targets.
type collector struct {
	actors    ActorSource
	seen      map[string]bool
	endpoints []string
}

func (c *collector) addActor(actor *models.Actor) {
	endpoint := actor.Endpoint()
	if endpoint == "" || c.seen[endpoint] {
		return
	}
	c.seen[endpoint] = true
	c.endpoints = append(c.endpoints, endpoint)
}

func (c *collector) addActorID(ctx context.Context, id int64) error {
	actor, err := c.actors.Resolve(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to resolve actor %d: %w", id, err)
	}
	if actor != nil {
		c.addActor(actor)
	}
	return nil
}
