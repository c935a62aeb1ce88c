package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/apperr"
	"github.com/arbor-social/arbor/internal/models"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

// Actor kinds. Local and foreign actors dispatch differently: a foreign
// group blocking a local user is meaningful, a local group arriving over
// federation is not.
const (
	ActorPerson        = "Person"
	ActorGroup         = "Group"
	ActorForeignPerson = "ForeignPerson"
	ActorForeignGroup  = "ForeignGroup"
)

// Activity kinds.
const (
	ActivityCreate   = "Create"
	ActivityUpdate   = "Update"
	ActivityDelete   = "Delete"
	ActivityLike     = "Like"
	ActivityUndo     = "Undo"
	ActivityAnnounce = "Announce"
	ActivityFollow   = "Follow"
	ActivityJoin     = "Join"
	ActivityLeave    = "Leave"
	ActivityBlock    = "Block"
)

// Object kinds.
const (
	ObjectNote   = "Note"
	ObjectPerson = "Person"
	ObjectGroup  = "Group"
)

// Triple identifies one handler: who acts, what they do, on what.
type Triple struct {
	Actor    string
	Activity string
	Object   string
}

// Activity is the wire form of an inbound activity. The object is either an
// embedded document or a bare identifier.
type Activity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// Object is the parsed target of an activity.
type Object struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// Request carries one resolved inbound activity to its handler.
type Request struct {
	Activity *Activity
	Actor    *models.Actor
	Object   *Object
	// Payload is the raw inbound document, reused verbatim when the
	// activity is forwarded to other servers.
	Payload []byte
}

// HandlerFunc processes one resolved activity. A handler performs exactly
// one externally observable effect and propagates persistence failures.
type HandlerFunc func(ctx context.Context, req *Request) error

// PostStore is the slice of the thread store handlers write through.
type PostStore interface {
	UpsertFederatedPost(ctx context.Context, post *models.Post) error
	GetByFederationID(ctx context.Context, uri string) (*models.Post, error)
	Delete(ctx context.Context, id int64) error
}

// ActorDirectory resolves actors and owns relationship writes.
type ActorDirectory interface {
	Resolve(ctx context.Context, id int64) (*models.Actor, error)
	ResolveByFederationID(ctx context.Context, uri string) (*models.Actor, error)
	AddFollow(ctx context.Context, followerID, followeeID int64) (bool, error)
	RemoveFollow(ctx context.Context, followerID, followeeID int64) error
	AddMembership(ctx context.Context, groupID, userID int64) (bool, error)
	RemoveMembership(ctx context.Context, groupID, userID int64) error
	AddBlock(ctx context.Context, groupID, userID int64) error
	AddLike(ctx context.Context, userID, postID int64) error
	RemoveLike(ctx context.Context, userID, postID int64) error
}

// FeedIndex records top-level feed events.
type FeedIndex interface {
	Append(ctx context.Context, kind int16, authorID, objectID int64, at time.Time) error
}

// AudienceResolver computes forward targets for an interaction.
type AudienceResolver interface {
	ResolveForwardTargets(ctx context.Context, post *models.Post) ([]string, error)
}

// Deliverer pushes a payload to remote inboxes.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte, inboxes []string) error
}

// Dispatcher routes inbound, already-verified activities to the handler
// registered for their (actor kind, activity kind, object kind) triple. It
// carries no state across invocations; repeated deliveries are safe because
// every handler bottoms out in an idempotent write.
type Dispatcher struct {
	handlers map[Triple]HandlerFunc
	domain   string
	posts    PostStore
	dir      ActorDirectory
	feed     FeedIndex
	audience AudienceResolver
	deliver  Deliverer
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher with the built-in handlers registered.
func NewDispatcher(domain string, posts PostStore, dir ActorDirectory, feed FeedIndex, aud AudienceResolver, deliver Deliverer) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[Triple]HandlerFunc),
		domain:   domain,
		posts:    posts,
		dir:      dir,
		feed:     feed,
		audience: aud,
		deliver:  deliver,
		logger:   logging.GetLogger().With(zap.String("component", "dispatcher")),
	}
	d.registerBuiltins()
	return d
}

// RegisterHandler binds a handler to an exact triple, replacing any previous
// binding.
func (d *Dispatcher) RegisterHandler(actorKind, activityKind, objectKind string, h HandlerFunc) {
	d.handlers[Triple{Actor: actorKind, Activity: activityKind, Object: objectKind}] = h
}

// Dispatch resolves one inbound activity payload and invokes its handler.
// An activity with no registered handler fails UnsupportedActivity; the
// delivery layer acknowledges those without retry.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) error {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.dispatch")
	defer span.End()

	var activity Activity
	if err := json.Unmarshal(payload, &activity); err != nil {
		return apperr.InvalidReference("malformed activity document")
	}
	if activity.Type == "" || activity.Actor == "" {
		return apperr.InvalidReference("activity is missing type or actor")
	}

	actor, err := d.dir.ResolveByFederationID(ctx, activity.Actor)
	if err != nil {
		return err
	}
	if actor == nil {
		return apperr.InvalidReference(fmt.Sprintf("unknown actor %s", activity.Actor))
	}

	object, err := d.resolveObject(ctx, &activity)
	if err != nil {
		return err
	}

	triple := Triple{Actor: actorKindOf(actor), Activity: activity.Type, Object: object.Type}
	handler, ok := d.handlers[triple]
	if !ok {
		return apperr.UnsupportedActivity(fmt.Sprintf("no handler for %s %s %s", triple.Actor, triple.Activity, triple.Object))
	}

	d.logger.Debug("Dispatching activity",
		zap.String("activity_id", activity.ID),
		zap.String("actor_kind", triple.Actor),
		zap.String("activity_kind", triple.Activity),
		zap.String("object_kind", triple.Object))

	return handler(ctx, &Request{
		Activity: &activity,
		Actor:    actor,
		Object:   object,
		Payload:  payload,
	})
}

// resolveObject parses the activity object and resolves it to its most
// specific known kind. A bare identifier is matched against known posts
// first, then actors (which may fetch-and-cache a foreign actor).
func (d *Dispatcher) resolveObject(ctx context.Context, activity *Activity) (*Object, error) {
	object, err := parseObject(activity.Object)
	if err != nil {
		return nil, err
	}
	if object.Type != "" || object.ID == "" {
		return object, nil
	}

	// A NotFound here only means the identifier is not of that kind; any
	// other error must surface so the delivery is not falsely acknowledged.
	post, err := d.posts.GetByFederationID(ctx, object.ID)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, err
	}
	if post != nil {
		object.Type = ObjectNote
		return object, nil
	}
	actor, err := d.dir.ResolveByFederationID(ctx, object.ID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return object, nil
		}
		return nil, err
	}
	if actor != nil {
		object.Type = ObjectPerson
		if actor.IsGroup() {
			object.Type = ObjectGroup
		}
	}
	return object, nil
}

// parseObject accepts either an embedded document or a bare identifier.
func parseObject(raw json.RawMessage) (*Object, error) {
	if len(raw) == 0 {
		return nil, apperr.InvalidReference("activity has no object")
	}

	var uri string
	if err := json.Unmarshal(raw, &uri); err == nil {
		if uri == "" {
			return nil, apperr.InvalidReference("activity object is empty")
		}
		return &Object{ID: uri, Raw: raw}, nil
	}

	var embedded struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &embedded); err != nil {
		return nil, apperr.InvalidReference("malformed activity object")
	}
	return &Object{ID: embedded.ID, Type: embedded.Type, Raw: raw}, nil
}

// actorKindOf maps an actor row to its dispatch kind.
func actorKindOf(actor *models.Actor) string {
	switch {
	case actor.IsGroup() && actor.IsLocal():
		return ActorGroup
	case actor.IsGroup():
		return ActorForeignGroup
	case actor.IsLocal():
		return ActorPerson
	default:
		return ActorForeignPerson
	}
}

// forwardInteraction redelivers an inbound interaction on post to the other
// servers participating in its thread, excluding the sender's own endpoint.
func (d *Dispatcher) forwardInteraction(ctx context.Context, post *models.Post, sender *models.Actor, payload []byte) error {
	targets, err := d.audience.ResolveForwardTargets(ctx, post)
	if err != nil {
		return err
	}
	filtered := targets[:0]
	for _, target := range targets {
		if target != sender.Endpoint() {
			filtered = append(filtered, target)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	if err := d.deliver.Deliver(ctx, payload, filtered); err != nil {
		// Forwarding is best-effort; the write already succeeded.
		d.logger.Warn("Failed to forward interaction",
			zap.Int64("post_id", post.ID),
			zap.Error(err))
	}
	return nil
}
