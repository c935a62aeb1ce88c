package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbor-social/arbor/internal/apperr"
	"github.com/arbor-social/arbor/internal/federation"
	"github.com/arbor-social/arbor/internal/models"
)

func (d *Dispatcher) registerBuiltins() {
	d.RegisterHandler(ActorForeignPerson, ActivityCreate, ObjectNote, d.handleCreateNote)
	d.RegisterHandler(ActorForeignPerson, ActivityUpdate, ObjectNote, d.handleUpdateNote)
	d.RegisterHandler(ActorForeignPerson, ActivityDelete, ObjectNote, d.handleDeleteNote)
	d.RegisterHandler(ActorForeignPerson, ActivityLike, ObjectNote, d.handleLikeNote)
	d.RegisterHandler(ActorForeignPerson, ActivityUndo, ActivityLike, d.handleUndoLike)
	d.RegisterHandler(ActorForeignPerson, ActivityAnnounce, ObjectNote, d.handleAnnounceNote)
	d.RegisterHandler(ActorForeignPerson, ActivityFollow, ObjectPerson, d.handleFollow)
	d.RegisterHandler(ActorForeignPerson, ActivityUndo, ActivityFollow, d.handleUndoFollow)
	d.RegisterHandler(ActorForeignPerson, ActivityJoin, ObjectGroup, d.handleJoin)
	d.RegisterHandler(ActorForeignPerson, ActivityLeave, ObjectGroup, d.handleLeave)
	d.RegisterHandler(ActorForeignGroup, ActivityBlock, ObjectPerson, d.handleBlock)
}

// note is the wire form of a post document.
type note struct {
	ID           string     `json:"id"`
	AttributedTo string     `json:"attributedTo"`
	Content      string     `json:"content"`
	Summary      string     `json:"summary"`
	InReplyTo    string     `json:"inReplyTo"`
	Published    string     `json:"published"`
	To           stringList `json:"to"`
	Tag          []struct {
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"tag"`
	Attachment json.RawMessage `json:"attachment"`
}

// stringList accepts both a single string and an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = stringList(many)
	return nil
}

func parseNote(raw json.RawMessage) (*note, error) {
	var n note
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, apperr.InvalidReference("malformed note document")
	}
	if n.ID == "" {
		return nil, apperr.InvalidReference("note has no identifier")
	}
	return &n, nil
}

// noteToPost maps a note document onto a post row: author from the sender,
// placement from inReplyTo or the addressed wall, mentions from the tags.
func (d *Dispatcher) noteToPost(ctx context.Context, sender *models.Actor, n *note) (*models.Post, error) {
	post := &models.Post{
		FederationID:   sql.NullString{String: n.ID, Valid: true},
		AuthorID:       sql.NullInt64{Int64: sender.ID, Valid: true},
		Text:           sql.NullString{String: n.Content, Valid: n.Content != ""},
		ContentWarning: sql.NullString{String: n.Summary, Valid: n.Summary != ""},
		CreatedAt:      time.Now().UTC(),
	}
	if len(n.Attachment) > 0 && string(n.Attachment) != "null" {
		post.Attachments = sql.NullString{String: string(n.Attachment), Valid: true}
	}
	if t, err := time.Parse(time.RFC3339, n.Published); err == nil {
		post.CreatedAt = t.UTC()
	}

	for _, tag := range n.Tag {
		if tag.Type != "Mention" || tag.Href == "" {
			continue
		}
		mentioned, err := d.dir.ResolveByFederationID(ctx, tag.Href)
		if err != nil || mentioned == nil {
			continue
		}
		post.Mentions = append(post.Mentions, mentioned.ID)
	}

	if n.InReplyTo != "" {
		parent, err := d.posts.GetByFederationID(ctx, n.InReplyTo)
		if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
			return nil, err
		}
		if parent == nil {
			return nil, apperr.InvalidReference(fmt.Sprintf("reply parent %s is unknown", n.InReplyTo))
		}
		post.ReplyKey = parent.ReplyKey.Child(parent.ID)
		post.OwnerUserID = parent.OwnerUserID
		post.OwnerGroupID = parent.OwnerGroupID
		return post, nil
	}

	if owner, err := d.wallTarget(ctx, n.To); err != nil {
		return nil, err
	} else if owner != nil {
		if owner.IsGroup() {
			post.OwnerGroupID = sql.NullInt64{Int64: owner.ID, Valid: true}
		} else {
			post.OwnerUserID = sql.NullInt64{Int64: owner.ID, Valid: true}
		}
		return post, nil
	}

	// Not addressed to a wall here: the post lives on its author's own wall.
	post.OwnerUserID = sql.NullInt64{Int64: sender.ID, Valid: true}
	return post, nil
}

// wallTarget scans the note's addressees for a wall hosted on this server.
// Only local identifiers are considered; resolving every addressee would
// mean fetching followers collections from remote servers.
func (d *Dispatcher) wallTarget(ctx context.Context, to stringList) (*models.Actor, error) {
	for _, uri := range to {
		id, ok := federation.LocalUserID(d.domain, uri)
		if !ok {
			id, ok = federation.LocalGroupID(d.domain, uri)
		}
		if !ok {
			continue
		}
		owner, err := d.dir.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			return owner, nil
		}
	}
	return nil, nil
}

func (d *Dispatcher) handleCreateNote(ctx context.Context, req *Request) error {
	n, err := parseNote(req.Object.Raw)
	if err != nil {
		return err
	}
	post, err := d.noteToPost(ctx, req.Actor, n)
	if err != nil {
		return err
	}
	return d.posts.UpsertFederatedPost(ctx, post)
}

func (d *Dispatcher) handleUpdateNote(ctx context.Context, req *Request) error {
	n, err := parseNote(req.Object.Raw)
	if err != nil {
		return err
	}
	existing, err := d.posts.GetByFederationID(ctx, n.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.AuthorID.Valid && existing.AuthorID.Int64 != req.Actor.ID {
		return apperr.InvalidReference("only the author may edit a post")
	}
	post, err := d.noteToPost(ctx, req.Actor, n)
	if err != nil {
		return err
	}
	return d.posts.UpsertFederatedPost(ctx, post)
}

func (d *Dispatcher) handleDeleteNote(ctx context.Context, req *Request) error {
	post, err := d.posts.GetByFederationID(ctx, req.Object.ID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	if post == nil {
		// Never seen it; acknowledge and move on.
		return nil
	}
	if post.AuthorID.Valid && post.AuthorID.Int64 != req.Actor.ID {
		return apperr.InvalidReference("only the author may delete a post")
	}
	return d.posts.Delete(ctx, post.ID)
}

func (d *Dispatcher) handleLikeNote(ctx context.Context, req *Request) error {
	post, err := d.posts.GetByFederationID(ctx, req.Object.ID)
	if err != nil {
		return err
	}
	if post == nil || post.Deleted {
		return apperr.NotFound(fmt.Sprintf("post %s not found", req.Object.ID))
	}
	if err := d.dir.AddLike(ctx, req.Actor.ID, post.ID); err != nil {
		return err
	}
	return d.forwardInteraction(ctx, post, req.Actor, req.Payload)
}

func (d *Dispatcher) handleUndoLike(ctx context.Context, req *Request) error {
	target, err := innerObjectID(req.Object.Raw)
	if err != nil {
		return err
	}
	post, err := d.posts.GetByFederationID(ctx, target)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	if post == nil {
		return nil
	}
	if err := d.dir.RemoveLike(ctx, req.Actor.ID, post.ID); err != nil {
		return err
	}
	return d.forwardInteraction(ctx, post, req.Actor, req.Payload)
}

func (d *Dispatcher) handleAnnounceNote(ctx context.Context, req *Request) error {
	post, err := d.posts.GetByFederationID(ctx, req.Object.ID)
	if err != nil {
		return err
	}
	if post == nil || post.Deleted {
		return apperr.NotFound(fmt.Sprintf("post %s not found", req.Object.ID))
	}
	if err := d.feed.Append(ctx, models.FeedKindReshare, req.Actor.ID, post.ID, time.Now().UTC()); err != nil {
		return err
	}
	return d.forwardInteraction(ctx, post, req.Actor, req.Payload)
}

func (d *Dispatcher) handleFollow(ctx context.Context, req *Request) error {
	followee, err := d.localActor(ctx, req.Object.ID)
	if err != nil {
		return err
	}
	created, err := d.dir.AddFollow(ctx, req.Actor.ID, followee.ID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return d.feed.Append(ctx, models.FeedKindNewFollow, req.Actor.ID, followee.ID, time.Now().UTC())
}

func (d *Dispatcher) handleUndoFollow(ctx context.Context, req *Request) error {
	target, err := innerObjectID(req.Object.Raw)
	if err != nil {
		return err
	}
	followee, err := d.localActor(ctx, target)
	if err != nil {
		return err
	}
	return d.dir.RemoveFollow(ctx, req.Actor.ID, followee.ID)
}

func (d *Dispatcher) handleJoin(ctx context.Context, req *Request) error {
	group, err := d.localActor(ctx, req.Object.ID)
	if err != nil {
		return err
	}
	created, err := d.dir.AddMembership(ctx, group.ID, req.Actor.ID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return d.feed.Append(ctx, models.FeedKindNewGroupMembership, req.Actor.ID, group.ID, time.Now().UTC())
}

func (d *Dispatcher) handleLeave(ctx context.Context, req *Request) error {
	group, err := d.localActor(ctx, req.Object.ID)
	if err != nil {
		return err
	}
	return d.dir.RemoveMembership(ctx, group.ID, req.Actor.ID)
}

// handleBlock writes exactly one block relationship for a foreign group
// blocking a local user.
func (d *Dispatcher) handleBlock(ctx context.Context, req *Request) error {
	user, err := d.localActor(ctx, req.Object.ID)
	if err != nil {
		return err
	}
	return d.dir.AddBlock(ctx, req.Actor.ID, user.ID)
}

// localActor resolves an identifier that must name an actor hosted here.
func (d *Dispatcher) localActor(ctx context.Context, uri string) (*models.Actor, error) {
	actor, err := d.dir.ResolveByFederationID(ctx, uri)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, apperr.NotFound(fmt.Sprintf("actor %s not found", uri))
	}
	if !actor.IsLocal() {
		return nil, apperr.InvalidReference(fmt.Sprintf("actor %s is not hosted here", uri))
	}
	return actor, nil
}

// innerObjectID extracts the object identifier nested inside an activity
// used as another activity's object (Undo Like, Undo Follow).
func innerObjectID(raw json.RawMessage) (string, error) {
	var inner struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil || len(inner.Object) == 0 {
		return "", apperr.InvalidReference("undone activity has no object")
	}
	object, err := parseObject(inner.Object)
	if err != nil {
		return "", err
	}
	if object.ID == "" {
		return "", apperr.InvalidReference("undone activity object has no identifier")
	}
	return object.ID, nil
}
