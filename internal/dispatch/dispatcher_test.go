package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arbor-social/arbor/internal/apperr"
	"github.com/arbor-social/arbor/internal/models"
)

const testDomain = "social.example.com"

type fakePosts struct {
	byURI   map[string]*models.Post
	nextID  int64
	deleted []int64
	err     error
}

func newFakePosts() *fakePosts {
	return &fakePosts{byURI: make(map[string]*models.Post), nextID: 100}
}

func (f *fakePosts) UpsertFederatedPost(_ context.Context, post *models.Post) error {
	if existing, ok := f.byURI[post.FederationID.String]; ok {
		existing.Text = post.Text
		*post = *existing
		return nil
	}
	f.nextID++
	post.ID = f.nextID
	f.byURI[post.FederationID.String] = post
	return nil
}

func (f *fakePosts) GetByFederationID(_ context.Context, uri string) (*models.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byURI[uri], nil
}

func (f *fakePosts) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type feedEntry struct {
	kind     int16
	authorID int64
	objectID int64
}

type fakeDir struct {
	byURI      map[string]*models.Actor
	byID       map[int64]*models.Actor
	follows    map[string]bool
	members    map[string]bool
	blocks     []string
	likes      map[string]bool
	resolveErr map[string]error
}

func newFakeDir(actors ...*models.Actor) *fakeDir {
	d := &fakeDir{
		byURI:      make(map[string]*models.Actor),
		byID:       make(map[int64]*models.Actor),
		follows:    make(map[string]bool),
		members:    make(map[string]bool),
		likes:      make(map[string]bool),
		resolveErr: make(map[string]error),
	}
	for _, a := range actors {
		d.byID[a.ID] = a
		if a.FederationID.Valid {
			d.byURI[a.FederationID.String] = a
		} else if a.IsGroup() {
			d.byURI[fmt.Sprintf("https://%s/groups/%d", testDomain, a.ID)] = a
		} else {
			d.byURI[fmt.Sprintf("https://%s/users/%d", testDomain, a.ID)] = a
		}
	}
	return d
}

func (d *fakeDir) Resolve(_ context.Context, id int64) (*models.Actor, error) {
	return d.byID[id], nil
}

func (d *fakeDir) ResolveByFederationID(_ context.Context, uri string) (*models.Actor, error) {
	if err := d.resolveErr[uri]; err != nil {
		return nil, err
	}
	return d.byURI[uri], nil
}

func pairKey(a, b int64) string { return fmt.Sprintf("%d:%d", a, b) }

func (d *fakeDir) AddFollow(_ context.Context, followerID, followeeID int64) (bool, error) {
	key := pairKey(followerID, followeeID)
	if d.follows[key] {
		return false, nil
	}
	d.follows[key] = true
	return true, nil
}

func (d *fakeDir) RemoveFollow(_ context.Context, followerID, followeeID int64) error {
	delete(d.follows, pairKey(followerID, followeeID))
	return nil
}

func (d *fakeDir) AddMembership(_ context.Context, groupID, userID int64) (bool, error) {
	key := pairKey(groupID, userID)
	if d.members[key] {
		return false, nil
	}
	d.members[key] = true
	return true, nil
}

func (d *fakeDir) RemoveMembership(_ context.Context, groupID, userID int64) error {
	delete(d.members, pairKey(groupID, userID))
	return nil
}

func (d *fakeDir) AddBlock(_ context.Context, groupID, userID int64) error {
	d.blocks = append(d.blocks, pairKey(groupID, userID))
	return nil
}

func (d *fakeDir) AddLike(_ context.Context, userID, postID int64) error {
	d.likes[pairKey(userID, postID)] = true
	return nil
}

func (d *fakeDir) RemoveLike(_ context.Context, userID, postID int64) error {
	delete(d.likes, pairKey(userID, postID))
	return nil
}

type fakeFeed struct {
	entries []feedEntry
}

func (f *fakeFeed) Append(_ context.Context, kind int16, authorID, objectID int64, _ time.Time) error {
	f.entries = append(f.entries, feedEntry{kind: kind, authorID: authorID, objectID: objectID})
	return nil
}

type fakeAudience struct {
	targets []string
}

func (f *fakeAudience) ResolveForwardTargets(_ context.Context, _ *models.Post) ([]string, error) {
	return append([]string(nil), f.targets...), nil
}

type fakeDeliverer struct {
	inboxes [][]string
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ []byte, inboxes []string) error {
	f.inboxes = append(f.inboxes, inboxes)
	return nil
}

func foreignPerson(id int64, uri, inbox string) *models.Actor {
	return &models.Actor{
		ID:           id,
		Kind:         models.ActorKindUser,
		FederationID: sql.NullString{String: uri, Valid: true},
		Inbox:        sql.NullString{String: inbox, Valid: true},
	}
}

func foreignGroup(id int64, uri, inbox string) *models.Actor {
	a := foreignPerson(id, uri, inbox)
	a.Kind = models.ActorKindGroup
	return a
}

type harness struct {
	dispatcher *Dispatcher
	posts      *fakePosts
	dir        *fakeDir
	feed       *fakeFeed
	audience   *fakeAudience
	deliverer  *fakeDeliverer
}

func newHarness(dir *fakeDir) *harness {
	h := &harness{
		posts:     newFakePosts(),
		dir:       dir,
		feed:      &fakeFeed{},
		audience:  &fakeAudience{},
		deliverer: &fakeDeliverer{},
	}
	h.dispatcher = NewDispatcher(testDomain, h.posts, h.dir, h.feed, h.audience, h.deliverer)
	return h
}

func TestDispatch_UnsupportedActivity(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	h := newHarness(newFakeDir(sender))

	payload := []byte(`{
		"id": "https://other.example.net/activities/1",
		"type": "Move",
		"actor": "https://other.example.net/users/bob",
		"object": {"id": "https://other.example.net/notes/1", "type": "Note"}
	}`)

	err := h.dispatcher.Dispatch(context.Background(), payload)
	if apperr.KindOf(err) != apperr.KindUnsupportedActivity {
		t.Errorf("Dispatch() error = %v, want UnsupportedActivity", err)
	}
}

func TestDispatch_MalformedPayload(t *testing.T) {
	h := newHarness(newFakeDir())

	for _, payload := range []string{"not json", `{"type": "Create"}`} {
		err := h.dispatcher.Dispatch(context.Background(), []byte(payload))
		if apperr.KindOf(err) != apperr.KindInvalidReference {
			t.Errorf("Dispatch(%q) error = %v, want InvalidReference", payload, err)
		}
	}
}

func TestDispatch_UnknownActor(t *testing.T) {
	h := newHarness(newFakeDir())

	payload := []byte(`{
		"type": "Like",
		"actor": "https://nowhere.example.org/users/ghost",
		"object": "https://other.example.net/notes/1"
	}`)

	err := h.dispatcher.Dispatch(context.Background(), payload)
	if apperr.KindOf(err) != apperr.KindInvalidReference {
		t.Errorf("Dispatch() error = %v, want InvalidReference", err)
	}
}

func TestDispatch_ObjectLookupFailureIsNotAcknowledged(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	h := newHarness(newFakeDir(sender))
	cause := errors.New("connection refused")
	h.posts.err = cause

	payload := []byte(`{
		"type": "Like",
		"actor": "https://other.example.net/users/bob",
		"object": "https://social.example.com/posts/7"
	}`)

	err := h.dispatcher.Dispatch(context.Background(), payload)
	if !errors.Is(err, cause) {
		t.Fatalf("Dispatch() error = %v, want the lookup failure", err)
	}
	if apperr.KindOf(err) != 0 {
		t.Errorf("Dispatch() error classified as %v; a lookup failure must stay unclassified so the sender retries", apperr.KindOf(err))
	}
}

func TestDispatch_ActorObjectLookupFailureIsNotAcknowledged(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	dir := newFakeDir(sender)
	cause := errors.New("connection refused")
	dir.resolveErr["https://third.example.org/users/carol"] = cause
	h := newHarness(dir)

	payload := []byte(`{
		"type": "Follow",
		"actor": "https://other.example.net/users/bob",
		"object": "https://third.example.org/users/carol"
	}`)

	err := h.dispatcher.Dispatch(context.Background(), payload)
	if !errors.Is(err, cause) {
		t.Fatalf("Dispatch() error = %v, want the lookup failure", err)
	}
}

func TestDispatch_UnknownBareObjectIsUnsupported(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	dir := newFakeDir(sender)
	dir.resolveErr["https://social.example.com/posts/abc"] = apperr.NotFound("invalid local actor URL")
	h := newHarness(dir)
	h.posts.err = apperr.NotFound("invalid local object URL")

	payload := []byte(`{
		"type": "Like",
		"actor": "https://other.example.net/users/bob",
		"object": "https://social.example.com/posts/abc"
	}`)

	err := h.dispatcher.Dispatch(context.Background(), payload)
	if apperr.KindOf(err) != apperr.KindUnsupportedActivity {
		t.Errorf("Dispatch() error = %v, want UnsupportedActivity", err)
	}
}

func TestDispatch_CreateNoteReply(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	h := newHarness(newFakeDir(sender))

	parent := &models.Post{
		ID:          7,
		OwnerUserID: sql.NullInt64{Int64: 2, Valid: true},
	}
	h.posts.byURI["https://social.example.com/posts/7"] = parent

	payload := []byte(`{
		"type": "Create",
		"actor": "https://other.example.net/users/bob",
		"object": {
			"id": "https://other.example.net/notes/99",
			"type": "Note",
			"content": "nice thread",
			"inReplyTo": "https://social.example.com/posts/7"
		}
	}`)

	if err := h.dispatcher.Dispatch(context.Background(), payload); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	created := h.posts.byURI["https://other.example.net/notes/99"]
	if created == nil {
		t.Fatal("reply was not stored")
	}
	if len(created.ReplyKey) != 1 || created.ReplyKey[0] != 7 {
		t.Errorf("reply key = %v, want [7]", created.ReplyKey)
	}
	if created.OwnerUserID.Int64 != 2 {
		t.Errorf("owner = %d, want inherited owner 2", created.OwnerUserID.Int64)
	}
	if created.AuthorID.Int64 != sender.ID {
		t.Errorf("author = %d, want sender %d", created.AuthorID.Int64, sender.ID)
	}
}

func TestDispatch_CreateNoteUnknownParent(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	h := newHarness(newFakeDir(sender))

	payload := []byte(`{
		"type": "Create",
		"actor": "https://other.example.net/users/bob",
		"object": {
			"id": "https://other.example.net/notes/99",
			"type": "Note",
			"inReplyTo": "https://other.example.net/notes/404"
		}
	}`)

	err := h.dispatcher.Dispatch(context.Background(), payload)
	if apperr.KindOf(err) != apperr.KindInvalidReference {
		t.Errorf("Dispatch() error = %v, want InvalidReference", err)
	}
}

func TestDispatch_FollowAppendsFeedOnce(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	followee := &models.Actor{ID: 2, Kind: models.ActorKindUser}
	h := newHarness(newFakeDir(sender, followee))

	payload := []byte(`{
		"type": "Follow",
		"actor": "https://other.example.net/users/bob",
		"object": "https://social.example.com/users/2"
	}`)

	for i := 0; i < 2; i++ {
		if err := h.dispatcher.Dispatch(context.Background(), payload); err != nil {
			t.Fatalf("Dispatch() #%d error = %v", i+1, err)
		}
	}

	if !h.dir.follows[pairKey(10, 2)] {
		t.Error("follow relationship was not stored")
	}
	if len(h.feed.entries) != 1 {
		t.Fatalf("feed entries = %d, want exactly 1", len(h.feed.entries))
	}
	want := feedEntry{kind: models.FeedKindNewFollow, authorID: 10, objectID: 2}
	if h.feed.entries[0] != want {
		t.Errorf("feed entry = %+v, want %+v", h.feed.entries[0], want)
	}
}

func TestDispatch_LikeForwardsExcludingSender(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	h := newHarness(newFakeDir(sender))

	post := &models.Post{ID: 7, AuthorID: sql.NullInt64{Int64: 2, Valid: true}}
	h.posts.byURI["https://social.example.com/posts/7"] = post
	h.audience.targets = []string{
		"https://other.example.net/inbox/bob",
		"https://third.example.org/inbox",
	}

	payload := []byte(`{
		"type": "Like",
		"actor": "https://other.example.net/users/bob",
		"object": "https://social.example.com/posts/7"
	}`)

	if err := h.dispatcher.Dispatch(context.Background(), payload); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if !h.dir.likes[pairKey(10, 7)] {
		t.Error("like was not stored")
	}
	if len(h.deliverer.inboxes) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(h.deliverer.inboxes))
	}
	got := h.deliverer.inboxes[0]
	if len(got) != 1 || got[0] != "https://third.example.org/inbox" {
		t.Errorf("forwarded to %v, want only the third-party inbox", got)
	}
}

func TestDispatch_ForeignGroupBlocksLocalUser(t *testing.T) {
	group := foreignGroup(20, "https://other.example.net/groups/g", "https://other.example.net/inbox/g")
	user := &models.Actor{ID: 3, Kind: models.ActorKindUser}
	h := newHarness(newFakeDir(group, user))

	payload := []byte(`{
		"type": "Block",
		"actor": "https://other.example.net/groups/g",
		"object": "https://social.example.com/users/3"
	}`)

	if err := h.dispatcher.Dispatch(context.Background(), payload); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(h.dir.blocks) != 1 || h.dir.blocks[0] != pairKey(20, 3) {
		t.Errorf("blocks = %v, want exactly one row for group 20 and user 3", h.dir.blocks)
	}
}

func TestDispatch_UndoLike(t *testing.T) {
	sender := foreignPerson(10, "https://other.example.net/users/bob", "https://other.example.net/inbox/bob")
	h := newHarness(newFakeDir(sender))

	post := &models.Post{ID: 7}
	h.posts.byURI["https://social.example.com/posts/7"] = post
	h.dir.likes[pairKey(10, 7)] = true

	payload := []byte(`{
		"type": "Undo",
		"actor": "https://other.example.net/users/bob",
		"object": {
			"type": "Like",
			"actor": "https://other.example.net/users/bob",
			"object": "https://social.example.com/posts/7"
		}
	}`)

	if err := h.dispatcher.Dispatch(context.Background(), payload); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.dir.likes[pairKey(10, 7)] {
		t.Error("like was not removed")
	}
}

func TestActorKindOf(t *testing.T) {
	tests := []struct {
		name     string
		actor    *models.Actor
		expected string
	}{
		{"local user", &models.Actor{Kind: models.ActorKindUser}, ActorPerson},
		{"local group", &models.Actor{Kind: models.ActorKindGroup}, ActorGroup},
		{
			"foreign user",
			foreignPerson(1, "https://other.example.net/users/a", "https://other.example.net/inbox/a"),
			ActorForeignPerson,
		},
		{
			"foreign group",
			foreignGroup(2, "https://other.example.net/groups/b", "https://other.example.net/inbox/b"),
			ActorForeignGroup,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actorKindOf(tt.actor); got != tt.expected {
				t.Errorf("actorKindOf() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseObject(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantID   string
		wantType string
		wantErr  bool
	}{
		{"bare identifier", `"https://other.example.net/notes/1"`, "https://other.example.net/notes/1", "", false},
		{"embedded document", `{"id": "https://other.example.net/notes/1", "type": "Note"}`, "https://other.example.net/notes/1", "Note", false},
		{"empty string", `""`, "", "", true},
		{"missing", ``, "", "", true},
		{"not an object", `42`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			object, err := parseObject([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseObject() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseObject() error = %v", err)
			}
			if object.ID != tt.wantID || object.Type != tt.wantType {
				t.Errorf("parseObject() = (%q, %q), want (%q, %q)", object.ID, object.Type, tt.wantID, tt.wantType)
			}
		})
	}
}
