package store

import (
	"bytes"
	"context"
	"database/sql"
	"sort"
	"testing"

	"github.com/arbor-social/arbor/internal/apperr"
	"github.com/arbor-social/arbor/internal/models"
)

type fakePostRepo struct {
	rows   map[int64]*models.Post
	nextID int64
}

func newFakePostRepo() *fakePostRepo {
	return &fakePostRepo{rows: make(map[int64]*models.Post)}
}

func sameKey(a, b models.ReplyKey) bool {
	return bytes.Equal(a.Encode(), b.Encode())
}

func (f *fakePostRepo) Create(_ context.Context, post *models.Post) error {
	f.nextID++
	post.ID = f.nextID
	f.rows[post.ID] = post
	return nil
}

func (f *fakePostRepo) Update(_ context.Context, post *models.Post) error {
	f.rows[post.ID] = post
	return nil
}

func (f *fakePostRepo) Delete(_ context.Context, id int64) error {
	delete(f.rows, id)
	return nil
}

func (f *fakePostRepo) GetByID(_ context.Context, id int64) (*models.Post, error) {
	return f.rows[id], nil
}

func (f *fakePostRepo) GetByFederationID(_ context.Context, uri string) (*models.Post, error) {
	for _, row := range f.rows {
		if row.FederationID.Valid && row.FederationID.String == uri {
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakePostRepo) sorted() []*models.Post {
	posts := make([]*models.Post, 0, len(f.rows))
	for _, row := range f.rows {
		posts = append(posts, row)
	}
	sort.Slice(posts, func(i, j int) bool {
		if c := bytes.Compare(posts[i].ReplyKey.Encode(), posts[j].ReplyKey.Encode()); c != 0 {
			return c < 0
		}
		return posts[i].ID < posts[j].ID
	})
	return posts
}

func (f *fakePostRepo) ListByReplyKey(_ context.Context, key models.ReplyKey, beforeID int64, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	for _, row := range f.sorted() {
		if sameKey(row.ReplyKey, key) && (beforeID == 0 || row.ID < beforeID) {
			posts = append(posts, row)
		}
	}
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (f *fakePostRepo) CountByReplyKey(ctx context.Context, key models.ReplyKey, beforeID int64) (int64, error) {
	posts, _ := f.ListByReplyKey(ctx, key, beforeID, 0)
	return int64(len(posts)), nil
}

func (f *fakePostRepo) ListByPrefix(_ context.Context, prefix models.ReplyKey, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	for _, row := range f.sorted() {
		if bytes.HasPrefix(row.ReplyKey.Encode(), prefix.Encode()) {
			posts = append(posts, row)
		}
	}
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (f *fakePostRepo) CountByPrefix(ctx context.Context, prefix models.ReplyKey) (int64, error) {
	posts, _ := f.ListByPrefix(ctx, prefix, 0)
	return int64(len(posts)), nil
}

func (f *fakePostRepo) DistinctAuthorsByPrefix(ctx context.Context, prefix models.ReplyKey) ([]int64, error) {
	posts, _ := f.ListByPrefix(ctx, prefix, 0)
	seen := make(map[int64]bool)
	var ids []int64
	for _, row := range posts {
		if row.AuthorID.Valid && !seen[row.AuthorID.Int64] {
			seen[row.AuthorID.Int64] = true
			ids = append(ids, row.AuthorID.Int64)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakePostRepo) ListLatestByReplyKey(ctx context.Context, key models.ReplyKey, n int) ([]*models.Post, error) {
	posts, _ := f.ListByReplyKey(ctx, key, 0, 0)
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID > posts[j].ID })
	if len(posts) > n {
		posts = posts[:n]
	}
	return posts, nil
}

func (f *fakePostRepo) CountDirectReplies(ctx context.Context, ids []int64) (map[int64]int64, error) {
	counts := make(map[int64]int64, len(ids))
	for _, id := range ids {
		total, _ := f.CountByReplyKey(ctx, models.ReplyKey{id}, 0)
		if total > 0 {
			counts[id] = total
		}
	}
	return counts, nil
}

func (f *fakePostRepo) ListWall(context.Context, int64, bool, int64, int, int, bool) ([]*models.Post, error) {
	return nil, nil
}

func (f *fakePostRepo) CountWall(context.Context, int64, bool, bool) (int64, error) {
	return 0, nil
}

func (f *fakePostRepo) ListWallToWall(context.Context, int64, int64, int, int) ([]*models.Post, error) {
	return nil, nil
}

func (f *fakePostRepo) CountWallToWall(context.Context, int64, int64) (int64, error) {
	return 0, nil
}

func (f *fakePostRepo) CountLocal(context.Context, bool) (int64, error) {
	return 0, nil
}

func (f *fakePostRepo) IncrementReplyCounts(_ context.Context, ids []int64) error {
	for _, id := range ids {
		if row := f.rows[id]; row != nil {
			row.ReplyCount++
		}
	}
	return nil
}

func (f *fakePostRepo) DecrementReplyCounts(_ context.Context, ids []int64) error {
	for _, id := range ids {
		if row := f.rows[id]; row != nil && row.ReplyCount > 0 {
			row.ReplyCount--
		}
	}
	return nil
}

type recordingListener struct {
	created     []int64
	hardDeleted []int64
}

func (l *recordingListener) OwnPostCreated(_ context.Context, post *models.Post) error {
	l.created = append(l.created, post.ID)
	return nil
}

func (l *recordingListener) PostHardDeleted(_ context.Context, postID int64) error {
	l.hardDeleted = append(l.hardDeleted, postID)
	return nil
}

func newFakeStore() (*ThreadStore, *fakePostRepo, *recordingListener) {
	repo := newFakePostRepo()
	s := newThreadStore(repo, "social.example.com")
	l := &recordingListener{}
	s.AddListener(l)
	return s, repo, l
}

func TestCreateLocalPost_Validation(t *testing.T) {
	s := NewThreadStore(nil, "social.example.com")

	tests := []struct {
		name  string
		draft PostDraft
	}{
		{
			name:  "no author",
			draft: PostDraft{OwnerUserID: 1, Text: "hello"},
		},
		{
			name:  "no owner",
			draft: PostDraft{AuthorID: 1, Text: "hello"},
		},
		{
			name:  "both owners",
			draft: PostDraft{AuthorID: 1, OwnerUserID: 1, OwnerGroupID: 2, Text: "hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateLocalPost(context.Background(), tt.draft)
			if apperr.KindOf(err) != apperr.KindInvalidReference {
				t.Errorf("CreateLocalPost() error = %v, want InvalidReference", err)
			}
		})
	}
}

func TestUpsertFederatedPost_Validation(t *testing.T) {
	s := NewThreadStore(nil, "social.example.com")

	tests := []struct {
		name string
		post *models.Post
	}{
		{
			name: "no federation identifier",
			post: &models.Post{
				OwnerUserID: sql.NullInt64{Int64: 1, Valid: true},
			},
		},
		{
			name: "no owner",
			post: &models.Post{
				FederationID: sql.NullString{String: "https://other.example.net/posts/1", Valid: true},
			},
		},
		{
			name: "both owners",
			post: &models.Post{
				FederationID: sql.NullString{String: "https://other.example.net/posts/1", Valid: true},
				OwnerUserID:  sql.NullInt64{Int64: 1, Valid: true},
				OwnerGroupID: sql.NullInt64{Int64: 2, Valid: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpsertFederatedPost(context.Background(), tt.post)
			if apperr.KindOf(err) != apperr.KindInvalidReference {
				t.Errorf("UpsertFederatedPost() error = %v, want InvalidReference", err)
			}
		})
	}
}

func TestDelete_TombstonesAndMaintainsCounters(t *testing.T) {
	ctx := context.Background()
	s, repo, listener := newFakeStore()

	p1, err := s.CreateLocalPost(ctx, PostDraft{AuthorID: 1, OwnerUserID: 1, Text: "root"})
	if err != nil {
		t.Fatalf("CreateLocalPost(root) error = %v", err)
	}
	p2, err := s.CreateLocalPost(ctx, PostDraft{AuthorID: 2, OwnerUserID: 1, Text: "reply", ParentKey: models.ReplyKey{p1.ID}})
	if err != nil {
		t.Fatalf("CreateLocalPost(reply) error = %v", err)
	}
	p3, err := s.CreateLocalPost(ctx, PostDraft{AuthorID: 1, OwnerUserID: 1, Text: "nested reply", ParentKey: models.ReplyKey{p1.ID, p2.ID}})
	if err != nil {
		t.Fatalf("CreateLocalPost(nested) error = %v", err)
	}

	if len(listener.created) != 1 || listener.created[0] != p1.ID {
		t.Errorf("own-post events = %v, want only the root", listener.created)
	}
	if p1.ReplyCount != 2 || p2.ReplyCount != 1 {
		t.Fatalf("counters after replies = %d/%d, want 2/1", p1.ReplyCount, p2.ReplyCount)
	}

	// A post with a descendant is tombstoned in place.
	if err := s.Delete(ctx, p2.ID); err != nil {
		t.Fatalf("Delete(p2) error = %v", err)
	}
	tomb := repo.rows[p2.ID]
	if tomb == nil || !tomb.Deleted {
		t.Fatal("post with descendants must be tombstoned, not removed")
	}
	if tomb.AuthorID.Valid || tomb.OwnerUserID.Valid || tomb.Text.Valid {
		t.Error("tombstone kept attribution or content")
	}
	if tomb.ReplyCount != 0 {
		t.Errorf("tombstone counter = %d, want 0", tomb.ReplyCount)
	}
	if p1.ReplyCount != 1 {
		t.Errorf("root counter after tombstone = %d, want 1", p1.ReplyCount)
	}

	// A leaf is hard-deleted; both ancestors decrement and the tombstone
	// clamps at zero.
	if err := s.Delete(ctx, p3.ID); err != nil {
		t.Fatalf("Delete(p3) error = %v", err)
	}
	if _, ok := repo.rows[p3.ID]; ok {
		t.Error("leaf delete must remove the row")
	}
	if len(listener.hardDeleted) != 1 || listener.hardDeleted[0] != p3.ID {
		t.Errorf("hard-delete events = %v, want only p3", listener.hardDeleted)
	}
	if p1.ReplyCount != 0 {
		t.Errorf("root counter after leaf delete = %d, want 0", p1.ReplyCount)
	}
	if tomb.ReplyCount != 0 {
		t.Errorf("tombstone counter = %d, want 0 after clamped decrement", tomb.ReplyCount)
	}

	// Deleting the tombstone again is a no-op.
	if err := s.Delete(ctx, p2.ID); err != nil {
		t.Fatalf("Delete(tombstone) error = %v", err)
	}
	if p1.ReplyCount != 0 {
		t.Errorf("root counter after repeat delete = %d, want 0", p1.ReplyCount)
	}
}

func TestUpsertFederatedPost_SideEffectsApplyOnce(t *testing.T) {
	ctx := context.Background()
	s, repo, listener := newFakeStore()

	parent, err := s.CreateLocalPost(ctx, PostDraft{AuthorID: 1, OwnerUserID: 1, Text: "root"})
	if err != nil {
		t.Fatalf("CreateLocalPost() error = %v", err)
	}

	reply := func(text string) *models.Post {
		return &models.Post{
			FederationID: sql.NullString{String: "https://other.example.net/notes/99", Valid: true},
			AuthorID:     sql.NullInt64{Int64: 5, Valid: true},
			OwnerUserID:  sql.NullInt64{Int64: 1, Valid: true},
			Text:         sql.NullString{String: text, Valid: true},
			ReplyKey:     models.ReplyKey{parent.ID},
		}
	}

	first := reply("first sight")
	if err := s.UpsertFederatedPost(ctx, first); err != nil {
		t.Fatalf("UpsertFederatedPost() error = %v", err)
	}
	if parent.ReplyCount != 1 {
		t.Fatalf("parent counter = %d, want 1", parent.ReplyCount)
	}

	redelivery := reply("edited")
	if err := s.UpsertFederatedPost(ctx, redelivery); err != nil {
		t.Fatalf("UpsertFederatedPost(redelivery) error = %v", err)
	}
	if redelivery.ID != first.ID {
		t.Errorf("redelivery resolved to post %d, want %d", redelivery.ID, first.ID)
	}
	if parent.ReplyCount != 1 {
		t.Errorf("parent counter after redelivery = %d, want still 1", parent.ReplyCount)
	}
	if got := repo.rows[first.ID].Text.String; got != "edited" {
		t.Errorf("text after redelivery = %q, want %q", got, "edited")
	}

	// A top-level post on its author's own wall publishes exactly once.
	own := func() *models.Post {
		return &models.Post{
			FederationID: sql.NullString{String: "https://other.example.net/notes/100", Valid: true},
			AuthorID:     sql.NullInt64{Int64: 5, Valid: true},
			OwnerUserID:  sql.NullInt64{Int64: 5, Valid: true},
			Text:         sql.NullString{String: "hello", Valid: true},
		}
	}
	if err := s.UpsertFederatedPost(ctx, own()); err != nil {
		t.Fatalf("UpsertFederatedPost(own) error = %v", err)
	}
	if err := s.UpsertFederatedPost(ctx, own()); err != nil {
		t.Fatalf("UpsertFederatedPost(own replay) error = %v", err)
	}
	if len(listener.created) != 2 {
		t.Errorf("own-post events = %d, want 2 (local root and first federated sight)", len(listener.created))
	}
}

func TestGetByFederationID_InvalidLocalURL(t *testing.T) {
	s := NewThreadStore(nil, "social.example.com")

	uris := []string{
		"https://social.example.com/posts/abc",
		"https://social.example.com/users/42",
		"https://social.example.com/posts/0",
	}
	for _, uri := range uris {
		_, err := s.GetByFederationID(context.Background(), uri)
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Errorf("GetByFederationID(%q) error = %v, want NotFound", uri, err)
		}
	}
}

func TestURI(t *testing.T) {
	s := NewThreadStore(nil, "social.example.com")

	local := &models.Post{ID: 42}
	if got, want := s.URI(local), "https://social.example.com/posts/42"; got != want {
		t.Errorf("URI(local) = %q, want %q", got, want)
	}

	foreign := &models.Post{
		ID:           7,
		FederationID: sql.NullString{String: "https://other.example.net/posts/99", Valid: true},
	}
	if got, want := s.URI(foreign), "https://other.example.net/posts/99"; got != want {
		t.Errorf("URI(foreign) = %q, want %q", got, want)
	}
}

func TestValidOwner(t *testing.T) {
	tests := []struct {
		name     string
		userID   int64
		groupID  int64
		expected bool
	}{
		{"user wall", 1, 0, true},
		{"group wall", 0, 5, true},
		{"neither", 0, 0, false},
		{"both", 1, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validOwner(tt.userID, tt.groupID); got != tt.expected {
				t.Errorf("validOwner(%d, %d) = %v, want %v", tt.userID, tt.groupID, got, tt.expected)
			}
		})
	}
}
