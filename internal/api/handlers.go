package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/apperr"
	"github.com/arbor-social/arbor/internal/cache"
	"github.com/arbor-social/arbor/internal/feed"
	"github.com/arbor-social/arbor/internal/models"
	"github.com/arbor-social/arbor/internal/store"
)

// maxInboxPayload bounds inbound activity documents.
const maxInboxPayload = 256 << 10

func (r *Router) healthHandler(c *gin.Context) {
	status := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.db.Health(c.Request.Context()); err != nil {
		status["status"] = "unhealthy"
		status["database"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	if err := r.cache.Health(c.Request.Context()); err != nil && err != cache.ErrCacheDisabled {
		status["status"] = "unhealthy"
		status["cache"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// inboxHandler receives one already-verified activity and dispatches it. The
// response code doubles as the delivery acknowledgment: 2xx tells the sender
// to stop, 5xx tells it to retry. An activity nobody handles is acknowledged
// as ignored rather than bounced, so senders do not retry it forever.
func (r *Router) inboxHandler(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboxPayload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	err = r.dispatcher.Dispatch(c.Request.Context(), payload)
	if err == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	switch apperr.KindOf(err) {
	case apperr.KindUnsupportedActivity:
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
	case apperr.KindInvalidReference:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		// Persistence failure: never acknowledge, the sender must retry.
		r.logger.Error("Inbox dispatch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delivery failed"})
	}
}

func (r *Router) feedHandler(c *gin.Context) {
	viewerID, ok := requireQueryID(c, "viewer_id")
	if !ok {
		return
	}
	beforeID := queryInt64(c, "before_id", 0)
	offset := queryInt(c, "offset", 0)
	limit := clampLimit(queryInt(c, "limit", 20))

	entries, total, err := r.feed.Query(c.Request.Context(), viewerID, beforeID, offset, limit)
	if err != nil {
		r.fail(c, err)
		return
	}

	views := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		views = append(views, feedEntryView(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": views, "total": total})
}

type createPostRequest struct {
	AuthorID       int64   `json:"author_id"`
	OwnerUserID    int64   `json:"owner_user_id"`
	OwnerGroupID   int64   `json:"owner_group_id"`
	Text           string  `json:"text"`
	Attachments    string  `json:"attachments"`
	ContentWarning string  `json:"content_warning"`
	ParentID       int64   `json:"parent_id"`
	Mentions       []int64 `json:"mentions"`
}

func (r *Router) createPostHandler(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	draft := store.PostDraft{
		AuthorID:       req.AuthorID,
		OwnerUserID:    req.OwnerUserID,
		OwnerGroupID:   req.OwnerGroupID,
		Text:           req.Text,
		Attachments:    req.Attachments,
		ContentWarning: req.ContentWarning,
		Mentions:       req.Mentions,
	}
	if req.ParentID > 0 {
		parent, err := r.store.GetOrThrow(c.Request.Context(), req.ParentID, false)
		if err != nil {
			r.fail(c, err)
			return
		}
		draft.ParentKey = parent.ReplyKey.Child(parent.ID)
	}

	post, err := r.store.CreateLocalPost(c.Request.Context(), draft)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r.postView(post))
}

func (r *Router) getPostHandler(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	post, err := r.store.GetOrThrow(c.Request.Context(), id, false)
	if err != nil {
		r.fail(c, err)
		return
	}
	children, err := r.store.ListChildren(c.Request.Context(), post.ReplyKey.Child(post.ID))
	if err != nil {
		r.fail(c, err)
		return
	}
	post.Replies = children
	c.JSON(http.StatusOK, r.postView(post))
}

func (r *Router) deletePostHandler(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := r.store.Delete(c.Request.Context(), id); err != nil {
		r.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) repliesHandler(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	post, err := r.store.GetOrThrow(c.Request.Context(), id, false)
	if err != nil {
		r.fail(c, err)
		return
	}
	beforeID := queryInt64(c, "before_id", 0)
	limit := clampLimit(queryInt(c, "limit", 20))

	replies, total, err := r.store.ListChildrenExact(c.Request.Context(), post.ReplyKey.Child(post.ID), beforeID, limit)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replies": r.postViews(replies), "total": total})
}

func (r *Router) wallHandler(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	isGroup := c.Query("group") == "true"
	ownOnly := c.Query("own") == "true"
	beforeID := queryInt64(c, "before_id", 0)
	offset := queryInt(c, "offset", 0)

	posts, total, err := r.store.ListTopLevel(c.Request.Context(), id, isGroup, beforeID, offset, ownOnly)
	if err != nil {
		r.fail(c, err)
		return
	}
	views, err := r.decoratedViews(c, posts)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": views, "total": total})
}

func (r *Router) wallToWallHandler(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	other, err := strconv.ParseInt(c.Param("other"), 10, 64)
	if err != nil || other <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actor id"})
		return
	}
	offset := queryInt(c, "offset", 0)

	posts, total, err := r.store.ListWallToWall(c.Request.Context(), id, other, offset)
	if err != nil {
		r.fail(c, err)
		return
	}
	views, err := r.decoratedViews(c, posts)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": views, "total": total})
}

func (r *Router) statsHandler(c *gin.Context) {
	posts, err := r.store.LocalPostCount(c.Request.Context(), false)
	if err != nil {
		r.fail(c, err)
		return
	}
	replies, err := r.store.LocalPostCount(c.Request.Context(), true)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"local_posts": posts, "local_replies": replies})
}

// decoratedViews renders a page of top-level posts with their latest replies
// and reply totals attached, loaded in bulk.
func (r *Router) decoratedViews(c *gin.Context, posts []*models.Post) ([]gin.H, error) {
	ids := make([]int64, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}
	previews, err := r.store.BatchRepliesPreview(c.Request.Context(), ids)
	if err != nil {
		return nil, err
	}

	views := make([]gin.H, 0, len(posts))
	for _, post := range posts {
		view := r.postView(post)
		preview := previews[post.ID]
		view["replies"] = r.postViews(preview.Replies)
		view["reply_total"] = preview.Total
		views = append(views, view)
	}
	return views, nil
}

func (r *Router) postView(post *models.Post) gin.H {
	view := gin.H{
		"id":          post.ID,
		"uri":         r.store.URI(post),
		"depth":       post.Depth(),
		"reply_count": post.ReplyCount,
		"deleted":     post.Deleted,
		"created_at":  post.CreatedAt.UTC().Format(time.RFC3339),
	}
	if post.AuthorID.Valid {
		view["author_id"] = post.AuthorID.Int64
	}
	if post.OwnerUserID.Valid {
		view["owner_user_id"] = post.OwnerUserID.Int64
	}
	if post.OwnerGroupID.Valid {
		view["owner_group_id"] = post.OwnerGroupID.Int64
	}
	if post.Text.Valid {
		view["text"] = post.Text.String
	}
	if post.ContentWarning.Valid {
		view["content_warning"] = post.ContentWarning.String
	}
	if len(post.Mentions) > 0 {
		view["mentions"] = []int64(post.Mentions)
	}
	if len(post.Replies) > 0 {
		view["replies"] = r.postViews(post.Replies)
	}
	return view
}

func (r *Router) postViews(posts []*models.Post) []gin.H {
	views := make([]gin.H, 0, len(posts))
	for _, post := range posts {
		views = append(views, r.postView(post))
	}
	return views
}

var feedKindNames = map[int16]string{
	models.FeedKindOwnPost:            "post",
	models.FeedKindReshare:            "reshare",
	models.FeedKindNewFollow:          "follow",
	models.FeedKindNewGroupMembership: "group_join",
}

func feedEntryView(entry *feed.Entry) gin.H {
	view := gin.H{
		"id":         entry.ID,
		"kind":       feedKindNames[entry.Kind],
		"author_id":  entry.Author.ID,
		"created_at": entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if entry.Post != nil {
		view["post_id"] = entry.Post.ID
	}
	if entry.Object != nil {
		view["actor_id"] = entry.Object.ID
	}
	return view
}

// fail maps an error to its HTTP status.
func (r *Router) fail(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperr.KindInvalidReference:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		r.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func requireQueryID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, name string, fallback int64) int64 {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func queryInt(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
