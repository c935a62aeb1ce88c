package api

import (
	"testing"
	"time"

	"github.com/arbor-social/arbor/internal/feed"
	"github.com/arbor-social/arbor/internal/models"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in       int
		expected int
	}{
		{0, 20},
		{-5, 20},
		{1, 1},
		{100, 100},
		{500, 100},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.expected {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.expected)
		}
	}
}

func TestFeedEntryView(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	postEntry := &feed.Entry{
		ID:        1,
		Kind:      models.FeedKindOwnPost,
		Author:    &models.Actor{ID: 2},
		Post:      &models.Post{ID: 7},
		CreatedAt: now,
	}
	view := feedEntryView(postEntry)
	if view["kind"] != "post" || view["post_id"] != int64(7) || view["author_id"] != int64(2) {
		t.Errorf("post entry view = %v", view)
	}
	if _, ok := view["actor_id"]; ok {
		t.Error("post entry view should not carry actor_id")
	}

	followEntry := &feed.Entry{
		ID:        2,
		Kind:      models.FeedKindNewFollow,
		Author:    &models.Actor{ID: 2},
		Object:    &models.Actor{ID: 9},
		CreatedAt: now,
	}
	view = feedEntryView(followEntry)
	if view["kind"] != "follow" || view["actor_id"] != int64(9) {
		t.Errorf("follow entry view = %v", view)
	}
}
