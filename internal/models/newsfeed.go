package models

import (
	"time"
)

// NewsfeedEntry is a denormalized per-event timeline row. Entries are created
// exactly once, at the triggering top-level event, never for replies.
type NewsfeedEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	Kind      int16     `gorm:"type:smallint;not null;column:kind"`
	AuthorID  int64     `gorm:"not null;index:arbor_newsfeed_ix1,priority:1;column:author_id"`
	ObjectID  int64     `gorm:"not null;column:object_id"`
	CreatedAt time.Time `gorm:"not null;index:arbor_newsfeed_ix1,priority:2;column:created_at"`

	// Relationships
	Author *Actor `gorm:"foreignKey:AuthorID;references:ID"`
}

// TableName specifies the table name for NewsfeedEntry
func (NewsfeedEntry) TableName() string {
	return "arbor_newsfeed"
}

// Newsfeed entry kind constants
const (
	FeedKindOwnPost            int16 = 1
	FeedKindReshare            int16 = 2
	FeedKindNewFollow          int16 = 3
	FeedKindNewGroupMembership int16 = 4
)

// ReferencesPost reports whether the entry's object is a post row (and must
// therefore be removed when that post is hard-deleted).
func (e *NewsfeedEntry) ReferencesPost() bool {
	return e.Kind == FeedKindOwnPost || e.Kind == FeedKindReshare
}
