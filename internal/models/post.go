package models

import (
	"database/sql"
	"time"
)

// Post represents a wall post or a reply anywhere in a thread. A tombstoned
// post keeps its ID and reply key but has author, owner and content columns
// cleared.
type Post struct {
	ID             int64          `gorm:"primaryKey;autoIncrement;column:id"`
	FederationID   sql.NullString `gorm:"type:varchar(255);uniqueIndex:arbor_posts_ux1;column:ap_id"`
	AuthorID       sql.NullInt64  `gorm:"column:author_id"`
	OwnerUserID    sql.NullInt64  `gorm:"column:owner_user_id"`
	OwnerGroupID   sql.NullInt64  `gorm:"column:owner_group_id"`
	Text           sql.NullString `gorm:"type:text;column:text"`
	Attachments    sql.NullString `gorm:"type:text;column:attachments"`
	ContentWarning sql.NullString `gorm:"type:varchar(255);column:content_warning"`
	ReplyKey       ReplyKey       `gorm:"type:bytea;index:arbor_posts_rk;column:reply_key"`
	ReplyCount     int64          `gorm:"not null;default:0;column:reply_count"`
	Mentions       IDArray        `gorm:"type:bytea;column:mentions"`
	Deleted        bool           `gorm:"not null;default:false;column:deleted"`
	CreatedAt      time.Time      `gorm:"not null;column:created_at"`
	UpdatedAt      sql.NullTime   `gorm:"column:updated_at"`

	// Relationships
	Author *Actor `gorm:"foreignKey:AuthorID;references:ID"`

	// Replies holds one preview level of direct children, populated by
	// listing queries. Not a database column.
	Replies []*Post `gorm:"-"`
}

// TableName specifies the table name for Post
func (Post) TableName() string {
	return "arbor_posts"
}

// Depth returns the reply depth (0 = top-level).
func (p *Post) Depth() int {
	return p.ReplyKey.Depth()
}

// IsLocal reports whether the post originated on this server. Foreign posts
// carry the federation identifier assigned by their origin server.
func (p *Post) IsLocal() bool {
	return !p.FederationID.Valid
}

// OwnedByAuthor reports whether the post sits on its author's own wall.
func (p *Post) OwnedByAuthor() bool {
	return p.AuthorID.Valid && p.OwnerUserID.Valid && p.AuthorID.Int64 == p.OwnerUserID.Int64
}
