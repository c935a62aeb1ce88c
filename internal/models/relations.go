package models

import (
	"time"
)

// Follow represents a follow relationship between two users.
type Follow struct {
	FollowerID int64     `gorm:"primaryKey;column:follower_id"`
	FolloweeID int64     `gorm:"primaryKey;column:followee_id"`
	CreatedAt  time.Time `gorm:"not null;column:created_at"`

	// Relationships
	Follower *Actor `gorm:"foreignKey:FollowerID;references:ID"`
	Followee *Actor `gorm:"foreignKey:FolloweeID;references:ID"`
}

// TableName specifies the table name for Follow
func (Follow) TableName() string {
	return "arbor_follows"
}

// GroupMembership represents a user's membership in a group.
type GroupMembership struct {
	GroupID   int64     `gorm:"primaryKey;column:group_id"`
	UserID    int64     `gorm:"primaryKey;column:user_id"`
	CreatedAt time.Time `gorm:"not null;column:created_at"`

	// Relationships
	Group *Actor `gorm:"foreignKey:GroupID;references:ID"`
	User  *Actor `gorm:"foreignKey:UserID;references:ID"`
}

// TableName specifies the table name for GroupMembership
func (GroupMembership) TableName() string {
	return "arbor_group_members"
}

// GroupBlock represents a group blocking a user.
type GroupBlock struct {
	GroupID   int64     `gorm:"primaryKey;column:group_id"`
	UserID    int64     `gorm:"primaryKey;column:user_id"`
	CreatedAt time.Time `gorm:"not null;column:created_at"`

	// Relationships
	Group *Actor `gorm:"foreignKey:GroupID;references:ID"`
	User  *Actor `gorm:"foreignKey:UserID;references:ID"`
}

// TableName specifies the table name for GroupBlock
func (GroupBlock) TableName() string {
	return "arbor_group_blocks"
}

// Like represents a user liking a post. The composite primary key doubles as
// the uniqueness constraint that makes repeated federation deliveries of the
// same Like idempotent.
type Like struct {
	UserID    int64     `gorm:"primaryKey;column:user_id"`
	PostID    int64     `gorm:"primaryKey;column:post_id"`
	CreatedAt time.Time `gorm:"not null;column:created_at"`

	// Relationships
	User *Actor `gorm:"foreignKey:UserID;references:ID"`
	Post *Post  `gorm:"foreignKey:PostID;references:ID"`
}

// TableName specifies the table name for Like
func (Like) TableName() string {
	return "arbor_likes"
}
