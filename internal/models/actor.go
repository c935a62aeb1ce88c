package models

import (
	"database/sql"
	"time"
)

// Actor represents a user or group, hosted locally or on a remote server.
// Foreign actors are cached proxies refreshed by the directory; they carry
// the delivery endpoints of their home server.
type Actor struct {
	ID           int64          `gorm:"primaryKey;autoIncrement;column:id"`
	Kind         int16          `gorm:"type:smallint;not null;column:kind"`
	Username     string         `gorm:"type:varchar(64);not null;column:username"`
	Domain       sql.NullString `gorm:"type:varchar(255);column:domain"`
	FederationID sql.NullString `gorm:"type:varchar(255);uniqueIndex:arbor_actors_ux1;column:ap_id"`
	Inbox        sql.NullString `gorm:"type:varchar(255);column:ap_inbox"`
	SharedInbox  sql.NullString `gorm:"type:varchar(255);column:ap_shared_inbox"`
	DisplayName  sql.NullString `gorm:"type:varchar(255);column:display_name"`
	CreatedAt    time.Time      `gorm:"not null;column:created_at"`
	CachedAt     sql.NullTime   `gorm:"column:cached_at"`
}

// TableName specifies the table name for Actor
func (Actor) TableName() string {
	return "arbor_actors"
}

// Actor kind constants
const (
	ActorKindUser  int16 = 1
	ActorKindGroup int16 = 2
)

// IsLocal reports whether the actor is hosted on this server.
func (a *Actor) IsLocal() bool {
	return !a.FederationID.Valid
}

// IsGroup reports whether the actor is a group.
func (a *Actor) IsGroup() bool {
	return a.Kind == ActorKindGroup
}

// Endpoint returns the preferred delivery endpoint: the shared server-level
// inbox when the origin server advertises one, the per-actor inbox otherwise.
// Local actors have no endpoint and are never delivery targets.
func (a *Actor) Endpoint() string {
	if a.SharedInbox.Valid {
		return a.SharedInbox.String
	}
	if a.Inbox.Valid {
		return a.Inbox.String
	}
	return ""
}
