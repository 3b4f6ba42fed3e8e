package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	IdentifierEmail     = "email"
	IdentifierPhone     = "phone"
	IdentifierDevice    = "device_id"
	IdentifierAnonymous = "anonymous_id"
	IdentifierExternal  = "external_id"
)

// IdentifierPriority is the fixed type ranking used by canonical identity
// selection. Lower rank wins.
var IdentifierPriority = map[string]int{
	IdentifierEmail:     1,
	IdentifierPhone:     2,
	IdentifierDevice:    3,
	IdentifierExternal:  4,
	IdentifierAnonymous: 5,
}

func PriorityRank(identifierType string) int {
	if r, ok := IdentifierPriority[identifierType]; ok {
		return r
	}
	return len(IdentifierPriority) + 1
}

func ValidIdentifierType(t string) bool {
	_, ok := IdentifierPriority[t]
	return ok
}

// Identifier is a node of the identity graph. Hash is the opaque hashed
// identity signal; the raw value never reaches this service. An identifier
// hash belongs to exactly one profile at any instant.
type Identifier struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Type         string    `gorm:"not null;index:idx_identifier_hash,unique;column:type" json:"type"`
	Hash         string    `gorm:"not null;index:idx_identifier_hash,unique;column:hash" json:"hash"`
	PriorityRank int       `gorm:"not null;column:priority_rank" json:"priority_rank"`
	Verified     bool      `gorm:"not null;default:false;column:verified" json:"verified"`
	ProfileID    uuid.UUID `gorm:"type:uuid;not null;index;column:profile_id" json:"profile_id"`
	FirstSeenAt  time.Time `gorm:"not null;default:now();column:first_seen_at" json:"first_seen_at"`
	LastSeenAt   time.Time `gorm:"not null;default:now();column:last_seen_at" json:"last_seen_at"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Identifier) TableName() string { return "identifier" }
