package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	LifecycleAnonymous = "anonymous"
	LifecycleKnown     = "known"
	LifecycleCustomer  = "customer"
	LifecycleChurned   = "churned"
)

// Profile is the durable, merge-aware customer record. A profile is never
// physically deleted; the losing side of a merge keeps its row with
// MergedInto pointing at the survivor.
type Profile struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	LifecycleStage string         `gorm:"not null;default:'anonymous';index;column:lifecycle_stage" json:"lifecycle_stage"`
	FirstSeenAt    time.Time      `gorm:"not null;default:now();column:first_seen_at" json:"first_seen_at"`
	LastSeenAt     time.Time      `gorm:"not null;default:now();index;column:last_seen_at" json:"last_seen_at"`
	TotalEvents    int64          `gorm:"not null;default:0;column:total_events" json:"total_events"`
	TotalSessions  int64          `gorm:"not null;default:0;column:total_sessions" json:"total_sessions"`
	TotalPurchases int64          `gorm:"not null;default:0;column:total_purchases" json:"total_purchases"`
	TotalRevenue   float64        `gorm:"not null;default:0;column:total_revenue" json:"total_revenue"`
	LastSessionID  string         `gorm:"column:last_session_id" json:"-"`
	LastPurchaseAt *time.Time     `gorm:"column:last_purchase_at" json:"last_purchase_at,omitempty"`
	ProfileData    datatypes.JSON `gorm:"type:jsonb;column:profile_data" json:"profile_data"`
	ComputedTraits datatypes.JSON `gorm:"type:jsonb;column:computed_traits" json:"computed_traits"`
	CanonicalID    *uuid.UUID     `gorm:"type:uuid;column:canonical_identifier_id" json:"canonical_identifier_id,omitempty"`
	MergedInto     *uuid.UUID     `gorm:"type:uuid;index;column:merged_into" json:"merged_into,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Profile) TableName() string { return "profile" }

func (p *Profile) Tombstoned() bool { return p.MergedInto != nil }

// Counters is the additive aggregate slice of a profile, the part a merge
// folds into the survivor and a rollback subtracts back out.
type Counters struct {
	Events    int64   `json:"events"`
	Sessions  int64   `json:"sessions"`
	Purchases int64   `json:"purchases"`
	Revenue   float64 `json:"revenue"`
}

func (p *Profile) Counters() Counters {
	return Counters{
		Events:    p.TotalEvents,
		Sessions:  p.TotalSessions,
		Purchases: p.TotalPurchases,
		Revenue:   p.TotalRevenue,
	}
}
