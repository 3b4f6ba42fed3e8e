package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	SegmentDynamic = "dynamic"
	SegmentStatic  = "static"
)

const (
	SegmentStatusDraft     = "draft"
	SegmentStatusComputing = "computing"
	SegmentStatusActive    = "active"
	SegmentStatusStale     = "stale"
)

// Segment is a named audience. Dynamic segments are derived state
// recomputed from their rule tree; static segments are authoritative
// member lists mutated only by explicit add/remove.
type Segment struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name            string         `gorm:"not null;uniqueIndex;column:name" json:"name"`
	Description     string         `gorm:"column:description" json:"description,omitempty"`
	Type            string         `gorm:"not null;default:'dynamic';column:type" json:"type"`
	Rules           datatypes.JSON `gorm:"type:jsonb;column:rules" json:"rules,omitempty"`
	Status          string         `gorm:"not null;default:'draft';index;column:status" json:"status"`
	AutoRefresh     bool           `gorm:"not null;default:false;column:auto_refresh" json:"auto_refresh"`
	RefreshMinutes  int            `gorm:"not null;default:0;column:refresh_minutes" json:"refresh_minutes"`
	ProfileCount    int64          `gorm:"not null;default:0;column:profile_count" json:"profile_count"`
	LastComputedAt  *time.Time     `gorm:"column:last_computed_at" json:"last_computed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAtHidden *time.Time     `gorm:"index;column:deleted_at" json:"-"`
}

func (Segment) TableName() string { return "segment" }

// SegmentMember is one profile's membership row, both for static segments
// (the authoritative list) and for materialized dynamic membership.
type SegmentMember struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SegmentID uuid.UUID `gorm:"type:uuid;not null;index:idx_segment_member,unique;column:segment_id" json:"segment_id"`
	ProfileID uuid.UUID `gorm:"type:uuid;not null;index:idx_segment_member,unique;column:profile_id" json:"profile_id"`
	AddedAt   time.Time `gorm:"not null;default:now();column:added_at" json:"added_at"`
}

func (SegmentMember) TableName() string { return "segment_member" }
