package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	MergeReasonIdentityMatch = "identity_match"
	MergeReasonManual        = "manual_merge"
	MergeReasonLoginEvent    = "login_event"
	MergeReasonCrossDevice   = "cross_device"
)

func ValidMergeReason(r string) bool {
	switch r {
	case MergeReasonIdentityMatch, MergeReasonManual, MergeReasonLoginEvent, MergeReasonCrossDevice:
		return true
	}
	return false
}

// ProfileMerge is the append-only audit record of a merge. Rollback never
// deletes or rewrites one; it sets IsRolledBack on the original and appends
// a reversal row. Snapshot carries enough pre-merge state to reverse the
// identifier transfer and counter addition.
type ProfileMerge struct {
	ID                 uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	MergedProfileID    uuid.UUID      `gorm:"type:uuid;not null;index;column:merged_profile_id" json:"merged_profile_id"`
	SurvivingProfileID uuid.UUID      `gorm:"type:uuid;not null;index;column:surviving_profile_id" json:"surviving_profile_id"`
	Reason             string         `gorm:"not null;column:reason" json:"reason"`
	MergedEvents       int64          `gorm:"not null;default:0;column:merged_events" json:"merged_events"`
	MergedIdentifiers  int            `gorm:"not null;default:0;column:merged_identifiers" json:"merged_identifiers"`
	Snapshot           datatypes.JSON `gorm:"type:jsonb;column:snapshot" json:"snapshot"`
	IsRolledBack       bool           `gorm:"not null;default:false;column:is_rolled_back" json:"is_rolled_back"`
	IsReversal         bool           `gorm:"not null;default:false;column:is_reversal" json:"is_reversal"`
	ReversalOf         *uuid.UUID     `gorm:"type:uuid;column:reversal_of" json:"reversal_of,omitempty"`
	RolledBackAt       *time.Time     `gorm:"column:rolled_back_at" json:"rolled_back_at,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (ProfileMerge) TableName() string { return "profile_merge" }

// MergeSnapshot is the JSON shape stored in ProfileMerge.Snapshot.
type MergeSnapshot struct {
	SourceCounters       Counters    `json:"source_counters"`
	TargetCounters       Counters    `json:"target_counters"`
	SourceIdentifierIDs  []uuid.UUID `json:"source_identifier_ids"`
	TargetIdentifierIDs  []uuid.UUID `json:"target_identifier_ids"`
	SourceLifecycleStage string      `json:"source_lifecycle_stage"`
	TargetLifecycleStage string      `json:"target_lifecycle_stage"`
	SourceCanonicalID    *uuid.UUID  `json:"source_canonical_id,omitempty"`
	TargetCanonicalID    *uuid.UUID  `json:"target_canonical_id,omitempty"`
	// RedirectedProfileIDs are older tombstones that pointed at the source
	// and were re-pointed at the survivor (redirect chains stay depth one).
	RedirectedProfileIDs []uuid.UUID `json:"redirected_profile_ids,omitempty"`
}
