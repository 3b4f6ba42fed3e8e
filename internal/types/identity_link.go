package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	LinkObserved = "observed"
	LinkInferred = "inferred"
)

// IdentityLink is an undirected edge between two identifier nodes. The pair
// is stored normalized (SourceID < TargetID by uuid order) so repeated
// observations in either direction hit the same row. Confidence only moves
// up with evidence, capped at 1.0.
type IdentityLink struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SourceID     uuid.UUID `gorm:"type:uuid;not null;index:idx_link_pair,unique;column:source_identifier_id" json:"source_identifier_id"`
	TargetID     uuid.UUID `gorm:"type:uuid;not null;index:idx_link_pair,unique;column:target_identifier_id" json:"target_identifier_id"`
	LinkType     string    `gorm:"not null;default:'observed';column:link_type" json:"link_type"`
	Confidence   float64   `gorm:"not null;default:0;column:confidence" json:"confidence"`
	Observations int64     `gorm:"not null;default:0;column:observations" json:"observations"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (IdentityLink) TableName() string { return "identity_link" }
