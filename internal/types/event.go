package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const EventPurchase = "purchase"

// Event is one attributed raw event. Upstream collectors deliver these with
// identifier hashes attached; by the time a row lands here it has been
// resolved to exactly one profile. Purchase events back the RFM window
// aggregates, everything else only feeds the profile counters.
type Event struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProfileID  uuid.UUID      `gorm:"type:uuid;not null;index;column:profile_id" json:"profile_id"`
	Type       string         `gorm:"not null;index;column:type" json:"type"`
	SessionID  string         `gorm:"column:session_id" json:"session_id,omitempty"`
	Revenue    float64        `gorm:"not null;default:0;column:revenue" json:"revenue"`
	Data       datatypes.JSON `gorm:"type:jsonb;column:data" json:"data,omitempty"`
	OccurredAt time.Time      `gorm:"not null;index;column:occurred_at" json:"occurred_at"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (Event) TableName() string { return "event" }
