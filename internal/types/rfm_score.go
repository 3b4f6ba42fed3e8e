package types

import (
	"time"

	"github.com/google/uuid"
)

// The eleven behavioral segments of the conventional RFM model.
const (
	RFMChampions         = "Champions"
	RFMLoyalCustomers    = "Loyal Customers"
	RFMPotentialLoyalist = "Potential Loyalist"
	RFMNewCustomers      = "New Customers"
	RFMPromising         = "Promising"
	RFMNeedAttention     = "Need Attention"
	RFMAboutToSleep      = "About To Sleep"
	RFMAtRisk            = "At Risk"
	RFMCannotLoseThem    = "Cannot Lose Them"
	RFMHibernating       = "Hibernating"
	RFMLost              = "Lost"
)

// RFMScore is the wholesale result of one scoring run for one profile.
// Component scores are population quintiles, not absolute thresholds, so a
// row is only meaningful relative to the run that produced it.
type RFMScore struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProfileID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex;column:profile_id" json:"profile_id"`
	RecencyDays    int       `gorm:"not null;column:recency_days" json:"recency_days"`
	Frequency      int64     `gorm:"not null;column:frequency" json:"frequency"`
	Monetary       float64   `gorm:"not null;column:monetary" json:"monetary"`
	RecencyScore   int       `gorm:"not null;column:recency_score" json:"recency_score"`
	FrequencyScore int       `gorm:"not null;column:frequency_score" json:"frequency_score"`
	MonetaryScore  int       `gorm:"not null;column:monetary_score" json:"monetary_score"`
	CombinedScore  int       `gorm:"not null;column:combined_score" json:"combined_score"`
	Segment        string    `gorm:"not null;index;column:segment" json:"segment"`
	WindowDays     int       `gorm:"not null;column:window_days" json:"window_days"`
	CalculatedAt   time.Time `gorm:"not null;column:calculated_at" json:"calculated_at"`
}

func (RFMScore) TableName() string { return "rfm_score" }
