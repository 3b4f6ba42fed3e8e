package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// ProfilePurchaseStats is one profile's raw RFM input aggregated over an
// analysis window.
type ProfilePurchaseStats struct {
	ProfileID      uuid.UUID `gorm:"column:profile_id"`
	PurchaseCount  int64     `gorm:"column:purchase_count"`
	TotalRevenue   float64   `gorm:"column:total_revenue"`
	LastPurchaseAt time.Time `gorm:"column:last_purchase_at"`
}

type EventRepo interface {
	Create(ctx context.Context, tx *gorm.DB, events []*types.Event) ([]*types.Event, error)
	GetByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID, limit int) ([]*types.Event, error)
	// PurchaseStats aggregates purchase events newer than since, grouped by
	// the surviving owner of each event's profile (events are never
	// reassigned on merge; merged_into pointers resolve attribution).
	// Profiles with no purchase in the window simply do not appear.
	PurchaseStats(ctx context.Context, tx *gorm.DB, since time.Time) ([]ProfilePurchaseStats, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	repoLog := baseLog.With("repo", "EventRepo")
	return &eventRepo{db: db, log: repoLog}
}

func (r *eventRepo) Create(ctx context.Context, tx *gorm.DB, events []*types.Event) ([]*types.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(events) == 0 {
		return []*types.Event{}, nil
	}

	if err := transaction.WithContext(ctx).Create(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *eventRepo) GetByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID, limit int) ([]*types.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var results []*types.Event
	if profileID == uuid.Nil {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *eventRepo) PurchaseStats(ctx context.Context, tx *gorm.DB, since time.Time) ([]ProfilePurchaseStats, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	// Redirect chains are path-compressed to depth one during merges, so a
	// single COALESCE resolves every event to its live profile.
	var results []ProfilePurchaseStats
	if err := transaction.WithContext(ctx).
		Table("event AS e").
		Joins("JOIN profile AS p ON p.id = e.profile_id").
		Select("COALESCE(p.merged_into, e.profile_id) AS profile_id, COUNT(*) AS purchase_count, SUM(e.revenue) AS total_revenue, MAX(e.occurred_at) AS last_purchase_at").
		Where("e.type = ? AND e.occurred_at >= ?", types.EventPurchase, since).
		Group("COALESCE(p.merged_into, e.profile_id)").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
