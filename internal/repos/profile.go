package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// ProfileSearchFilter is the thin query surface behind /profiles/search and
// /profiles/export. Zero values mean "not filtered".
type ProfileSearchFilter struct {
	LifecycleStage  string
	MinTotalEvents  int64
	MinTotalRevenue float64
	SeenAfter       *time.Time
	IncludeMerged   bool
	Limit           int
	Offset          int
}

type ProfileRepo interface {
	Create(ctx context.Context, tx *gorm.DB, profile *types.Profile) (*types.Profile, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Profile, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Profile, error)
	Save(ctx context.Context, tx *gorm.DB, profile *types.Profile) error
	AddCounters(ctx context.Context, tx *gorm.DB, id uuid.UUID, delta types.Counters) error
	PatchComputedTraits(ctx context.Context, tx *gorm.DB, id uuid.UUID, patch []byte) error
	ListBatch(ctx context.Context, tx *gorm.DB, afterID uuid.UUID, limit int) ([]*types.Profile, error)
	Search(ctx context.Context, tx *gorm.DB, filter ProfileSearchFilter) ([]*types.Profile, int64, error)
	ListIDsMergedInto(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) ([]uuid.UUID, error)
	SetMergedInto(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, to *uuid.UUID) error
}

type profileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProfileRepo(db *gorm.DB, baseLog *logger.Logger) ProfileRepo {
	repoLog := baseLog.With("repo", "ProfileRepo")
	return &profileRepo{db: db, log: repoLog}
}

func (r *profileRepo) Create(ctx context.Context, tx *gorm.DB, profile *types.Profile) (*types.Profile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if err := transaction.WithContext(ctx).Create(profile).Error; err != nil {
		return nil, err
	}
	return profile, nil
}

func (r *profileRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Profile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Profile
	if err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *profileRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Profile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.Profile
	if len(ids) == 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *profileRepo) Save(ctx context.Context, tx *gorm.DB, profile *types.Profile) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).Save(profile).Error
}

func (r *profileRepo) AddCounters(ctx context.Context, tx *gorm.DB, id uuid.UUID, delta types.Counters) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Model(&types.Profile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_events":    gorm.Expr("total_events + ?", delta.Events),
			"total_sessions":  gorm.Expr("total_sessions + ?", delta.Sessions),
			"total_purchases": gorm.Expr("total_purchases + ?", delta.Purchases),
			"total_revenue":   gorm.Expr("total_revenue + ?", delta.Revenue),
			"updated_at":      time.Now().UTC(),
		}).Error
}

// PatchComputedTraits merges patch into computed_traits in a single UPDATE.
// The statement touches only the traits column and skips tombstoned rows, so
// it cannot revert a concurrent merge's ownership transfer or counters.
func (r *profileRepo) PatchComputedTraits(ctx context.Context, tx *gorm.DB, id uuid.UUID, patch []byte) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Model(&types.Profile{}).
		Where("id = ? AND merged_into IS NULL", id).
		Updates(map[string]interface{}{
			"computed_traits": gorm.Expr("COALESCE(computed_traits, '{}'::jsonb) || ?::jsonb", string(patch)),
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (r *profileRepo) ListBatch(ctx context.Context, tx *gorm.DB, afterID uuid.UUID, limit int) ([]*types.Profile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if limit <= 0 {
		limit = 500
	}

	var results []*types.Profile
	q := transaction.WithContext(ctx).
		Where("merged_into IS NULL").
		Order("id ASC").
		Limit(limit)
	if afterID != uuid.Nil {
		q = q.Where("id > ?", afterID)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *profileRepo) Search(ctx context.Context, tx *gorm.DB, filter ProfileSearchFilter) ([]*types.Profile, int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	q := transaction.WithContext(ctx).Model(&types.Profile{})
	if !filter.IncludeMerged {
		q = q.Where("merged_into IS NULL")
	}
	if filter.LifecycleStage != "" {
		q = q.Where("lifecycle_stage = ?", filter.LifecycleStage)
	}
	if filter.MinTotalEvents > 0 {
		q = q.Where("total_events >= ?", filter.MinTotalEvents)
	}
	if filter.MinTotalRevenue > 0 {
		q = q.Where("total_revenue >= ?", filter.MinTotalRevenue)
	}
	if filter.SeenAfter != nil {
		q = q.Where("last_seen_at >= ?", *filter.SeenAfter)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var results []*types.Profile
	if err := q.Order("last_seen_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&results).Error; err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (r *profileRepo) ListIDsMergedInto(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) ([]uuid.UUID, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var ids []uuid.UUID
	if err := transaction.WithContext(ctx).
		Model(&types.Profile{}).
		Where("merged_into = ?", profileID).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *profileRepo) SetMergedInto(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, to *uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(ids) == 0 {
		return nil
	}

	return transaction.WithContext(ctx).
		Model(&types.Profile{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"merged_into": to,
			"updated_at":  time.Now().UTC(),
		}).Error
}
