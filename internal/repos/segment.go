package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

type SegmentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, segment *types.Segment) (*types.Segment, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Segment, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.Segment, error)
	Save(ctx context.Context, tx *gorm.DB, segment *types.Segment) error
	SoftDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// ListRefreshDue returns active auto-refresh dynamic segments whose
	// refresh interval has elapsed.
	ListRefreshDue(ctx context.Context, tx *gorm.DB, now time.Time) ([]*types.Segment, error)
	SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error
}

type segmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSegmentRepo(db *gorm.DB, baseLog *logger.Logger) SegmentRepo {
	repoLog := baseLog.With("repo", "SegmentRepo")
	return &segmentRepo{db: db, log: repoLog}
}

func (r *segmentRepo) Create(ctx context.Context, tx *gorm.DB, segment *types.Segment) (*types.Segment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if err := transaction.WithContext(ctx).Create(segment).Error; err != nil {
		return nil, err
	}
	return segment, nil
}

func (r *segmentRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Segment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Segment
	if err := transaction.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *segmentRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.Segment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.Segment
	if err := transaction.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *segmentRepo) Save(ctx context.Context, tx *gorm.DB, segment *types.Segment) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).Save(segment).Error
}

func (r *segmentRepo) SoftDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Model(&types.Segment{}).
		Where("id = ?", id).
		Update("deleted_at", time.Now().UTC()).Error
}

func (r *segmentRepo) ListRefreshDue(ctx context.Context, tx *gorm.DB, now time.Time) ([]*types.Segment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.Segment
	if err := transaction.WithContext(ctx).
		Where("deleted_at IS NULL").
		Where("type = ? AND auto_refresh = ? AND status = ?", types.SegmentDynamic, true, types.SegmentStatusActive).
		Where("refresh_minutes > 0").
		Where("last_computed_at IS NULL OR last_computed_at <= ?", now.Add(-time.Minute)).
		Find(&results).Error; err != nil {
		return nil, err
	}

	due := results[:0]
	for _, s := range results {
		if s.LastComputedAt == nil {
			due = append(due, s)
			continue
		}
		if now.Sub(*s.LastComputedAt) >= time.Duration(s.RefreshMinutes)*time.Minute {
			due = append(due, s)
		}
	}
	return due, nil
}

func (r *segmentRepo) SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Model(&types.Segment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}
