package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// RFMSegmentCount is one row of the population summary.
type RFMSegmentCount struct {
	Segment string `gorm:"column:segment" json:"segment"`
	Count   int64  `gorm:"column:count" json:"count"`
}

type RFMScoreRepo interface {
	// Upsert overwrites a profile's score wholesale; scoring has no partial
	// update path.
	Upsert(ctx context.Context, tx *gorm.DB, score *types.RFMScore) error
	GetByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) (*types.RFMScore, error)
	SummaryBySegment(ctx context.Context, tx *gorm.DB) ([]RFMSegmentCount, error)
	DeleteByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) error
}

type rfmScoreRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRFMScoreRepo(db *gorm.DB, baseLog *logger.Logger) RFMScoreRepo {
	repoLog := baseLog.With("repo", "RFMScoreRepo")
	return &rfmScoreRepo{db: db, log: repoLog}
}

func (r *rfmScoreRepo) Upsert(ctx context.Context, tx *gorm.DB, score *types.RFMScore) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "profile_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"recency_days", "frequency", "monetary",
				"recency_score", "frequency_score", "monetary_score",
				"combined_score", "segment", "window_days", "calculated_at",
			}),
		}).
		Create(score).Error
}

func (r *rfmScoreRepo) GetByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) (*types.RFMScore, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.RFMScore
	if err := transaction.WithContext(ctx).
		Where("profile_id = ?", profileID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *rfmScoreRepo) SummaryBySegment(ctx context.Context, tx *gorm.DB) ([]RFMSegmentCount, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []RFMSegmentCount
	if err := transaction.WithContext(ctx).
		Model(&types.RFMScore{}).
		Select("segment, COUNT(*) AS count").
		Group("segment").
		Order("count DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *rfmScoreRepo) DeleteByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Delete(&types.RFMScore{}).Error
}
