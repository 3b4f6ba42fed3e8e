package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// ProfileMergeRepo is append-only: rows are created, listed, and at most
// flagged rolled back. Nothing here rewrites history.
type ProfileMergeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, merge *types.ProfileMerge) (*types.ProfileMerge, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ProfileMerge, error)
	ListByProfile(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) ([]*types.ProfileMerge, error)
	ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.ProfileMerge, error)
	// ListTouchingSince returns non-reversal merges created after the given
	// time that involve any of the given profiles, the check behind
	// NotReversible.
	ListTouchingSince(ctx context.Context, tx *gorm.DB, profileIDs []uuid.UUID, since time.Time) ([]*types.ProfileMerge, error)
	MarkRolledBack(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error
}

type profileMergeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProfileMergeRepo(db *gorm.DB, baseLog *logger.Logger) ProfileMergeRepo {
	repoLog := baseLog.With("repo", "ProfileMergeRepo")
	return &profileMergeRepo{db: db, log: repoLog}
}

func (r *profileMergeRepo) Create(ctx context.Context, tx *gorm.DB, merge *types.ProfileMerge) (*types.ProfileMerge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if err := transaction.WithContext(ctx).Create(merge).Error; err != nil {
		return nil, err
	}
	return merge, nil
}

func (r *profileMergeRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ProfileMerge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.ProfileMerge
	if err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *profileMergeRepo) ListByProfile(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) ([]*types.ProfileMerge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.ProfileMerge
	if profileID == uuid.Nil {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("merged_profile_id = ? OR surviving_profile_id = ?", profileID, profileID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *profileMergeRepo) ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.ProfileMerge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var results []*types.ProfileMerge
	if err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *profileMergeRepo) ListTouchingSince(ctx context.Context, tx *gorm.DB, profileIDs []uuid.UUID, since time.Time) ([]*types.ProfileMerge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.ProfileMerge
	if len(profileIDs) == 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("is_reversal = ?", false).
		Where("created_at > ?", since).
		Where("merged_profile_id IN ? OR surviving_profile_id IN ?", profileIDs, profileIDs).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *profileMergeRepo) MarkRolledBack(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Model(&types.ProfileMerge{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_rolled_back": true,
			"rolled_back_at": at,
		}).Error
}
