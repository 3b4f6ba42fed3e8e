package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

type SegmentMemberRepo interface {
	Add(ctx context.Context, tx *gorm.DB, segmentID, profileID uuid.UUID) error
	Remove(ctx context.Context, tx *gorm.DB, segmentID, profileID uuid.UUID) error
	// ReplaceMembers swaps a segment's full materialized membership in one
	// transaction.
	ReplaceMembers(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID, profileIDs []uuid.UUID) error
	ListProfileIDs(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID, limit int) ([]uuid.UUID, error)
	Count(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID) (int64, error)
	DeleteBySegment(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID) error
}

type segmentMemberRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSegmentMemberRepo(db *gorm.DB, baseLog *logger.Logger) SegmentMemberRepo {
	repoLog := baseLog.With("repo", "SegmentMemberRepo")
	return &segmentMemberRepo{db: db, log: repoLog}
}

func (r *segmentMemberRepo) Add(ctx context.Context, tx *gorm.DB, segmentID, profileID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	member := &types.SegmentMember{
		SegmentID: segmentID,
		ProfileID: profileID,
		AddedAt:   time.Now().UTC(),
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(member).Error
}

func (r *segmentMemberRepo) Remove(ctx context.Context, tx *gorm.DB, segmentID, profileID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Where("segment_id = ? AND profile_id = ?", segmentID, profileID).
		Delete(&types.SegmentMember{}).Error
}

func (r *segmentMemberRepo) ReplaceMembers(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID, profileIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).Transaction(func(innerTx *gorm.DB) error {
		if err := innerTx.
			Where("segment_id = ?", segmentID).
			Delete(&types.SegmentMember{}).Error; err != nil {
			return err
		}
		if len(profileIDs) == 0 {
			return nil
		}
		now := time.Now().UTC()
		members := make([]*types.SegmentMember, 0, len(profileIDs))
		for _, pid := range profileIDs {
			members = append(members, &types.SegmentMember{
				SegmentID: segmentID,
				ProfileID: pid,
				AddedAt:   now,
			})
		}
		return innerTx.CreateInBatches(&members, 500).Error
	})
}

func (r *segmentMemberRepo) ListProfileIDs(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID, limit int) ([]uuid.UUID, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var ids []uuid.UUID
	if err := transaction.WithContext(ctx).
		Model(&types.SegmentMember{}).
		Where("segment_id = ?", segmentID).
		Order("added_at ASC").
		Limit(limit).
		Pluck("profile_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *segmentMemberRepo) Count(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.SegmentMember{}).
		Where("segment_id = ?", segmentID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *segmentMemberRepo) DeleteBySegment(ctx context.Context, tx *gorm.DB, segmentID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Where("segment_id = ?", segmentID).
		Delete(&types.SegmentMember{}).Error
}
