package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

type IdentifierRepo interface {
	Create(ctx context.Context, tx *gorm.DB, identifier *types.Identifier) (*types.Identifier, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Identifier, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Identifier, error)
	GetByHash(ctx context.Context, tx *gorm.DB, identifierType, hash string) (*types.Identifier, error)
	GetByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) ([]*types.Identifier, error)
	Save(ctx context.Context, tx *gorm.DB, identifier *types.Identifier) error
	TouchLastSeen(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error
	// ReassignProfile moves a set of identifier nodes to a new owning
	// profile in one statement, so ownership transfer inside a merge
	// transaction is all-or-nothing.
	ReassignProfile(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, toProfileID uuid.UUID) error
}

type identifierRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIdentifierRepo(db *gorm.DB, baseLog *logger.Logger) IdentifierRepo {
	repoLog := baseLog.With("repo", "IdentifierRepo")
	return &identifierRepo{db: db, log: repoLog}
}

func (r *identifierRepo) Create(ctx context.Context, tx *gorm.DB, identifier *types.Identifier) (*types.Identifier, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if err := transaction.WithContext(ctx).Create(identifier).Error; err != nil {
		return nil, err
	}
	return identifier, nil
}

func (r *identifierRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Identifier, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Identifier
	if err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *identifierRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Identifier, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.Identifier
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

func (r *identifierRepo) GetByHash(ctx context.Context, tx *gorm.DB, identifierType, hash string) (*types.Identifier, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Identifier
	if err := transaction.WithContext(ctx).
		Where("type = ? AND hash = ?", identifierType, hash).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *identifierRepo) GetByProfileID(ctx context.Context, tx *gorm.DB, profileID uuid.UUID) ([]*types.Identifier, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.Identifier
	if profileID == uuid.Nil {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("priority_rank ASC, last_seen_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *identifierRepo) Save(ctx context.Context, tx *gorm.DB, identifier *types.Identifier) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).Save(identifier).Error
}

func (r *identifierRepo) TouchLastSeen(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Model(&types.Identifier{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_seen_at": at,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (r *identifierRepo) ReassignProfile(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, toProfileID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(ids) == 0 {
		return nil
	}

	return transaction.WithContext(ctx).
		Model(&types.Identifier{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"profile_id": toProfileID,
			"updated_at": time.Now().UTC(),
		}).Error
}
