package repos

import (
	"bytes"
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// NormalizeLinkPair orders an identifier pair so the undirected edge is
// stored once regardless of observation direction.
func NormalizeLinkPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}

type IdentityLinkRepo interface {
	Create(ctx context.Context, tx *gorm.DB, link *types.IdentityLink) (*types.IdentityLink, error)
	GetByPair(ctx context.Context, tx *gorm.DB, a, b uuid.UUID) (*types.IdentityLink, error)
	GetForIdentifiers(ctx context.Context, tx *gorm.DB, identifierIDs []uuid.UUID) ([]*types.IdentityLink, error)
	Save(ctx context.Context, tx *gorm.DB, link *types.IdentityLink) error
}

type identityLinkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIdentityLinkRepo(db *gorm.DB, baseLog *logger.Logger) IdentityLinkRepo {
	repoLog := baseLog.With("repo", "IdentityLinkRepo")
	return &identityLinkRepo{db: db, log: repoLog}
}

func (r *identityLinkRepo) Create(ctx context.Context, tx *gorm.DB, link *types.IdentityLink) (*types.IdentityLink, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	link.SourceID, link.TargetID = NormalizeLinkPair(link.SourceID, link.TargetID)
	if err := transaction.WithContext(ctx).Create(link).Error; err != nil {
		return nil, err
	}
	return link, nil
}

func (r *identityLinkRepo) GetByPair(ctx context.Context, tx *gorm.DB, a, b uuid.UUID) (*types.IdentityLink, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	src, tgt := NormalizeLinkPair(a, b)
	var result types.IdentityLink
	if err := transaction.WithContext(ctx).
		Where("source_identifier_id = ? AND target_identifier_id = ?", src, tgt).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *identityLinkRepo) GetForIdentifiers(ctx context.Context, tx *gorm.DB, identifierIDs []uuid.UUID) ([]*types.IdentityLink, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.IdentityLink
	if len(identifierIDs) == 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("source_identifier_id IN ? OR target_identifier_id IN ?", identifierIDs, identifierIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *identityLinkRepo) Save(ctx context.Context, tx *gorm.DB, link *types.IdentityLink) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).Save(link).Error
}
