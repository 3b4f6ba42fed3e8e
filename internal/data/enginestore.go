package data

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/types"
)

// EngineStore adapts the gorm repos to the engine's storage contracts
// (store.Store, store.RFMStore, store.SegmentStore). Inside InTx every
// call runs against the same transaction, which is what makes identifier
// ownership transfer all-or-nothing.
type EngineStore struct {
	db *gorm.DB
	tx *gorm.DB

	profiles    repos.ProfileRepo
	identifiers repos.IdentifierRepo
	links       repos.IdentityLinkRepo
	merges      repos.ProfileMergeRepo
	events      repos.EventRepo
	rfmScores   repos.RFMScoreRepo
	segments    repos.SegmentRepo
	members     repos.SegmentMemberRepo

	log *logger.Logger
}

func NewEngineStore(
	db *gorm.DB,
	baseLog *logger.Logger,
	profiles repos.ProfileRepo,
	identifiers repos.IdentifierRepo,
	links repos.IdentityLinkRepo,
	merges repos.ProfileMergeRepo,
	events repos.EventRepo,
	rfmScores repos.RFMScoreRepo,
	segments repos.SegmentRepo,
	members repos.SegmentMemberRepo,
) *EngineStore {
	return &EngineStore{
		db:          db,
		profiles:    profiles,
		identifiers: identifiers,
		links:       links,
		merges:      merges,
		events:      events,
		rfmScores:   rfmScores,
		segments:    segments,
		members:     members,
		log:         baseLog.With("component", "EngineStore"),
	}
}

var _ store.Store = (*EngineStore)(nil)
var _ store.RFMStore = (*EngineStore)(nil)
var _ store.SegmentStore = (*EngineStore)(nil)

func (s *EngineStore) conn() *gorm.DB {
	if s.tx != nil {
		return s.tx
	}
	return nil
}

func (s *EngineStore) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	base := s.db
	if s.tx != nil {
		base = s.tx
	}
	return base.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		clone := *s
		clone.tx = txn
		return fn(&clone)
	})
}

func notFoundNil[T any](result *T, err error) (*T, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *EngineStore) GetProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error) {
	return notFoundNil(s.profiles.GetByID(ctx, s.conn(), id))
}

func (s *EngineStore) CreateProfile(ctx context.Context, profile *types.Profile) error {
	_, err := s.profiles.Create(ctx, s.conn(), profile)
	return err
}

func (s *EngineStore) SaveProfile(ctx context.Context, profile *types.Profile) error {
	return s.profiles.Save(ctx, s.conn(), profile)
}

func (s *EngineStore) IdentifierByID(ctx context.Context, id uuid.UUID) (*types.Identifier, error) {
	return notFoundNil(s.identifiers.GetByID(ctx, s.conn(), id))
}

func (s *EngineStore) IdentifierByHash(ctx context.Context, identifierType, hash string) (*types.Identifier, error) {
	return notFoundNil(s.identifiers.GetByHash(ctx, s.conn(), identifierType, hash))
}

func (s *EngineStore) IdentifiersByProfile(ctx context.Context, profileID uuid.UUID) ([]*types.Identifier, error) {
	return s.identifiers.GetByProfileID(ctx, s.conn(), profileID)
}

func (s *EngineStore) CreateIdentifier(ctx context.Context, identifier *types.Identifier) error {
	_, err := s.identifiers.Create(ctx, s.conn(), identifier)
	return err
}

func (s *EngineStore) SaveIdentifier(ctx context.Context, identifier *types.Identifier) error {
	return s.identifiers.Save(ctx, s.conn(), identifier)
}

func (s *EngineStore) TouchIdentifier(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.identifiers.TouchLastSeen(ctx, s.conn(), id, at)
}

func (s *EngineStore) ReassignIdentifiers(ctx context.Context, identifierIDs []uuid.UUID, toProfileID uuid.UUID) error {
	return s.identifiers.ReassignProfile(ctx, s.conn(), identifierIDs, toProfileID)
}

func (s *EngineStore) LinkByPair(ctx context.Context, a, b uuid.UUID) (*types.IdentityLink, error) {
	return notFoundNil(s.links.GetByPair(ctx, s.conn(), a, b))
}

func (s *EngineStore) CreateLink(ctx context.Context, link *types.IdentityLink) error {
	_, err := s.links.Create(ctx, s.conn(), link)
	return err
}

func (s *EngineStore) SaveLink(ctx context.Context, link *types.IdentityLink) error {
	return s.links.Save(ctx, s.conn(), link)
}

func (s *EngineStore) LinksForIdentifiers(ctx context.Context, identifierIDs []uuid.UUID) ([]*types.IdentityLink, error) {
	return s.links.GetForIdentifiers(ctx, s.conn(), identifierIDs)
}

func (s *EngineStore) AppendMerge(ctx context.Context, merge *types.ProfileMerge) error {
	_, err := s.merges.Create(ctx, s.conn(), merge)
	return err
}

func (s *EngineStore) MergeByID(ctx context.Context, id uuid.UUID) (*types.ProfileMerge, error) {
	return notFoundNil(s.merges.GetByID(ctx, s.conn(), id))
}

func (s *EngineStore) MergesTouchingSince(ctx context.Context, profileIDs []uuid.UUID, since time.Time) ([]*types.ProfileMerge, error) {
	return s.merges.ListTouchingSince(ctx, s.conn(), profileIDs, since)
}

func (s *EngineStore) MarkMergeRolledBack(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.merges.MarkRolledBack(ctx, s.conn(), id, at)
}

func (s *EngineStore) ProfileIDsMergedInto(ctx context.Context, profileID uuid.UUID) ([]uuid.UUID, error) {
	return s.profiles.ListIDsMergedInto(ctx, s.conn(), profileID)
}

func (s *EngineStore) SetMergedInto(ctx context.Context, profileIDs []uuid.UUID, to *uuid.UUID) error {
	return s.profiles.SetMergedInto(ctx, s.conn(), profileIDs, to)
}

func (s *EngineStore) PurchaseStats(ctx context.Context, since time.Time) ([]store.PurchaseStats, error) {
	rows, err := s.events.PurchaseStats(ctx, s.conn(), since)
	if err != nil {
		return nil, err
	}
	out := make([]store.PurchaseStats, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.PurchaseStats{
			ProfileID:      row.ProfileID,
			PurchaseCount:  row.PurchaseCount,
			TotalRevenue:   row.TotalRevenue,
			LastPurchaseAt: row.LastPurchaseAt,
		})
	}
	return out, nil
}

func (s *EngineStore) UpsertScore(ctx context.Context, score *types.RFMScore) error {
	return s.rfmScores.Upsert(ctx, s.conn(), score)
}

func (s *EngineStore) MergeProfileTraits(ctx context.Context, profileID uuid.UUID, patch map[string]interface{}) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return s.profiles.PatchComputedTraits(ctx, s.conn(), profileID, raw)
}

func (s *EngineStore) ListProfilesBatch(ctx context.Context, afterID uuid.UUID, limit int) ([]*types.Profile, error) {
	return s.profiles.ListBatch(ctx, s.conn(), afterID, limit)
}

func (s *EngineStore) ReplaceMembers(ctx context.Context, segmentID uuid.UUID, profileIDs []uuid.UUID) error {
	return s.members.ReplaceMembers(ctx, s.conn(), segmentID, profileIDs)
}

func (s *EngineStore) SaveSegment(ctx context.Context, segment *types.Segment) error {
	return s.segments.Save(ctx, s.conn(), segment)
}

func (s *EngineStore) SetSegmentStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.segments.SetStatus(ctx, s.conn(), id, status)
}
