package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/types"
)

// PurchaseStats is one profile's raw purchase aggregates inside an analysis
// window.
type PurchaseStats struct {
	ProfileID      uuid.UUID
	PurchaseCount  int64
	TotalRevenue   float64
	LastPurchaseAt time.Time
}

// Store is the persistence surface the identity and merge engines run on.
// Reads of missing rows return (nil, nil), not an error; the engines decide
// what absence means. InTx runs fn against a transactional view of the same
// store so identifier ownership transfer stays all-or-nothing.
type Store interface {
	InTx(ctx context.Context, fn func(tx Store) error) error

	GetProfile(ctx context.Context, id uuid.UUID) (*types.Profile, error)
	CreateProfile(ctx context.Context, profile *types.Profile) error
	SaveProfile(ctx context.Context, profile *types.Profile) error

	IdentifierByID(ctx context.Context, id uuid.UUID) (*types.Identifier, error)
	IdentifierByHash(ctx context.Context, identifierType, hash string) (*types.Identifier, error)
	IdentifiersByProfile(ctx context.Context, profileID uuid.UUID) ([]*types.Identifier, error)
	CreateIdentifier(ctx context.Context, identifier *types.Identifier) error
	SaveIdentifier(ctx context.Context, identifier *types.Identifier) error
	// TouchIdentifier updates last_seen_at only. Unlocked read paths must
	// use this rather than SaveIdentifier: a full-row save can revert a
	// concurrent merge's ownership transfer.
	TouchIdentifier(ctx context.Context, id uuid.UUID, at time.Time) error
	ReassignIdentifiers(ctx context.Context, identifierIDs []uuid.UUID, toProfileID uuid.UUID) error

	LinkByPair(ctx context.Context, a, b uuid.UUID) (*types.IdentityLink, error)
	CreateLink(ctx context.Context, link *types.IdentityLink) error
	SaveLink(ctx context.Context, link *types.IdentityLink) error
	LinksForIdentifiers(ctx context.Context, identifierIDs []uuid.UUID) ([]*types.IdentityLink, error)

	AppendMerge(ctx context.Context, merge *types.ProfileMerge) error
	MergeByID(ctx context.Context, id uuid.UUID) (*types.ProfileMerge, error)
	MergesTouchingSince(ctx context.Context, profileIDs []uuid.UUID, since time.Time) ([]*types.ProfileMerge, error)
	MarkMergeRolledBack(ctx context.Context, id uuid.UUID, at time.Time) error

	// ProfileIDsMergedInto lists tombstoned profiles currently redirecting
	// to the given profile; SetMergedInto re-points them. Together they keep
	// redirect chains path-compressed to depth one.
	ProfileIDsMergedInto(ctx context.Context, profileID uuid.UUID) ([]uuid.UUID, error)
	SetMergedInto(ctx context.Context, profileIDs []uuid.UUID, to *uuid.UUID) error
}

// RFMStore is the narrow read/write surface of a scoring run.
type RFMStore interface {
	PurchaseStats(ctx context.Context, since time.Time) ([]PurchaseStats, error)
	UpsertScore(ctx context.Context, score *types.RFMScore) error
	// MergeProfileTraits patches keys into a profile's computed_traits map,
	// leaving unrelated traits and every other column alone. Tombstoned
	// profiles are skipped; a scoring run never resurrects a merged row.
	MergeProfileTraits(ctx context.Context, profileID uuid.UUID, patch map[string]interface{}) error
}

// SegmentStore is the surface of segment materialization: batched profile
// scans plus membership swap.
type SegmentStore interface {
	ListProfilesBatch(ctx context.Context, afterID uuid.UUID, limit int) ([]*types.Profile, error)
	ReplaceMembers(ctx context.Context, segmentID uuid.UUID, profileIDs []uuid.UUID) error
	SaveSegment(ctx context.Context, segment *types.Segment) error
	SetSegmentStatus(ctx context.Context, id uuid.UUID, status string) error
}
