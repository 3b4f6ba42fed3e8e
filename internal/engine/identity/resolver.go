package identity

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/engine/locks"
	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

// Config carries the identity-graph tunables. They arrive as explicit
// parameters from the process entrypoint, never from process-wide mutable
// state, so concurrent callers with different settings cannot interfere.
type Config struct {
	// BaseConfidence is the confidence a fresh edge starts at.
	BaseConfidence float64
	// ConfidenceIncrement is added per repeated observation, capped at 1.0.
	ConfidenceIncrement float64
	// MergeThreshold is the edge confidence at which a cross-profile link
	// becomes a merge candidate.
	MergeThreshold float64
	// MaxRedirectHops bounds merged_into chain traversal during resolve.
	MaxRedirectHops int
	// LockWait bounds how long a single-profile lock acquisition may block.
	LockWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseConfidence:      0.1,
		ConfidenceIncrement: 0.1,
		MergeThreshold:      0.8,
		MaxRedirectHops:     5,
		LockWait:            2 * time.Second,
	}
}

// MergeCandidate is a cross-profile pair whose edge confidence crossed the
// auto-merge threshold. Source is the younger profile, Target the older
// survivor-to-be.
type MergeCandidate struct {
	SourceProfileID uuid.UUID `json:"source_profile_id"`
	TargetProfileID uuid.UUID `json:"target_profile_id"`
	Confidence      float64   `json:"confidence"`
}

// LinkResult reports the upserted edge plus the merge candidate, if the
// observation produced one.
type LinkResult struct {
	Link      *types.IdentityLink
	Candidate *MergeCandidate
}

type Resolver struct {
	store store.Store
	locks *locks.Manager
	cfg   Config
	log   *logger.Logger
}

func NewResolver(st store.Store, lockMgr *locks.Manager, cfg Config, baseLog *logger.Logger) *Resolver {
	return &Resolver{
		store: st,
		locks: lockMgr,
		cfg:   cfg,
		log:   baseLog.With("component", "IdentityResolver"),
	}
}

// Resolve returns the profile owning the identifier hash, creating a new
// profile plus identifier node when the hash is unseen. A hash owned by a
// tombstoned profile transparently re-resolves to the surviving profile;
// the stale id never surfaces to callers.
func (r *Resolver) Resolve(ctx context.Context, identifierType, hash string) (*types.Profile, bool, error) {
	if !types.ValidIdentifierType(identifierType) {
		return nil, false, apierr.Newf(apierr.KindInvalidArgument, "unknown identifier type %q", identifierType)
	}
	if hash == "" {
		return nil, false, apierr.New(apierr.KindInvalidArgument, "empty identifier hash")
	}

	identifier, err := r.store.IdentifierByHash(ctx, identifierType, hash)
	if err != nil {
		return nil, false, err
	}
	if identifier != nil {
		profile, err := r.followRedirects(ctx, identifier.ProfileID)
		if err != nil {
			return nil, false, err
		}
		// Column-scoped touch. Resolve holds no profile lock, so a full-row
		// save here could race a merge's ownership transfer and hand the
		// identifier back to the tombstoned profile.
		if err := r.store.TouchIdentifier(ctx, identifier.ID, time.Now().UTC()); err != nil {
			return nil, false, err
		}
		return profile, false, nil
	}

	now := time.Now().UTC()
	profile := &types.Profile{
		ID:             uuid.New(),
		LifecycleStage: initialStage(identifierType),
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}
	node := &types.Identifier{
		ID:           uuid.New(),
		Type:         identifierType,
		Hash:         hash,
		PriorityRank: types.PriorityRank(identifierType),
		ProfileID:    profile.ID,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	canonicalID := node.ID
	profile.CanonicalID = &canonicalID

	err = r.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateProfile(ctx, profile); err != nil {
			return err
		}
		return tx.CreateIdentifier(ctx, node)
	})
	if err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

// Attach adds a new identifier hash to an existing profile, under the
// profile lock, and recomputes canonical identity. A profile merged away
// before the lock was won redirects to its survivor. Used when an event
// carries several identifiers and the secondary ones are unseen.
func (r *Resolver) Attach(ctx context.Context, profileID uuid.UUID, identifierType, hash string, verified bool) (*types.Identifier, error) {
	if !types.ValidIdentifierType(identifierType) {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "unknown identifier type %q", identifierType)
	}

	profile, release, err := r.lockLiveProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	node := &types.Identifier{
		ID:           uuid.New(),
		Type:         identifierType,
		Hash:         hash,
		PriorityRank: types.PriorityRank(identifierType),
		Verified:     verified,
		ProfileID:    profile.ID,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	if err := r.store.CreateIdentifier(ctx, node); err != nil {
		return nil, err
	}

	if stage := upgradeStage(profile.LifecycleStage, identifierType); stage != profile.LifecycleStage {
		profile.LifecycleStage = stage
	}
	if err := RecomputeCanonical(ctx, r.store, profile); err != nil {
		return nil, err
	}
	return node, nil
}

// Link upserts the undirected edge between two identifier nodes: confidence
// climbs by the configured increment per observation, capped at 1.0, and
// never decreases here. When the edge spans two live profiles and crosses
// the merge threshold, the result carries a merge candidate.
func (r *Resolver) Link(ctx context.Context, a, b uuid.UUID, linkType string) (*LinkResult, error) {
	if a == b {
		return nil, apierr.New(apierr.KindInvalidArgument, "cannot link an identifier to itself")
	}
	if linkType != types.LinkObserved && linkType != types.LinkInferred {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "unknown link type %q", linkType)
	}

	identA, err := r.store.IdentifierByID(ctx, a)
	if err != nil {
		return nil, err
	}
	identB, err := r.store.IdentifierByID(ctx, b)
	if err != nil {
		return nil, err
	}
	if identA == nil || identB == nil {
		return nil, apierr.New(apierr.KindNotFound, "identifier not found")
	}

	link, err := r.store.LinkByPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if link == nil {
		src, tgt := a, b
		if bytes.Compare(src[:], tgt[:]) > 0 {
			src, tgt = tgt, src
		}
		link = &types.IdentityLink{
			ID:           uuid.New(),
			SourceID:     src,
			TargetID:     tgt,
			LinkType:     linkType,
			Confidence:   r.cfg.BaseConfidence,
			Observations: 1,
		}
		if err := r.store.CreateLink(ctx, link); err != nil {
			return nil, err
		}
	} else {
		link.Confidence += r.cfg.ConfidenceIncrement
		if link.Confidence > 1.0 {
			link.Confidence = 1.0
		}
		link.Observations++
		if link.LinkType == types.LinkInferred && linkType == types.LinkObserved {
			link.LinkType = types.LinkObserved
		}
		if err := r.store.SaveLink(ctx, link); err != nil {
			return nil, err
		}
	}

	result := &LinkResult{Link: link}
	if identA.ProfileID != identB.ProfileID && link.Confidence >= r.cfg.MergeThreshold {
		candidate, err := r.candidate(ctx, identA.ProfileID, identB.ProfileID, link.Confidence)
		if err != nil {
			return nil, err
		}
		result.Candidate = candidate
	}
	return result, nil
}

func (r *Resolver) candidate(ctx context.Context, profileA, profileB uuid.UUID, confidence float64) (*MergeCandidate, error) {
	pa, err := r.followRedirects(ctx, profileA)
	if err != nil {
		return nil, err
	}
	pb, err := r.followRedirects(ctx, profileB)
	if err != nil {
		return nil, err
	}
	if pa.ID == pb.ID {
		// Redirection collapsed the pair; an earlier merge already
		// unified them.
		return nil, nil
	}

	source, target := pa, pb
	if source.CreatedAt.Before(target.CreatedAt) ||
		(source.CreatedAt.Equal(target.CreatedAt) && bytes.Compare(source.ID[:], target.ID[:]) < 0) {
		source, target = target, source
	}
	return &MergeCandidate{
		SourceProfileID: source.ID,
		TargetProfileID: target.ID,
		Confidence:      confidence,
	}, nil
}

// lockLiveProfile acquires the lock for profileID and re-reads the profile
// under it. A profile merged away while the caller waited on the lock is
// released and the chase restarts on the survivor, bounded by the redirect
// hop limit. On success the returned profile is live and its lock is held.
func (r *Resolver) lockLiveProfile(ctx context.Context, profileID uuid.UUID) (*types.Profile, func(), error) {
	current := profileID
	for hop := 0; hop <= r.cfg.MaxRedirectHops; hop++ {
		release, err := r.locks.Acquire(ctx, current, r.cfg.LockWait)
		if err != nil {
			return nil, nil, err
		}
		profile, err := r.store.GetProfile(ctx, current)
		if err != nil {
			release()
			return nil, nil, err
		}
		if profile == nil {
			release()
			return nil, nil, apierr.Newf(apierr.KindNotFound, "profile %s not found", current)
		}
		if profile.MergedInto == nil {
			return profile, release, nil
		}
		next := *profile.MergedInto
		release()
		current = next
	}
	return nil, nil, apierr.Newf(apierr.KindAlreadyMerged, "merge redirection exceeded %d hops from profile %s", r.cfg.MaxRedirectHops, profileID)
}

func (r *Resolver) followRedirects(ctx context.Context, profileID uuid.UUID) (*types.Profile, error) {
	current := profileID
	for hop := 0; hop <= r.cfg.MaxRedirectHops; hop++ {
		profile, err := r.store.GetProfile(ctx, current)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, apierr.Newf(apierr.KindNotFound, "profile %s not found", current)
		}
		if profile.MergedInto == nil {
			return profile, nil
		}
		current = *profile.MergedInto
	}
	return nil, apierr.Newf(apierr.KindAlreadyMerged, "merge redirection exceeded %d hops from profile %s", r.cfg.MaxRedirectHops, profileID)
}

func initialStage(identifierType string) string {
	switch identifierType {
	case types.IdentifierEmail, types.IdentifierPhone:
		return types.LifecycleKnown
	default:
		return types.LifecycleAnonymous
	}
}

func upgradeStage(current, identifierType string) string {
	if current != types.LifecycleAnonymous {
		return current
	}
	switch identifierType {
	case types.IdentifierEmail, types.IdentifierPhone:
		return types.LifecycleKnown
	default:
		return current
	}
}
