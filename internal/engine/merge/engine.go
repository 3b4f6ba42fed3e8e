package merge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/engine/identity"
	"github.com/atlascdp/identity-backend/internal/engine/locks"
	"github.com/atlascdp/identity-backend/internal/engine/store"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/types"
)

type Config struct {
	// LockWait bounds each two-lock acquisition attempt.
	LockWait time.Duration
	// MaxLockRetries bounds retries on lock contention before Busy
	// surfaces to the caller.
	MaxLockRetries int
	// RetryBackoff is the pause between contended attempts.
	RetryBackoff time.Duration
	// MaxRedirects bounds tombstone redirection before AlreadyMerged
	// surfaces.
	MaxRedirects int
}

func DefaultConfig() Config {
	return Config{
		LockWait:       2 * time.Second,
		MaxLockRetries: 3,
		RetryBackoff:   50 * time.Millisecond,
		MaxRedirects:   3,
	}
}

// Engine performs profile merges and rollbacks. It is the only component
// in the system that holds two profile locks at once, always acquired in
// ascending id order through the lock manager.
type Engine struct {
	store store.Store
	locks *locks.Manager
	cfg   Config
	log   *logger.Logger
}

func NewEngine(st store.Store, lockMgr *locks.Manager, cfg Config, baseLog *logger.Logger) *Engine {
	return &Engine{
		store: st,
		locks: lockMgr,
		cfg:   cfg,
		log:   baseLog.With("component", "MergeEngine"),
	}
}

// Merge unions the source profile into the target: identifier ownership
// moves all-or-nothing, counters add, canonical identity recomputes, the
// source is tombstoned, and an append-only ProfileMerge row captures
// enough pre-merge state to reverse everything.
func (e *Engine) Merge(ctx context.Context, sourceID, targetID uuid.UUID, reason string) (*types.ProfileMerge, error) {
	if !types.ValidMergeReason(reason) {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "unknown merge reason %q", reason)
	}
	if sourceID == targetID {
		return nil, apierr.New(apierr.KindInvalidArgument, "cannot merge a profile into itself")
	}

	var result *types.ProfileMerge
	redirects := 0
	for attempt := 0; ; attempt++ {
		merged, redirectSource, redirectTarget, err := e.tryMerge(ctx, sourceID, targetID, reason)
		if err == nil {
			result = merged
			break
		}
		if apierr.IsBusy(err) && attempt < e.cfg.MaxLockRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff):
			}
			continue
		}
		if apierr.IsAlreadyMerged(err) && (redirectSource != uuid.Nil || redirectTarget != uuid.Nil) {
			redirects++
			if redirects > e.cfg.MaxRedirects {
				return nil, apierr.Newf(apierr.KindAlreadyMerged, "merge redirection exceeded %d hops", e.cfg.MaxRedirects)
			}
			if redirectSource != uuid.Nil {
				sourceID = redirectSource
			}
			if redirectTarget != uuid.Nil {
				targetID = redirectTarget
			}
			if sourceID == targetID {
				return nil, apierr.New(apierr.KindAlreadyMerged, "profiles already merged")
			}
			continue
		}
		return nil, err
	}

	e.log.Info("Profiles merged",
		"merge_id", result.ID,
		"merged_profile_id", result.MergedProfileID,
		"surviving_profile_id", result.SurvivingProfileID,
		"reason", reason,
	)
	return result, nil
}

// tryMerge runs one locked merge attempt. When a participant turns out to
// be tombstoned it returns AlreadyMerged together with the redirect
// target(s) so the caller can retry against the survivors.
func (e *Engine) tryMerge(ctx context.Context, sourceID, targetID uuid.UUID, reason string) (*types.ProfileMerge, uuid.UUID, uuid.UUID, error) {
	release, err := e.locks.AcquireTwo(ctx, sourceID, targetID, e.cfg.LockWait)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	defer release()

	source, err := e.store.GetProfile(ctx, sourceID)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	target, err := e.store.GetProfile(ctx, targetID)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	if source == nil {
		return nil, uuid.Nil, uuid.Nil, apierr.Newf(apierr.KindNotFound, "source profile %s not found", sourceID)
	}
	if target == nil {
		return nil, uuid.Nil, uuid.Nil, apierr.Newf(apierr.KindNotFound, "target profile %s not found", targetID)
	}

	var redirectSource, redirectTarget uuid.UUID
	if source.Tombstoned() {
		redirectSource = *source.MergedInto
	}
	if target.Tombstoned() {
		redirectTarget = *target.MergedInto
	}
	if redirectSource != uuid.Nil || redirectTarget != uuid.Nil {
		return nil, redirectSource, redirectTarget, apierr.New(apierr.KindAlreadyMerged, "participant already merged")
	}

	sourceIdents, err := e.store.IdentifiersByProfile(ctx, source.ID)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	targetIdents, err := e.store.IdentifiersByProfile(ctx, target.ID)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	redirected, err := e.store.ProfileIDsMergedInto(ctx, source.ID)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}

	snapshot := types.MergeSnapshot{
		SourceCounters:       source.Counters(),
		TargetCounters:       target.Counters(),
		SourceIdentifierIDs:  identifierIDs(sourceIdents),
		TargetIdentifierIDs:  identifierIDs(targetIdents),
		SourceLifecycleStage: source.LifecycleStage,
		TargetLifecycleStage: target.LifecycleStage,
		SourceCanonicalID:    source.CanonicalID,
		TargetCanonicalID:    target.CanonicalID,
		RedirectedProfileIDs: redirected,
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}

	now := time.Now().UTC()
	record := &types.ProfileMerge{
		ID:                 uuid.New(),
		MergedProfileID:    source.ID,
		SurvivingProfileID: target.ID,
		Reason:             reason,
		MergedEvents:       source.TotalEvents,
		MergedIdentifiers:  len(sourceIdents),
		Snapshot:           snapshotJSON,
		CreatedAt:          now,
	}

	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.ReassignIdentifiers(ctx, snapshot.SourceIdentifierIDs, target.ID); err != nil {
			return err
		}

		// Both locks are held, so counter updates go through the loaded
		// structs and a single save rather than a second in-place add.
		target.TotalEvents += snapshot.SourceCounters.Events
		target.TotalSessions += snapshot.SourceCounters.Sessions
		target.TotalPurchases += snapshot.SourceCounters.Purchases
		target.TotalRevenue += snapshot.SourceCounters.Revenue
		target.LifecycleStage = higherStage(target.LifecycleStage, source.LifecycleStage)
		if source.LastSeenAt.After(target.LastSeenAt) {
			target.LastSeenAt = source.LastSeenAt
		}
		if source.LastPurchaseAt != nil &&
			(target.LastPurchaseAt == nil || source.LastPurchaseAt.After(*target.LastPurchaseAt)) {
			target.LastPurchaseAt = source.LastPurchaseAt
		}
		if err := identity.RecomputeCanonical(ctx, tx, target); err != nil {
			return err
		}

		survivorID := target.ID
		source.MergedInto = &survivorID
		source.CanonicalID = nil
		if err := tx.SaveProfile(ctx, source); err != nil {
			return err
		}
		if err := tx.SetMergedInto(ctx, snapshot.RedirectedProfileIDs, &survivorID); err != nil {
			return err
		}

		return tx.AppendMerge(ctx, record)
	})
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	return record, uuid.Nil, uuid.Nil, nil
}

// Rollback reverses a merge: identifiers re-split to the source, counters
// subtract from the target, the source tombstone lifts, canonical identity
// recomputes on both sides, and a reversal row is appended. History is
// never mutated beyond flagging the original record rolled back.
//
// Rollback is rejected with NotReversible, never blocked, if any later
// merge has touched either profile or if the snapshot identifier set has
// drifted out from under the target.
func (e *Engine) Rollback(ctx context.Context, mergeID uuid.UUID) (*types.ProfileMerge, error) {
	record, err := e.store.MergeByID(ctx, mergeID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apierr.Newf(apierr.KindNotFound, "merge %s not found", mergeID)
	}
	if record.IsReversal {
		return nil, apierr.New(apierr.KindInvalidArgument, "cannot roll back a reversal record")
	}
	if record.IsRolledBack {
		return nil, apierr.Newf(apierr.KindNotReversible, "merge %s already rolled back", mergeID)
	}

	var snapshot types.MergeSnapshot
	if err := json.Unmarshal(record.Snapshot, &snapshot); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "merge snapshot unreadable", err)
	}

	release, err := e.locks.AcquireTwo(ctx, record.MergedProfileID, record.SurvivingProfileID, e.cfg.LockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	source, err := e.store.GetProfile(ctx, record.MergedProfileID)
	if err != nil {
		return nil, err
	}
	target, err := e.store.GetProfile(ctx, record.SurvivingProfileID)
	if err != nil {
		return nil, err
	}
	if source == nil || target == nil {
		return nil, apierr.New(apierr.KindNotFound, "merge participant no longer exists")
	}

	later, err := e.store.MergesTouchingSince(ctx, []uuid.UUID{source.ID, target.ID}, record.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, m := range later {
		if m.ID != record.ID && !m.IsRolledBack {
			return nil, apierr.Newf(apierr.KindNotReversible, "merge %s superseded by merge %s", record.ID, m.ID)
		}
	}
	if target.Tombstoned() {
		return nil, apierr.Newf(apierr.KindNotReversible, "surviving profile %s has itself been merged", target.ID)
	}

	// The snapshot identifier set must still live on the survivor intact;
	// if ingestion moved any of them the split is no longer well defined.
	currentIdents, err := e.store.IdentifiersByProfile(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	owned := make(map[uuid.UUID]bool, len(currentIdents))
	for _, ident := range currentIdents {
		owned[ident.ID] = true
	}
	for _, id := range snapshot.SourceIdentifierIDs {
		if !owned[id] {
			return nil, apierr.Newf(apierr.KindNotReversible, "identifier %s no longer owned by surviving profile", id)
		}
	}

	now := time.Now().UTC()
	reversal := &types.ProfileMerge{
		ID:                 uuid.New(),
		MergedProfileID:    record.MergedProfileID,
		SurvivingProfileID: record.SurvivingProfileID,
		Reason:             record.Reason,
		MergedEvents:       record.MergedEvents,
		MergedIdentifiers:  record.MergedIdentifiers,
		Snapshot:           record.Snapshot,
		IsRolledBack:       true,
		IsReversal:         true,
		ReversalOf:         &record.ID,
		RolledBackAt:       &now,
		CreatedAt:          now,
	}

	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.ReassignIdentifiers(ctx, snapshot.SourceIdentifierIDs, source.ID); err != nil {
			return err
		}

		source.MergedInto = nil
		source.LifecycleStage = snapshot.SourceLifecycleStage
		source.TotalEvents = snapshot.SourceCounters.Events
		source.TotalSessions = snapshot.SourceCounters.Sessions
		source.TotalPurchases = snapshot.SourceCounters.Purchases
		source.TotalRevenue = snapshot.SourceCounters.Revenue
		if err := identity.RecomputeCanonical(ctx, tx, source); err != nil {
			return err
		}

		target.TotalEvents -= snapshot.SourceCounters.Events
		target.TotalSessions -= snapshot.SourceCounters.Sessions
		target.TotalPurchases -= snapshot.SourceCounters.Purchases
		target.TotalRevenue -= snapshot.SourceCounters.Revenue
		target.LifecycleStage = snapshot.TargetLifecycleStage
		if err := identity.RecomputeCanonical(ctx, tx, target); err != nil {
			return err
		}

		sourceID := source.ID
		if err := tx.SetMergedInto(ctx, snapshot.RedirectedProfileIDs, &sourceID); err != nil {
			return err
		}
		if err := tx.MarkMergeRolledBack(ctx, record.ID, now); err != nil {
			return err
		}
		return tx.AppendMerge(ctx, reversal)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("Merge rolled back",
		"merge_id", record.ID,
		"reversal_id", reversal.ID,
		"merged_profile_id", record.MergedProfileID,
		"surviving_profile_id", record.SurvivingProfileID,
	)
	return reversal, nil
}

func identifierIDs(identifiers []*types.Identifier) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(identifiers))
	for _, ident := range identifiers {
		ids = append(ids, ident.ID)
	}
	return ids
}

var stageRank = map[string]int{
	types.LifecycleAnonymous: 0,
	types.LifecycleKnown:     1,
	types.LifecycleCustomer:  2,
	types.LifecycleChurned:   3,
}

func higherStage(a, b string) string {
	if stageRank[b] > stageRank[a] {
		return b
	}
	return a
}
