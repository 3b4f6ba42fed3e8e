package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/apierr"
	redisbus "github.com/atlascdp/identity-backend/internal/clients/redis"
	"github.com/atlascdp/identity-backend/internal/engine/identity"
	"github.com/atlascdp/identity-backend/internal/engine/locks"
	"github.com/atlascdp/identity-backend/internal/engine/merge"
	"github.com/atlascdp/identity-backend/internal/graph"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/types"
)

// IngestIdentifier is one hashed identity signal attached to an incoming
// event. The first identifier in the list drives profile resolution.
type IngestIdentifier struct {
	Type     string `json:"type"`
	Hash     string `json:"hash"`
	Verified bool   `json:"verified,omitempty"`
}

// IngestEvent is one raw event as delivered by upstream collectors.
type IngestEvent struct {
	Type        string             `json:"type"`
	SessionID   string             `json:"session_id,omitempty"`
	Revenue     float64            `json:"revenue,omitempty"`
	Data        json.RawMessage    `json:"data,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
	Identifiers []IngestIdentifier `json:"identifiers"`
}

// IngestResult reports what one batch did.
type IngestResult struct {
	Accepted        int                       `json:"accepted"`
	ProfilesCreated int                       `json:"profiles_created"`
	AutoMerges      int                       `json:"auto_merges,omitempty"`
	Candidates      []identity.MergeCandidate `json:"merge_candidates,omitempty"`
}

type EventService interface {
	Ingest(ctx context.Context, events []IngestEvent) (*IngestResult, error)
	ListByProfile(ctx context.Context, profileID uuid.UUID, limit int) ([]*types.Event, error)
}

type eventService struct {
	db             *gorm.DB
	log            *logger.Logger
	resolver       *identity.Resolver
	merger         *merge.Engine
	locks          *locks.Manager
	lockWait       time.Duration
	profileRepo    repos.ProfileRepo
	identifierRepo repos.IdentifierRepo
	eventRepo      repos.EventRepo
	bus            redisbus.EventBus
	graphClient    *graph.Client
	autoMerge      bool
}

func NewEventService(
	db *gorm.DB,
	baseLog *logger.Logger,
	resolver *identity.Resolver,
	merger *merge.Engine,
	lockMgr *locks.Manager,
	lockWait time.Duration,
	profileRepo repos.ProfileRepo,
	identifierRepo repos.IdentifierRepo,
	eventRepo repos.EventRepo,
	bus redisbus.EventBus,
	graphClient *graph.Client,
	autoMerge bool,
) EventService {
	return &eventService{
		db:             db,
		log:            baseLog.With("service", "EventService"),
		resolver:       resolver,
		merger:         merger,
		locks:          lockMgr,
		lockWait:       lockWait,
		profileRepo:    profileRepo,
		identifierRepo: identifierRepo,
		eventRepo:      eventRepo,
		bus:            bus,
		graphClient:    graphClient,
		autoMerge:      autoMerge,
	}
}

func (s *eventService) Ingest(ctx context.Context, events []IngestEvent) (*IngestResult, error) {
	if len(events) == 0 {
		return nil, apierr.New(apierr.KindInvalidArgument, "empty event batch")
	}

	result := &IngestResult{}
	for i := range events {
		if err := s.ingestOne(ctx, &events[i], result); err != nil {
			return nil, apierr.Wrap(apierr.KindOf(err), fmt.Sprintf("ingest event %d of %d", i, len(events)), err)
		}
		result.Accepted++
	}
	return result, nil
}

func (s *eventService) ingestOne(ctx context.Context, ev *IngestEvent, result *IngestResult) error {
	if len(ev.Identifiers) == 0 {
		return apierr.New(apierr.KindInvalidArgument, "event carries no identifiers")
	}
	if ev.Type == "" {
		return apierr.New(apierr.KindInvalidArgument, "event carries no type")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	profile, created, err := s.resolver.Resolve(ctx, ev.Identifiers[0].Type, ev.Identifiers[0].Hash)
	if err != nil {
		return err
	}
	if created {
		result.ProfilesCreated++
	}

	nodes, err := s.attachSecondary(ctx, profile, ev.Identifiers)
	if err != nil {
		return err
	}

	var candidates []identity.MergeCandidate
	if err := s.linkPairs(ctx, nodes, ev.Identifiers[0].Verified, &candidates); err != nil {
		return err
	}

	for _, c := range candidates {
		if s.autoMerge {
			if _, err := s.merger.Merge(ctx, c.SourceProfileID, c.TargetProfileID, types.MergeReasonIdentityMatch); err != nil {
				if apierr.IsBusy(err) || apierr.IsAlreadyMerged(err) {
					s.log.Warn("auto-merge skipped", "error", err,
						"source_profile_id", c.SourceProfileID, "target_profile_id", c.TargetProfileID)
					continue
				}
				return err
			}
			result.AutoMerges++
			if err := graph.MirrorMerge(ctx, s.graphClient, c.SourceProfileID, c.TargetProfileID); err != nil {
				s.log.Warn("graph mirror merge failed", "error", err)
			}
		} else {
			result.Candidates = append(result.Candidates, c)
			s.publish(ctx, redisbus.EventMergeCandidate, map[string]string{
				"source_profile_id": c.SourceProfileID.String(),
				"target_profile_id": c.TargetProfileID.String(),
			})
		}
	}

	return s.record(ctx, profile.ID, ev)
}

// attachSecondary resolves every identifier past the first: known hashes on
// the same profile get a last-seen touch, unknown hashes are attached to the
// resolved profile, and hashes owned elsewhere surface through linkPairs.
func (s *eventService) attachSecondary(ctx context.Context, profile *types.Profile, idents []IngestIdentifier) ([]*types.Identifier, error) {
	nodes := make([]*types.Identifier, 0, len(idents))

	now := time.Now().UTC()
	for i, in := range idents {
		if !types.ValidIdentifierType(in.Type) {
			return nil, apierr.Newf(apierr.KindInvalidArgument, "unknown identifier type %q", in.Type)
		}
		existing, err := s.identifierRepo.GetByHash(ctx, nil, in.Type, in.Hash)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if existing != nil {
			if i > 0 {
				if err := s.identifierRepo.TouchLastSeen(ctx, nil, existing.ID, now); err != nil {
					return nil, err
				}
			}
			nodes = append(nodes, existing)
			continue
		}
		node, err := s.resolver.Attach(ctx, profile.ID, in.Type, in.Hash, in.Verified)
		if err != nil {
			return nil, err
		}
		if err := graph.MirrorIdentifier(ctx, s.graphClient, node); err != nil {
			s.log.Warn("graph mirror identifier failed", "error", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// linkPairs records co-occurrence edges between every identifier pair seen
// on one event.
func (s *eventService) linkPairs(ctx context.Context, nodes []*types.Identifier, verified bool, candidates *[]identity.MergeCandidate) error {
	linkType := types.LinkInferred
	if verified {
		linkType = types.LinkObserved
	}
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if nodes[i].ID == nodes[j].ID {
				continue
			}
			res, err := s.resolver.Link(ctx, nodes[i].ID, nodes[j].ID, linkType)
			if err != nil {
				return err
			}
			if err := graph.MirrorLink(ctx, s.graphClient, res.Link); err != nil {
				s.log.Warn("graph mirror link failed", "error", err)
			}
			if res.Candidate != nil {
				*candidates = append(*candidates, *res.Candidate)
			}
		}
	}
	return nil
}

// record persists the event row and folds it into the owning profile's
// counters. The profile lock serializes this against merges so the counter
// update and the tombstone check cannot interleave.
func (s *eventService) record(ctx context.Context, profileID uuid.UUID, ev *IngestEvent) error {
	release, err := s.locks.Acquire(ctx, profileID, s.lockWait)
	if err != nil {
		return err
	}
	defer release()

	profile, err := s.profileRepo.GetByID(ctx, nil, profileID)
	if err != nil {
		return err
	}
	if profile.MergedInto != nil {
		// Merged between resolve and record; the event still attributes
		// correctly through the merged_into redirect.
		s.log.Info("recording event against tombstoned profile",
			"profile_id", profileID, "merged_into", *profile.MergedInto)
	}

	row := &types.Event{
		ID:         uuid.New(),
		ProfileID:  profileID,
		Type:       ev.Type,
		SessionID:  ev.SessionID,
		Revenue:    ev.Revenue,
		OccurredAt: ev.OccurredAt.UTC(),
	}
	if len(ev.Data) > 0 {
		row.Data = []byte(ev.Data)
	}
	if _, err := s.eventRepo.Create(ctx, nil, []*types.Event{row}); err != nil {
		return err
	}

	delta := types.Counters{Events: 1}
	if ev.SessionID != "" && ev.SessionID != profile.LastSessionID {
		delta.Sessions = 1
	}
	if ev.Type == types.EventPurchase {
		delta.Purchases = 1
		delta.Revenue = ev.Revenue
	}

	dirty := false
	if ev.SessionID != "" && ev.SessionID != profile.LastSessionID {
		profile.LastSessionID = ev.SessionID
		dirty = true
	}
	if ev.OccurredAt.After(profile.LastSeenAt) {
		profile.LastSeenAt = ev.OccurredAt.UTC()
		dirty = true
	}
	if ev.Type == types.EventPurchase {
		if profile.LastPurchaseAt == nil || ev.OccurredAt.After(*profile.LastPurchaseAt) {
			at := ev.OccurredAt.UTC()
			profile.LastPurchaseAt = &at
			dirty = true
		}
		if profile.LifecycleStage != types.LifecycleCustomer {
			profile.LifecycleStage = types.LifecycleCustomer
			dirty = true
		}
	}
	if dirty {
		if err := s.profileRepo.Save(ctx, nil, profile); err != nil {
			return err
		}
	}
	return s.profileRepo.AddCounters(ctx, nil, profileID, delta)
}

func (s *eventService) ListByProfile(ctx context.Context, profileID uuid.UUID, limit int) ([]*types.Event, error) {
	if profileID == uuid.Nil {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing profile id")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.eventRepo.GetByProfileID(ctx, nil, profileID, limit)
}

func (s *eventService) publish(ctx context.Context, eventType string, payload map[string]string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, redisbus.BusMessage{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("bus publish failed", "error", err, "event_type", eventType)
	}
}
