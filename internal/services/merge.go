package services

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/apierr"
	redisbus "github.com/atlascdp/identity-backend/internal/clients/redis"
	"github.com/atlascdp/identity-backend/internal/engine/merge"
	"github.com/atlascdp/identity-backend/internal/graph"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/types"
)

type MergeService interface {
	Merge(ctx context.Context, sourceID, targetID uuid.UUID, reason string) (*types.ProfileMerge, error)
	Rollback(ctx context.Context, mergeID uuid.UUID) (*types.ProfileMerge, error)
	History(ctx context.Context, profileID uuid.UUID) ([]*types.ProfileMerge, error)
	ListRecent(ctx context.Context, limit int) ([]*types.ProfileMerge, error)
}

type mergeService struct {
	db             *gorm.DB
	log            *logger.Logger
	engine         *merge.Engine
	mergeRepo      repos.ProfileMergeRepo
	identifierRepo repos.IdentifierRepo
	bus            redisbus.EventBus
	graphClient    *graph.Client
}

func NewMergeService(
	db *gorm.DB,
	baseLog *logger.Logger,
	engine *merge.Engine,
	mergeRepo repos.ProfileMergeRepo,
	identifierRepo repos.IdentifierRepo,
	bus redisbus.EventBus,
	graphClient *graph.Client,
) MergeService {
	return &mergeService{
		db:             db,
		log:            baseLog.With("service", "MergeService"),
		engine:         engine,
		mergeRepo:      mergeRepo,
		identifierRepo: identifierRepo,
		bus:            bus,
		graphClient:    graphClient,
	}
}

func (s *mergeService) Merge(ctx context.Context, sourceID, targetID uuid.UUID, reason string) (*types.ProfileMerge, error) {
	if sourceID == uuid.Nil || targetID == uuid.Nil {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing profile id")
	}
	if reason == "" {
		reason = types.MergeReasonManual
	}
	if !types.ValidMergeReason(reason) {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "unknown merge reason %q", reason)
	}

	record, err := s.engine.Merge(ctx, sourceID, targetID, reason)
	if err != nil {
		return nil, err
	}

	if err := graph.MirrorMerge(ctx, s.graphClient, record.MergedProfileID, record.SurvivingProfileID); err != nil {
		s.log.Warn("graph mirror merge failed", "error", err, "merge_id", record.ID)
	}
	s.publish(ctx, redisbus.EventProfileMerged, map[string]string{
		"merge_id":             record.ID.String(),
		"merged_profile_id":    record.MergedProfileID.String(),
		"surviving_profile_id": record.SurvivingProfileID.String(),
		"reason":               record.Reason,
	})
	return record, nil
}

func (s *mergeService) Rollback(ctx context.Context, mergeID uuid.UUID) (*types.ProfileMerge, error) {
	if mergeID == uuid.Nil {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing merge id")
	}

	reversal, err := s.engine.Rollback(ctx, mergeID)
	if err != nil {
		return nil, err
	}

	// The reversal keeps the original orientation: MergedProfileID is the
	// restored profile, which now owns its snapshot identifiers again.
	restored, err := s.identifierRepo.GetByProfileID(ctx, nil, reversal.MergedProfileID)
	if err != nil {
		s.log.Warn("load restored identifiers failed", "error", err, "merge_id", mergeID)
	} else {
		ids := make([]uuid.UUID, 0, len(restored))
		for _, n := range restored {
			ids = append(ids, n.ID)
		}
		if err := graph.MirrorOwnership(ctx, s.graphClient, reversal.MergedProfileID, ids); err != nil {
			s.log.Warn("graph mirror rollback failed", "error", err, "merge_id", mergeID)
		}
	}
	s.publish(ctx, redisbus.EventMergeRolledBack, map[string]string{
		"merge_id":    mergeID.String(),
		"reversal_id": reversal.ID.String(),
	})
	return reversal, nil
}

func (s *mergeService) History(ctx context.Context, profileID uuid.UUID) ([]*types.ProfileMerge, error) {
	if profileID == uuid.Nil {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing profile id")
	}
	return s.mergeRepo.ListByProfile(ctx, nil, profileID)
}

func (s *mergeService) ListRecent(ctx context.Context, limit int) ([]*types.ProfileMerge, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.mergeRepo.ListRecent(ctx, nil, limit)
}

func (s *mergeService) publish(ctx context.Context, eventType string, payload map[string]string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, redisbus.BusMessage{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("bus publish failed", "error", err, "event_type", eventType)
	}
}
