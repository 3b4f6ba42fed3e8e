package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/apierr"
	redisbus "github.com/atlascdp/identity-backend/internal/clients/redis"
	"github.com/atlascdp/identity-backend/internal/engine/segment"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/types"
)

// SegmentInput is the write shape for create and update.
type SegmentInput struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Type           string          `json:"type,omitempty"`
	Rules          json.RawMessage `json:"rules,omitempty"`
	AutoRefresh    *bool           `json:"auto_refresh,omitempty"`
	RefreshMinutes *int            `json:"refresh_minutes,omitempty"`
}

// PreviewResult is the dry-run outcome of a rule tree.
type PreviewResult struct {
	Matched int64 `json:"matched"`
	Scanned int64 `json:"scanned"`
}

// MaterializePayload is the job payload for one segment computation.
type MaterializePayload struct {
	SegmentID uuid.UUID `json:"segment_id"`
}

type SegmentService interface {
	Create(ctx context.Context, in SegmentInput) (*types.Segment, error)
	Update(ctx context.Context, id uuid.UUID, in SegmentInput) (*types.Segment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*types.Segment, error)
	List(ctx context.Context) ([]*types.Segment, error)
	Members(ctx context.Context, id uuid.UUID, limit int) ([]uuid.UUID, error)
	AddMember(ctx context.Context, segmentID, profileID uuid.UUID) error
	RemoveMember(ctx context.Context, segmentID, profileID uuid.UUID) error

	// EnqueueCompute queues materialization for one dynamic segment.
	EnqueueCompute(ctx context.Context, id uuid.UUID) (*types.JobRun, error)
	// Compute materializes synchronously. The job worker calls this.
	Compute(ctx context.Context, id uuid.UUID) (int64, error)
	Preview(ctx context.Context, rules json.RawMessage) (*PreviewResult, error)

	// SweepStale marks active auto-refresh segments whose refresh window
	// elapsed and queues their recomputation.
	SweepStale(ctx context.Context) (int, error)
}

type segmentService struct {
	db            *gorm.DB
	log           *logger.Logger
	materializer  *segment.Materializer
	schema        segment.Schema
	segmentRepo   repos.SegmentRepo
	memberRepo    repos.SegmentMemberRepo
	profileRepo   repos.ProfileRepo
	jobRepo       repos.JobRunRepo
	bus           redisbus.EventBus
	previewSample int
}

func NewSegmentService(
	db *gorm.DB,
	baseLog *logger.Logger,
	materializer *segment.Materializer,
	schema segment.Schema,
	segmentRepo repos.SegmentRepo,
	memberRepo repos.SegmentMemberRepo,
	profileRepo repos.ProfileRepo,
	jobRepo repos.JobRunRepo,
	bus redisbus.EventBus,
	previewSample int,
) SegmentService {
	if previewSample <= 0 {
		previewSample = 5000
	}
	return &segmentService{
		db:            db,
		log:           baseLog.With("service", "SegmentService"),
		materializer:  materializer,
		schema:        schema,
		segmentRepo:   segmentRepo,
		memberRepo:    memberRepo,
		profileRepo:   profileRepo,
		jobRepo:       jobRepo,
		bus:           bus,
		previewSample: previewSample,
	}
}

func (s *segmentService) Create(ctx context.Context, in SegmentInput) (*types.Segment, error) {
	if in.Name == "" {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing segment name")
	}
	segType := in.Type
	if segType == "" {
		segType = types.SegmentDynamic
	}
	if segType != types.SegmentDynamic && segType != types.SegmentStatic {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "unknown segment type %q", segType)
	}

	seg := &types.Segment{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		Type:        segType,
		Status:      types.SegmentStatusDraft,
	}
	if segType == types.SegmentDynamic {
		if len(in.Rules) == 0 {
			return nil, apierr.New(apierr.KindInvalidRule, "dynamic segment requires rules")
		}
		if err := s.validateRules(in.Rules); err != nil {
			return nil, err
		}
		seg.Rules = []byte(in.Rules)
	}
	if in.AutoRefresh != nil {
		seg.AutoRefresh = *in.AutoRefresh
	}
	if in.RefreshMinutes != nil {
		if *in.RefreshMinutes < 0 {
			return nil, apierr.New(apierr.KindInvalidArgument, "refresh_minutes must be non-negative")
		}
		seg.RefreshMinutes = *in.RefreshMinutes
	}
	if seg.AutoRefresh && seg.RefreshMinutes == 0 {
		seg.RefreshMinutes = 60
	}
	return s.segmentRepo.Create(ctx, nil, seg)
}

func (s *segmentService) Update(ctx context.Context, id uuid.UUID, in SegmentInput) (*types.Segment, error) {
	seg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != "" {
		seg.Name = in.Name
	}
	if in.Description != "" {
		seg.Description = in.Description
	}
	if len(in.Rules) > 0 {
		if seg.Type != types.SegmentDynamic {
			return nil, apierr.New(apierr.KindInvalidArgument, "static segments carry no rules")
		}
		if err := s.validateRules(in.Rules); err != nil {
			return nil, err
		}
		seg.Rules = []byte(in.Rules)
		// Membership no longer reflects the rules until recomputed.
		if seg.Status == types.SegmentStatusActive {
			seg.Status = types.SegmentStatusStale
		}
	}
	if in.AutoRefresh != nil {
		seg.AutoRefresh = *in.AutoRefresh
	}
	if in.RefreshMinutes != nil {
		if *in.RefreshMinutes < 0 {
			return nil, apierr.New(apierr.KindInvalidArgument, "refresh_minutes must be non-negative")
		}
		seg.RefreshMinutes = *in.RefreshMinutes
	}

	if err := s.segmentRepo.Save(ctx, nil, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

func (s *segmentService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.memberRepo.DeleteBySegment(ctx, tx, id); err != nil {
			return err
		}
		return s.segmentRepo.SoftDelete(ctx, tx, id)
	})
}

func (s *segmentService) Get(ctx context.Context, id uuid.UUID) (*types.Segment, error) {
	return s.load(ctx, id)
}

func (s *segmentService) List(ctx context.Context) ([]*types.Segment, error) {
	return s.segmentRepo.List(ctx, nil)
}

func (s *segmentService) Members(ctx context.Context, id uuid.UUID, limit int) ([]uuid.UUID, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	return s.memberRepo.ListProfileIDs(ctx, nil, id, limit)
}

func (s *segmentService) AddMember(ctx context.Context, segmentID, profileID uuid.UUID) error {
	seg, err := s.load(ctx, segmentID)
	if err != nil {
		return err
	}
	if seg.Type != types.SegmentStatic {
		return apierr.New(apierr.KindInvalidArgument, "members of a dynamic segment are computed, not assigned")
	}
	if _, err := s.profileRepo.GetByID(ctx, nil, profileID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apierr.Newf(apierr.KindNotFound, "profile %s not found", profileID)
		}
		return err
	}
	if err := s.memberRepo.Add(ctx, nil, segmentID, profileID); err != nil {
		return err
	}
	return s.refreshCount(ctx, seg)
}

func (s *segmentService) RemoveMember(ctx context.Context, segmentID, profileID uuid.UUID) error {
	seg, err := s.load(ctx, segmentID)
	if err != nil {
		return err
	}
	if seg.Type != types.SegmentStatic {
		return apierr.New(apierr.KindInvalidArgument, "members of a dynamic segment are computed, not assigned")
	}
	if err := s.memberRepo.Remove(ctx, nil, segmentID, profileID); err != nil {
		return err
	}
	return s.refreshCount(ctx, seg)
}

func (s *segmentService) EnqueueCompute(ctx context.Context, id uuid.UUID) (*types.JobRun, error) {
	seg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if seg.Type != types.SegmentDynamic {
		return nil, apierr.New(apierr.KindInvalidArgument, "static segments are not computed")
	}

	payload, err := json.Marshal(MaterializePayload{SegmentID: id})
	if err != nil {
		return nil, err
	}
	job := &types.JobRun{
		ID:      uuid.New(),
		Kind:    types.JobKindSegmentMaterialize,
		Status:  types.JobStatusQueued,
		Payload: payload,
	}
	return s.jobRepo.Create(ctx, nil, job)
}

func (s *segmentService) Compute(ctx context.Context, id uuid.UUID) (int64, error) {
	seg, err := s.load(ctx, id)
	if err != nil {
		return 0, err
	}

	count, err := s.materializer.Materialize(ctx, seg)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, redisbus.EventSegmentMaterialized, map[string]string{
		"segment_id":    id.String(),
		"profile_count": strconv.FormatInt(count, 10),
	})
	return count, nil
}

func (s *segmentService) Preview(ctx context.Context, rules json.RawMessage) (*PreviewResult, error) {
	if len(rules) == 0 {
		return nil, apierr.New(apierr.KindInvalidRule, "missing rules")
	}
	node, err := segment.Parse(rules)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRule, "malformed rule tree", err)
	}
	if err := segment.Validate(node, s.schema); err != nil {
		return nil, err
	}

	matched, scanned, err := s.materializer.Preview(ctx, node, s.previewSample)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{Matched: matched, Scanned: scanned}, nil
}

func (s *segmentService) SweepStale(ctx context.Context) (int, error) {
	due, err := s.segmentRepo.ListRefreshDue(ctx, nil, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, seg := range due {
		if err := s.segmentRepo.SetStatus(ctx, nil, seg.ID, types.SegmentStatusStale); err != nil {
			s.log.Warn("mark stale failed", "error", err, "segment_id", seg.ID)
			continue
		}
		s.publish(ctx, redisbus.EventSegmentStale, map[string]string{"segment_id": seg.ID.String()})

		payload, err := json.Marshal(MaterializePayload{SegmentID: seg.ID})
		if err != nil {
			return queued, err
		}
		job := &types.JobRun{
			ID:      uuid.New(),
			Kind:    types.JobKindSegmentMaterialize,
			Status:  types.JobStatusQueued,
			Payload: payload,
		}
		if _, err := s.jobRepo.Create(ctx, nil, job); err != nil {
			s.log.Warn("queue refresh failed", "error", err, "segment_id", seg.ID)
			continue
		}
		queued++
	}
	return queued, nil
}

func (s *segmentService) load(ctx context.Context, id uuid.UUID) (*types.Segment, error) {
	if id == uuid.Nil {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing segment id")
	}
	seg, err := s.segmentRepo.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.Newf(apierr.KindNotFound, "segment %s not found", id)
		}
		return nil, err
	}
	return seg, nil
}

func (s *segmentService) validateRules(raw json.RawMessage) error {
	node, err := segment.Parse(raw)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidRule, "malformed rule tree", err)
	}
	return segment.Validate(node, s.schema)
}

func (s *segmentService) refreshCount(ctx context.Context, seg *types.Segment) error {
	count, err := s.memberRepo.Count(ctx, nil, seg.ID)
	if err != nil {
		return err
	}
	seg.ProfileCount = count
	if seg.Status == types.SegmentStatusDraft {
		seg.Status = types.SegmentStatusActive
	}
	return s.segmentRepo.Save(ctx, nil, seg)
}

func (s *segmentService) publish(ctx context.Context, eventType string, payload map[string]string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, redisbus.BusMessage{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("bus publish failed", "error", err, "event_type", eventType)
	}
}

