package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/apierr"
	redisbus "github.com/atlascdp/identity-backend/internal/clients/redis"
	"github.com/atlascdp/identity-backend/internal/engine/rfm"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/types"
)

// RFMComputePayload is the job payload for a scoring run.
type RFMComputePayload struct {
	WindowDays int `json:"window_days"`
}

type RFMService interface {
	// EnqueueCompute queues a scoring run and returns the job record.
	EnqueueCompute(ctx context.Context, windowDays int) (*types.JobRun, error)
	// Compute runs scoring synchronously. The job worker calls this.
	Compute(ctx context.Context, windowDays int) (rfm.Result, error)
	ProfileScore(ctx context.Context, profileID uuid.UUID) (*types.RFMScore, error)
	Summary(ctx context.Context) ([]repos.RFMSegmentCount, error)
}

type rfmService struct {
	db         *gorm.DB
	log        *logger.Logger
	engine     *rfm.Engine
	scoreRepo  repos.RFMScoreRepo
	jobRepo    repos.JobRunRepo
	bus        redisbus.EventBus
	windowDays int
}

func NewRFMService(
	db *gorm.DB,
	baseLog *logger.Logger,
	engine *rfm.Engine,
	scoreRepo repos.RFMScoreRepo,
	jobRepo repos.JobRunRepo,
	bus redisbus.EventBus,
	defaultWindowDays int,
) RFMService {
	return &rfmService{
		db:         db,
		log:        baseLog.With("service", "RFMService"),
		engine:     engine,
		scoreRepo:  scoreRepo,
		jobRepo:    jobRepo,
		bus:        bus,
		windowDays: defaultWindowDays,
	}
}

func (s *rfmService) EnqueueCompute(ctx context.Context, windowDays int) (*types.JobRun, error) {
	if windowDays <= 0 {
		windowDays = s.windowDays
	}
	payload, err := json.Marshal(RFMComputePayload{WindowDays: windowDays})
	if err != nil {
		return nil, err
	}
	job := &types.JobRun{
		ID:      uuid.New(),
		Kind:    types.JobKindRFMCompute,
		Status:  types.JobStatusQueued,
		Payload: payload,
	}
	return s.jobRepo.Create(ctx, nil, job)
}

func (s *rfmService) Compute(ctx context.Context, windowDays int) (rfm.Result, error) {
	if windowDays <= 0 {
		windowDays = s.windowDays
	}
	result, err := s.engine.ComputeBatch(ctx, windowDays)
	if err != nil {
		return result, err
	}

	if s.bus != nil {
		msg := redisbus.BusMessage{
			Type: redisbus.EventRFMCompleted,
			Payload: map[string]string{
				"scored":  strconv.Itoa(result.Scored),
				"skipped": strconv.Itoa(result.Skipped),
			},
		}
		if err := s.bus.Publish(ctx, msg); err != nil {
			s.log.Warn("bus publish failed", "error", err, "event_type", redisbus.EventRFMCompleted)
		}
	}
	return result, nil
}

func (s *rfmService) ProfileScore(ctx context.Context, profileID uuid.UUID) (*types.RFMScore, error) {
	if profileID == uuid.Nil {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing profile id")
	}
	score, err := s.scoreRepo.GetByProfileID(ctx, nil, profileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.Newf(apierr.KindNotFound, "no rfm score for profile %s", profileID)
		}
		return nil, err
	}
	return score, nil
}

func (s *rfmService) Summary(ctx context.Context) ([]repos.RFMSegmentCount, error) {
	return s.scoreRepo.SummaryBySegment(ctx, nil)
}
