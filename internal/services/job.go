package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/apierr"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/types"
)

type JobService interface {
	Get(ctx context.Context, id uuid.UUID) (*types.JobRun, error)
}

type jobService struct {
	db      *gorm.DB
	log     *logger.Logger
	jobRepo repos.JobRunRepo
}

func NewJobService(db *gorm.DB, baseLog *logger.Logger, jobRepo repos.JobRunRepo) JobService {
	return &jobService{
		db:      db,
		log:     baseLog.With("service", "JobService"),
		jobRepo: jobRepo,
	}
}

func (s *jobService) Get(ctx context.Context, id uuid.UUID) (*types.JobRun, error) {
	if id == uuid.Nil {
		return nil, apierr.New(apierr.KindInvalidArgument, "missing job id")
	}
	job, err := s.jobRepo.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.Newf(apierr.KindNotFound, "job %s not found", id)
		}
		return nil, err
	}
	return job, nil
}
