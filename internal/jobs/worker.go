package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/services"
	"github.com/atlascdp/identity-backend/internal/types"
	"github.com/atlascdp/identity-backend/internal/utils"
)

// Handler executes one claimed job and returns a JSON-encodable result.
type Handler func(ctx context.Context, job *types.JobRun) (interface{}, error)

// Worker polls the job_run queue and dispatches by kind. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED, so running several workers against the
// same database is safe.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     repos.JobRunRepo
	handlers map[string]Handler

	concurrency  int
	pollInterval time.Duration
	maxAttempts  int
	retryDelay   time.Duration
	sweepEvery   time.Duration
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.JobRunRepo) *Worker {
	log := baseLog.With("component", "JobWorker")
	return &Worker{
		db:           db,
		log:          log,
		repo:         repo,
		handlers:     map[string]Handler{},
		concurrency:  utils.GetEnvAsInt("WORKER_CONCURRENCY", 2, log),
		pollInterval: time.Duration(utils.GetEnvAsInt("WORKER_POLL_MS", 1000, log)) * time.Millisecond,
		maxAttempts:  utils.GetEnvAsInt("WORKER_MAX_ATTEMPTS", 3, log),
		retryDelay:   time.Duration(utils.GetEnvAsInt("WORKER_RETRY_SECONDS", 30, log)) * time.Second,
		sweepEvery:   time.Duration(utils.GetEnvAsInt("SEGMENT_SWEEP_MINUTES", 5, log)) * time.Minute,
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// RegisterDefaults wires the three built-in job kinds to their services.
func (w *Worker) RegisterDefaults(rfmSvc services.RFMService, segmentSvc services.SegmentService) {
	w.Register(types.JobKindRFMCompute, func(ctx context.Context, job *types.JobRun) (interface{}, error) {
		var payload services.RFMComputePayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, fmt.Errorf("bad payload: %w", err)
			}
		}
		return rfmSvc.Compute(ctx, payload.WindowDays)
	})
	w.Register(types.JobKindSegmentMaterialize, func(ctx context.Context, job *types.JobRun) (interface{}, error) {
		var payload services.MaterializePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("bad payload: %w", err)
		}
		if payload.SegmentID == uuid.Nil {
			return nil, fmt.Errorf("payload missing segment_id")
		}
		count, err := segmentSvc.Compute(ctx, payload.SegmentID)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"profile_count": count}, nil
	})
	w.Register(types.JobKindSegmentSweep, func(ctx context.Context, job *types.JobRun) (interface{}, error) {
		queued, err := segmentSvc.SweepStale(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"queued": queued}, nil
	})
}

func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		go w.poll(ctx)
	}
	if w.sweepEvery > 0 {
		go w.sweepLoop(ctx)
	}
	w.log.Info("Job worker started", "concurrency", w.concurrency, "poll_interval", w.pollInterval)
}

func (w *Worker) poll(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNextRunnable(ctx, nil, w.maxAttempts, w.retryDelay)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.run(ctx, job)
		}
	}
}

func (w *Worker) run(ctx context.Context, job *types.JobRun) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		w.log.Warn("No handler registered for job kind", "kind", job.Kind, "job_id", job.ID)
		w.finish(ctx, job, nil, fmt.Errorf("no handler for kind %q", job.Kind))
		return
	}

	var result interface{}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic", "job_id", job.ID, "kind", job.Kind, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		result, err = h(ctx, job)
	}()
	w.finish(ctx, job, result, err)
}

func (w *Worker) finish(ctx context.Context, job *types.JobRun, result interface{}, runErr error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"finished_at": now,
		"updated_at":  now,
	}
	if runErr != nil {
		updates["status"] = types.JobStatusFailed
		updates["error"] = runErr.Error()
		w.log.Warn("Job failed", "job_id", job.ID, "kind", job.Kind, "error", runErr, "attempts", job.Attempts)
	} else {
		updates["status"] = types.JobStatusSucceeded
		updates["error"] = ""
		if result != nil {
			if raw, err := json.Marshal(result); err == nil {
				updates["result"] = raw
			}
		}
		w.log.Info("Job succeeded", "job_id", job.ID, "kind", job.Kind)
	}
	if err := w.repo.UpdateFields(ctx, nil, job.ID, updates); err != nil {
		w.log.Error("Persist job outcome failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job := &types.JobRun{
				ID:     uuid.New(),
				Kind:   types.JobKindSegmentSweep,
				Status: types.JobStatusQueued,
			}
			if _, err := w.repo.Create(ctx, nil, job); err != nil {
				w.log.Warn("Queue sweep failed", "error", err)
			}
		}
	}
}
