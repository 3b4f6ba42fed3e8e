package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobKindRFMCompute         = "rfm.compute"
	JobKindSegmentMaterialize = "segment.materialize"
	JobKindSegmentSweep       = "segment.sweep"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// JobRun is one batch-job execution record. Scoring and materialization are
// the only long-running paths in the engine; both go through this queue so
// they stay off the request path and survive restarts.
type JobRun struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Kind       string         `gorm:"not null;index;column:kind" json:"kind"`
	Status     string         `gorm:"not null;default:'queued';index;column:status" json:"status"`
	Payload    datatypes.JSON `gorm:"type:jsonb;column:payload" json:"payload,omitempty"`
	Result     datatypes.JSON `gorm:"type:jsonb;column:result" json:"result,omitempty"`
	Error      string         `gorm:"column:error" json:"error,omitempty"`
	Attempts   int            `gorm:"not null;default:0;column:attempts" json:"attempts"`
	StartedAt  *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (JobRun) TableName() string { return "job_run" }
