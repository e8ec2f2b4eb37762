// Package queue runs background jobs from a ports.JobQueue.
//
// Delivery is at least once: a job whose lease runs out before it is
// completed is claimed again, so every handler must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// Job kinds.
const (
	KindPipelineSchedule    = "pipeline_schedule"
	KindRunPipelineSchedule = "run_pipeline_schedule"
	KindPipelineProcess     = "pipeline_process"
	KindPartitionBackfill   = "partition_backfill"
)

// PipelineArgs identifies a pipeline to process.
type PipelineArgs struct {
	PipelineID int64 `json:"pipeline_id"`
}

// ScheduleArgs identifies one run of a schedule. NextRunAt pins the run so
// a redelivered job does not create a second pipeline.
type ScheduleArgs struct {
	ScheduleID int64     `json:"schedule_id"`
	NextRunAt  time.Time `json:"next_run_at"`
	Manual     bool      `json:"manual,omitempty"`
}

// BackfillArgs copies one primary key range into a partitioned table.
type BackfillArgs struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	StartID   int64  `json:"start_id"`
	EndID     int64  `json:"end_id"`
	BatchSize int64  `json:"batch_size"`
}

// Decode unmarshals the arguments of a queued job.
func Decode[T any](job *ports.QueuedJob) (T, error) {
	var args T
	if len(job.Args) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return args, fmt.Errorf("decode %s args: %w", job.Kind, err)
	}
	return args, nil
}

// ProcessScheduler enqueues pipeline processing jobs.
type ProcessScheduler struct {
	Queue ports.JobQueue
	Now   func() time.Time
}

// ScheduleProcessing implements ports.ProcessScheduler. Pending requests for
// the same pipeline collapse into one job.
func (s ProcessScheduler) ScheduleProcessing(ctx context.Context, pipelineID int64) error {
	args, err := json.Marshal(PipelineArgs{PipelineID: pipelineID})
	if err != nil {
		return err
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	key := fmt.Sprintf("%s:%d", KindPipelineProcess, pipelineID)
	if _, _, err := s.Queue.EnqueueUnique(ctx, KindPipelineProcess, key, args, now); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

var _ ports.ProcessScheduler = ProcessScheduler{}
