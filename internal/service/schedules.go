package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/queue"
	"github.com/jackvz/gitlab-foss/internal/schedule"
)

// ScheduleParams describes a new pipeline schedule.
type ScheduleParams struct {
	Description  string
	Ref          string
	Cron         string
	CronTimezone string
	Active       *bool
	Variables    []domain.Variable
}

// CreateSchedule adds a schedule owned by user.
func (s *Service) CreateSchedule(ctx context.Context, projectID int64, user *domain.User, params ScheduleParams) (*domain.Schedule, error) {
	if _, err := s.Project(ctx, projectID, user, domain.AccessDeveloper); err != nil {
		return nil, err
	}

	var problems []string
	if strings.TrimSpace(params.Description) == "" {
		problems = append(problems, "description can't be blank")
	}
	if strings.TrimSpace(params.Ref) == "" {
		problems = append(problems, "ref can't be blank")
	}
	now := s.now()
	next, err := schedule.NextRun(params.Cron, params.CronTimezone, now, s.workerCron)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return nil, domain.ErrInvalidRequest(strings.Join(problems, ", "))
	}

	sched := &domain.Schedule{
		ProjectID:    projectID,
		Description:  params.Description,
		Ref:          params.Ref,
		Cron:         params.Cron,
		CronTimezone: params.CronTimezone,
		NextRunAt:    next,
		Active:       params.Active == nil || *params.Active,
		OwnerID:      user.ID,
		Variables:    params.Variables,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("store schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules lists the schedules of a project.
func (s *Service) ListSchedules(ctx context.Context, projectID int64, user *domain.User) ([]*domain.Schedule, error) {
	if _, err := s.Project(ctx, projectID, user, domain.AccessReporter); err != nil {
		return nil, err
	}
	return s.store.ListSchedules(ctx, projectID)
}

// PlaySchedule queues an immediate run of a schedule.
func (s *Service) PlaySchedule(ctx context.Context, projectID, scheduleID int64, user *domain.User) (*domain.Schedule, error) {
	if _, err := s.Project(ctx, projectID, user, domain.AccessDeveloper); err != nil {
		return nil, err
	}
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil || sched.ProjectID != projectID {
		return nil, domain.ErrNotFound("404 Pipeline Schedule Not Found")
	}
	if err := s.EnqueueScheduleRun(ctx, sched, true); err != nil {
		return nil, err
	}
	return sched, nil
}

// EnqueueScheduleRun queues a run_pipeline_schedule job for the pending
// run of sched. Scheduled runs are keyed by their run time so repeated
// enqueues of the same run collapse.
func (s *Service) EnqueueScheduleRun(ctx context.Context, sched *domain.Schedule, manual bool) error {
	args, err := json.Marshal(queue.ScheduleArgs{
		ScheduleID: sched.ID,
		NextRunAt:  sched.NextRunAt,
		Manual:     manual,
	})
	if err != nil {
		return err
	}
	now := s.now()
	if manual {
		_, err = s.store.Enqueue(ctx, queue.KindRunPipelineSchedule, args, now)
	} else {
		key := fmt.Sprintf("%s:%d:%d", queue.KindRunPipelineSchedule, sched.ID, sched.NextRunAt.Unix())
		_, _, err = s.store.EnqueueUnique(ctx, queue.KindRunPipelineSchedule, key, args, now)
	}
	if err != nil {
		return fmt.Errorf("enqueue schedule %d: %w", sched.ID, err)
	}
	return nil
}

// RunSchedule creates the pipeline of one schedule run. A scheduled run
// whose time no longer matches the schedule already happened and is
// skipped, which keeps redelivered jobs from creating duplicates. The
// returned result is nil when nothing ran.
func (s *Service) RunSchedule(ctx context.Context, scheduleID int64, runAt time.Time, manual bool) (*Result, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load schedule %d: %w", scheduleID, err)
	}
	logger := s.logger.With(slog.Int64("schedule_id", sched.ID))
	if !manual && (!sched.Active || !sched.NextRunAt.Equal(runAt)) {
		logger.DebugContext(ctx, "schedule run already handled")
		return nil, nil
	}

	project, err := s.directory.Project(ctx, sched.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("schedule project: %w", err)
	}
	owner, err := s.directory.User(ctx, sched.OwnerID)
	if err != nil {
		if domain.IsNotFound(err) {
			logger.WarnContext(ctx, "schedule owner is gone, deactivating")
			sched.Active = false
			sched.UpdatedAt = s.now()
			return nil, s.store.UpdateSchedule(ctx, sched)
		}
		return nil, fmt.Errorf("schedule owner: %w", err)
	}

	if !manual {
		next, err := schedule.NextRun(sched.Cron, sched.CronTimezone, s.now(), s.workerCron)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", sched.ID, err)
		}
		sched.NextRunAt = next
		sched.UpdatedAt = s.now()
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			return nil, fmt.Errorf("advance schedule %d: %w", sched.ID, err)
		}
	}

	result, err := s.CreatePipeline(ctx, project, owner, domain.SourceSchedule, CreateParams{
		Ref:       sched.Ref,
		Variables: sched.Variables,
		Schedule:  sched,
	})
	if err != nil {
		return nil, err
	}
	if result.Pipeline.Persisted() {
		sched.LastPipelineID = result.Pipeline.ID
		sched.UpdatedAt = s.now()
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			return nil, fmt.Errorf("record schedule pipeline: %w", err)
		}
	}
	logger.InfoContext(ctx, "schedule ran",
		slog.Int64("pipeline_id", result.Pipeline.ID),
		slog.Time("next_run_at", sched.NextRunAt),
	)
	return result, nil
}

// EnqueueDueSchedules queues a run for every active schedule that is due.
// It returns the number of schedules found due.
func (s *Service) EnqueueDueSchedules(ctx context.Context, limit int) (int, error) {
	due, err := s.store.DueSchedules(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("due schedules: %w", err)
	}
	for _, sched := range due {
		if err := s.EnqueueScheduleRun(ctx, sched, false); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}
