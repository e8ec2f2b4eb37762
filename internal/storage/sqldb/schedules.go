package sqldb

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

var scheduleColumns = []string{
	"id", "project_id", "description", "ref", "cron", "cron_timezone", "next_run_at",
	"active", "owner_id", "variables", "last_pipeline_id", "created_at", "updated_at",
}

type scheduleRow struct {
	ID             int64     `db:"id"`
	ProjectID      int64     `db:"project_id"`
	Description    string    `db:"description"`
	Ref            string    `db:"ref"`
	Cron           string    `db:"cron"`
	CronTimezone   string    `db:"cron_timezone"`
	NextRunAt      time.Time `db:"next_run_at"`
	Active         bool      `db:"active"`
	OwnerID        int64     `db:"owner_id"`
	Variables      string    `db:"variables"`
	LastPipelineID int64     `db:"last_pipeline_id"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *scheduleRow) toDomain() (*domain.Schedule, error) {
	sched := &domain.Schedule{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Description:    r.Description,
		Ref:            r.Ref,
		Cron:           r.Cron,
		CronTimezone:   r.CronTimezone,
		NextRunAt:      r.NextRunAt.UTC(),
		Active:         r.Active,
		OwnerID:        r.OwnerID,
		LastPipelineID: r.LastPipelineID,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if err := decodeJSON(r.Variables, &sched.Variables); err != nil {
		return nil, err
	}
	if len(sched.Variables) == 0 {
		sched.Variables = nil
	}
	return sched, nil
}

// CreateSchedule implements ports.ScheduleStore.
func (s *Store) CreateSchedule(ctx context.Context, sched *domain.Schedule) error {
	variables, err := encodeJSON(nonNilVariables(sched.Variables))
	if err != nil {
		return err
	}
	id, err := s.insert(ctx, s.db, s.sb.Insert("pipeline_schedules").
		Columns(scheduleColumns[1:]...).
		Values(
			sched.ProjectID, sched.Description, sched.Ref, sched.Cron, sched.CronTimezone,
			utc(sched.NextRunAt), sched.Active, sched.OwnerID, variables, sched.LastPipelineID,
			utc(sched.CreatedAt), utc(sched.UpdatedAt),
		))
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	sched.ID = id
	return nil
}

// GetSchedule implements ports.ScheduleStore.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error) {
	var row scheduleRow
	if err := getRow(ctx, s.db, &row, s.sb.Select(scheduleColumns...).From("pipeline_schedules").Where(sq.Eq{"id": id})); err != nil {
		return nil, notFound("schedule", id, err)
	}
	return row.toDomain()
}

// ListSchedules implements ports.ScheduleStore.
func (s *Store) ListSchedules(ctx context.Context, projectID int64) ([]*domain.Schedule, error) {
	return s.listSchedules(ctx, s.sb.Select(scheduleColumns...).
		From("pipeline_schedules").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("id"))
}

// DueSchedules implements ports.ScheduleStore.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	b := s.sb.Select(scheduleColumns...).
		From("pipeline_schedules").
		Where(sq.Eq{"active": true}).
		Where(sq.LtOrEq{"next_run_at": utc(now)}).
		OrderBy("next_run_at", "id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.listSchedules(ctx, b)
}

func (s *Store) listSchedules(ctx context.Context, b sq.SelectBuilder) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	if err := selectRows(ctx, s.db, &rows, b); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	out := make([]*domain.Schedule, 0, len(rows))
	for i := range rows {
		sched, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, nil
}

// UpdateSchedule implements ports.ScheduleStore.
func (s *Store) UpdateSchedule(ctx context.Context, sched *domain.Schedule) error {
	variables, err := encodeJSON(nonNilVariables(sched.Variables))
	if err != nil {
		return err
	}
	res, err := exec(ctx, s.db, s.sb.Update("pipeline_schedules").
		SetMap(map[string]any{
			"description":      sched.Description,
			"ref":              sched.Ref,
			"cron":             sched.Cron,
			"cron_timezone":    sched.CronTimezone,
			"next_run_at":      utc(sched.NextRunAt),
			"active":           sched.Active,
			"variables":        variables,
			"last_pipeline_id": sched.LastPipelineID,
			"updated_at":       utc(sched.UpdatedAt),
		}).
		Where(sq.Eq{"id": sched.ID}))
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", sched.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("schedule %d: %w", sched.ID, domain.ErrRecordNotFound)
	}
	return nil
}

// EnsureEnvironment implements ports.EnvironmentStore.
func (s *Store) EnsureEnvironment(ctx context.Context, projectID int64, name string) error {
	return s.ensure(ctx, "environments", "name", projectID, name)
}

// EnsureResourceGroup implements ports.EnvironmentStore.
func (s *Store) EnsureResourceGroup(ctx context.Context, projectID int64, key string) error {
	return s.ensure(ctx, "resource_groups", "resource_key", projectID, key)
}

func (s *Store) ensure(ctx context.Context, table, column string, projectID int64, value string) error {
	b := s.sb.Insert(table).Columns("project_id", column).Values(projectID, value)
	switch s.dialect.Name() {
	case "mysql":
		b = b.Options("IGNORE")
	default:
		b = b.Suffix("ON CONFLICT DO NOTHING")
	}
	if _, err := exec(ctx, s.db, b); err != nil {
		return fmt.Errorf("failed to record %s %q: %w", table, value, err)
	}
	return nil
}

// HasEnvironment reports whether an environment was recorded.
func (s *Store) HasEnvironment(ctx context.Context, projectID int64, name string) (bool, error) {
	var n int
	err := getRow(ctx, s.db, &n, s.sb.Select("COUNT(*)").From("environments").
		Where(sq.Eq{"project_id": projectID, "name": name}))
	return n > 0, err
}
