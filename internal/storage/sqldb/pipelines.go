package sqldb

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

var pipelineColumns = []string{
	"id", "iid", "project_id", "ref", "tag", "sha", "before_sha", "source_sha", "target_sha",
	"source", "status", "failure_reason", "user_id", "schedule_id", "config_source", "name",
	"partition_id", "variables", "errors", "warnings",
	"created_at", "updated_at", "started_at", "finished_at",
}

type pipelineRow struct {
	ID            int64      `db:"id"`
	IID           int64      `db:"iid"`
	ProjectID     int64      `db:"project_id"`
	Ref           string     `db:"ref"`
	Tag           bool       `db:"tag"`
	SHA           string     `db:"sha"`
	BeforeSHA     string     `db:"before_sha"`
	SourceSHA     string     `db:"source_sha"`
	TargetSHA     string     `db:"target_sha"`
	Source        string     `db:"source"`
	Status        string     `db:"status"`
	FailureReason string     `db:"failure_reason"`
	UserID        int64      `db:"user_id"`
	ScheduleID    int64      `db:"schedule_id"`
	ConfigSource  string     `db:"config_source"`
	Name          string     `db:"name"`
	PartitionID   int64      `db:"partition_id"`
	Variables     string     `db:"variables"`
	Errors        string     `db:"errors"`
	Warnings      string     `db:"warnings"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	StartedAt     *time.Time `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

func (r *pipelineRow) toDomain() (*domain.Pipeline, error) {
	p := &domain.Pipeline{
		ID:            r.ID,
		IID:           r.IID,
		ProjectID:     r.ProjectID,
		Ref:           r.Ref,
		Tag:           r.Tag,
		SHA:           r.SHA,
		BeforeSHA:     r.BeforeSHA,
		SourceSHA:     r.SourceSHA,
		TargetSHA:     r.TargetSHA,
		Source:        domain.Source(r.Source),
		Status:        domain.Status(r.Status),
		FailureReason: domain.FailureReason(r.FailureReason),
		UserID:        r.UserID,
		ScheduleID:    r.ScheduleID,
		ConfigSource:  domain.ConfigSource(r.ConfigSource),
		Name:          r.Name,
		PartitionID:   r.PartitionID,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		StartedAt:     utcPtr(r.StartedAt),
		FinishedAt:    utcPtr(r.FinishedAt),
	}
	if err := decodeJSON(r.Variables, &p.Variables); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.Errors, &p.Errors); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.Warnings, &p.Warnings); err != nil {
		return nil, err
	}
	if len(p.Variables) == 0 {
		p.Variables = nil
	}
	if len(p.Errors) == 0 {
		p.Errors = nil
	}
	if len(p.Warnings) == 0 {
		p.Warnings = nil
	}
	return p, nil
}

type stageRow struct {
	ID         int64  `db:"id"`
	PipelineID int64  `db:"pipeline_id"`
	Name       string `db:"name"`
	Position   int    `db:"position"`
	Status     string `db:"status"`
}

// jobOptions holds the job attributes that are only read back as a whole.
type jobOptions struct {
	Script        []string          `json:"script,omitempty"`
	Image         string            `json:"image,omitempty"`
	When          domain.When       `json:"when"`
	StartIn       string            `json:"start_in,omitempty"`
	AllowFailure  bool              `json:"allow_failure,omitempty"`
	Needs         []string          `json:"needs,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	ResourceGroup string            `json:"resource_group,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Variables     []domain.Variable `json:"variables,omitempty"`
	Interruptible bool              `json:"interruptible,omitempty"`
}

type jobRow struct {
	ID          int64      `db:"id"`
	PipelineID  int64      `db:"pipeline_id"`
	PartitionID int64      `db:"partition_id"`
	Name        string     `db:"name"`
	StageName   string     `db:"stage_name"`
	StageIdx    int        `db:"stage_idx"`
	Status      string     `db:"status"`
	Options     string     `db:"options"`
	ScheduledAt *time.Time `db:"scheduled_at"`
	StartedAt   *time.Time `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	var opts jobOptions
	if err := decodeJSON(r.Options, &opts); err != nil {
		return nil, err
	}
	return &domain.Job{
		ID:            r.ID,
		PipelineID:    r.PipelineID,
		Name:          r.Name,
		StageName:     r.StageName,
		StageIdx:      r.StageIdx,
		Script:        opts.Script,
		Image:         opts.Image,
		When:          opts.When,
		StartIn:       opts.StartIn,
		AllowFailure:  opts.AllowFailure,
		Needs:         opts.Needs,
		Environment:   opts.Environment,
		ResourceGroup: opts.ResourceGroup,
		Tags:          opts.Tags,
		Variables:     opts.Variables,
		Interruptible: opts.Interruptible,
		Status:        domain.Status(r.Status),
		ScheduledAt:   utcPtr(r.ScheduledAt),
		StartedAt:     utcPtr(r.StartedAt),
		FinishedAt:    utcPtr(r.FinishedAt),
		CreatedAt:     r.CreatedAt.UTC(),
	}, nil
}

var jobColumns = []string{
	"id", "pipeline_id", "partition_id", "name", "stage_name", "stage_idx", "status",
	"options", "scheduled_at", "started_at", "finished_at", "created_at",
}

// CreatePipeline implements ports.PipelineStore.
func (s *Store) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	if p.ID != 0 {
		return fmt.Errorf("pipeline %d already exists", p.ID)
	}
	variables, err := encodeJSON(nonNilVariables(p.Variables))
	if err != nil {
		return err
	}
	errs, err := encodeJSON(nonNilStrings(p.Errors))
	if err != nil {
		return err
	}
	warnings, err := encodeJSON(nonNilStrings(p.Warnings))
	if err != nil {
		return err
	}

	var id, iid int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := getRow(ctx, tx, &iid, s.sb.
			Select("COALESCE(MAX(iid), 0) + 1").
			From("pipelines").
			Where(sq.Eq{"project_id": p.ProjectID}))
		if err != nil {
			return fmt.Errorf("failed to allocate iid: %w", err)
		}

		id, err = s.insert(ctx, tx, s.sb.Insert("pipelines").
			Columns(pipelineColumns[1:]...).
			Values(
				iid, p.ProjectID, p.Ref, p.Tag, p.SHA, p.BeforeSHA, p.SourceSHA, p.TargetSHA,
				string(p.Source), string(p.Status), string(p.FailureReason), p.UserID, p.ScheduleID,
				string(p.ConfigSource), p.Name, p.PartitionID, variables, errs, warnings,
				utc(p.CreatedAt), utc(p.UpdatedAt), utcPtr(p.StartedAt), utcPtr(p.FinishedAt),
			))
		if err != nil {
			return fmt.Errorf("failed to insert pipeline: %w", err)
		}

		for _, stage := range p.Stages {
			if _, err := exec(ctx, tx, s.sb.Insert("stages").
				Columns("pipeline_id", "name", "position", "status").
				Values(id, stage.Name, stage.Position, string(stage.Status))); err != nil {
				return fmt.Errorf("failed to insert stage %s: %w", stage.Name, err)
			}
			for _, job := range stage.Jobs {
				if err := s.insertJob(ctx, tx, id, p.PartitionID, job); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	p.ID, p.IID = id, iid
	for _, job := range p.Jobs() {
		job.PipelineID = id
	}
	return nil
}

// insertJob writes job and sets its id.
func (s *Store) insertJob(ctx context.Context, tx *sqlx.Tx, pipelineID, partitionID int64, job *domain.Job) error {
	options, err := encodeJSON(jobOptionsOf(job))
	if err != nil {
		return err
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	id, err := s.insert(ctx, tx, s.sb.Insert("jobs").
		Columns(jobColumns[1:]...).
		Values(
			pipelineID, partitionID, job.Name, job.StageName, job.StageIdx, string(job.Status),
			options, utcPtr(job.ScheduledAt), utcPtr(job.StartedAt), utcPtr(job.FinishedAt), utc(createdAt),
		))
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.Name, err)
	}
	job.ID = id
	return nil
}

func jobOptionsOf(job *domain.Job) jobOptions {
	return jobOptions{
		Script:        job.Script,
		Image:         job.Image,
		When:          job.When,
		StartIn:       job.StartIn,
		AllowFailure:  job.AllowFailure,
		Needs:         job.Needs,
		Environment:   job.Environment,
		ResourceGroup: job.ResourceGroup,
		Tags:          job.Tags,
		Variables:     job.Variables,
		Interruptible: job.Interruptible,
	}
}

// UpdatePipeline implements ports.PipelineStore.
func (s *Store) UpdatePipeline(ctx context.Context, p *domain.Pipeline) error {
	errs, err := encodeJSON(nonNilStrings(p.Errors))
	if err != nil {
		return err
	}
	warnings, err := encodeJSON(nonNilStrings(p.Warnings))
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := exec(ctx, tx, s.sb.Update("pipelines").
			SetMap(map[string]any{
				"status":         string(p.Status),
				"failure_reason": string(p.FailureReason),
				"errors":         errs,
				"warnings":       warnings,
				"updated_at":     utc(p.UpdatedAt),
				"started_at":     utcPtr(p.StartedAt),
				"finished_at":    utcPtr(p.FinishedAt),
			}).
			Where(sq.Eq{"id": p.ID}))
		if err != nil {
			return fmt.Errorf("failed to update pipeline %d: %w", p.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("pipeline %d: %w", p.ID, domain.ErrRecordNotFound)
		}

		for _, stage := range p.Stages {
			if _, err := exec(ctx, tx, s.sb.Update("stages").
				Set("status", string(stage.Status)).
				Where(sq.Eq{"pipeline_id": p.ID, "position": stage.Position})); err != nil {
				return fmt.Errorf("failed to update stage %s: %w", stage.Name, err)
			}
			for _, job := range stage.Jobs {
				if job.ID == 0 {
					if err := s.insertJob(ctx, tx, p.ID, p.PartitionID, job); err != nil {
						return err
					}
					job.PipelineID = p.ID
					continue
				}
				if _, err := exec(ctx, tx, s.sb.Update("jobs").
					SetMap(map[string]any{
						"status":       string(job.Status),
						"scheduled_at": utcPtr(job.ScheduledAt),
						"started_at":   utcPtr(job.StartedAt),
						"finished_at":  utcPtr(job.FinishedAt),
					}).
					Where(sq.Eq{"id": job.ID})); err != nil {
					return fmt.Errorf("failed to update job %d: %w", job.ID, err)
				}
			}
		}
		return nil
	})
}

// GetPipeline implements ports.PipelineStore.
func (s *Store) GetPipeline(ctx context.Context, id int64) (*domain.Pipeline, error) {
	var row pipelineRow
	if err := getRow(ctx, s.db, &row, s.sb.Select(pipelineColumns...).From("pipelines").Where(sq.Eq{"id": id})); err != nil {
		return nil, notFound("pipeline", id, err)
	}
	p, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	var stages []stageRow
	if err := selectRows(ctx, s.db, &stages, s.sb.
		Select("id", "pipeline_id", "name", "position", "status").
		From("stages").
		Where(sq.Eq{"pipeline_id": id}).
		OrderBy("position")); err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	var jobs []jobRow
	if err := selectRows(ctx, s.db, &jobs, s.sb.
		Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"pipeline_id": id}).
		OrderBy("stage_idx", "id")); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	byPosition := make(map[int]*domain.Stage, len(stages))
	for _, sr := range stages {
		stage := &domain.Stage{Name: sr.Name, Position: sr.Position, Status: domain.Status(sr.Status)}
		byPosition[sr.Position] = stage
		p.Stages = append(p.Stages, stage)
	}
	for i := range jobs {
		job, err := jobs[i].toDomain()
		if err != nil {
			return nil, err
		}
		stage, ok := byPosition[job.StageIdx]
		if !ok {
			return nil, fmt.Errorf("job %d references missing stage %d", job.ID, job.StageIdx)
		}
		stage.Jobs = append(stage.Jobs, job)
	}
	return p, nil
}

// ListPipelines implements ports.PipelineStore.
func (s *Store) ListPipelines(ctx context.Context, opts ports.PipelineListOptions) ([]*domain.Pipeline, error) {
	b := s.sb.Select(pipelineColumns...).From("pipelines").OrderBy("id DESC")
	if opts.ProjectID != 0 {
		b = b.Where(sq.Eq{"project_id": opts.ProjectID})
	}
	if opts.Ref != "" {
		b = b.Where(sq.Eq{"ref": opts.Ref})
	}
	if opts.SHA != "" {
		b = b.Where(sq.Eq{"sha": opts.SHA})
	}
	if opts.Source != "" {
		b = b.Where(sq.Eq{"source": string(opts.Source)})
	}
	if len(opts.Status) > 0 {
		b = b.Where(sq.Eq{"status": statusStrings(opts.Status)})
	}
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		if opts.Limit == 0 {
			// Both SQLite and MySQL need a LIMIT before OFFSET.
			b = b.Limit(1<<62 - 1)
		}
		b = b.Offset(uint64(opts.Offset))
	}

	var rows []pipelineRow
	if err := selectRows(ctx, s.db, &rows, b); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	out := make([]*domain.Pipeline, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetJob implements ports.PipelineStore.
func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	var row jobRow
	if err := getRow(ctx, s.db, &row, s.sb.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id})); err != nil {
		return nil, notFound("job", id, err)
	}
	return row.toDomain()
}

// CountAlivePipelines implements ports.PipelineStore.
func (s *Store) CountAlivePipelines(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := getRow(ctx, s.db, &n, s.sb.
		Select("COUNT(*)").
		From("pipelines").
		Where(sq.Eq{"project_id": projectID, "status": aliveStatuses()}))
	if err != nil {
		return 0, fmt.Errorf("failed to count pipelines: %w", err)
	}
	return n, nil
}

// CountActiveJobs implements ports.PipelineStore.
func (s *Store) CountActiveJobs(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := getRow(ctx, s.db, &n, s.sb.
		Select("COUNT(*)").
		From("jobs j").
		Join("pipelines p ON p.id = j.pipeline_id").
		Where(sq.Eq{"p.project_id": projectID, "p.status": aliveStatuses()}).
		Where(sq.NotEq{"j.status": completeStatuses()}))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func aliveStatuses() []string {
	var out []string
	for _, st := range domain.AllStatuses {
		if st.IsAlive() {
			out = append(out, string(st))
		}
	}
	return out
}

func completeStatuses() []string {
	var out []string
	for _, st := range domain.AllStatuses {
		if st.IsComplete() {
			out = append(out, string(st))
		}
	}
	return out
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilVariables(v []domain.Variable) []domain.Variable {
	if v == nil {
		return []domain.Variable{}
	}
	return v
}
