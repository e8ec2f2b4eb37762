package sqldb

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/storage/migrations"
)

var created = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "ci.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newPipeline(projectID int64, ref string) *domain.Pipeline {
	return &domain.Pipeline{
		ProjectID:   projectID,
		Ref:         ref,
		SHA:         "abc123",
		Source:      domain.SourcePush,
		Status:      domain.StatusCreated,
		PartitionID: 100,
		Variables:   []domain.Variable{{Key: "DEPLOY", Value: "true"}},
		Warnings:    []string{"jobs:test may allow multiple pipelines to run"},
		CreatedAt:   created,
		UpdatedAt:   created,
		Stages: []*domain.Stage{
			{Name: "build", Status: domain.StatusCreated, Jobs: []*domain.Job{{
				Name: "compile", StageName: "build", Status: domain.StatusCreated,
				Script: []string{"make"}, When: domain.WhenOnSuccess, CreatedAt: created,
			}}},
			{Name: "test", Position: 1, Status: domain.StatusCreated, Jobs: []*domain.Job{{
				Name: "unit", StageName: "test", StageIdx: 1, Status: domain.StatusCreated,
				Script: []string{"make test"}, When: domain.WhenOnSuccess, Needs: []string{"compile"},
				Environment: "review", AllowFailure: true, CreatedAt: created,
			}}},
		},
	}
}

func TestSQLDBStore_MigrationsApplied(t *testing.T) {
	store := newTestStore(t)
	version, err := migrations.Version(context.Background(), store.DB().DB, store.Dialect())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestSQLDBStore_PipelineRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := newPipeline(1, "main")
	if err := store.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	second := newPipeline(1, "main")
	if err := store.CreatePipeline(ctx, second); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if p.IID != 1 || second.IID != 2 {
		t.Errorf("IIDs = %d, %d; want 1, 2", p.IID, second.IID)
	}

	got, err := store.GetPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipeline() error = %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("pipeline mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.GetPipeline(ctx, 999); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("GetPipeline(999) error = %v, want ErrRecordNotFound", err)
	}
}

func TestSQLDBStore_UpdatePipeline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := newPipeline(1, "main")
	if err := store.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	started := created.Add(time.Minute)
	p.Status = domain.StatusRunning
	p.StartedAt = &started
	p.Stages[0].Status = domain.StatusRunning
	job := p.Stages[0].Jobs[0]
	job.Status = domain.StatusRunning
	job.StartedAt = &started
	if err := store.UpdatePipeline(ctx, p); err != nil {
		t.Fatalf("UpdatePipeline() error = %v", err)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != domain.StatusRunning || got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("job not updated: %+v", got)
	}
	stored, _ := store.GetPipeline(ctx, p.ID)
	if stored.Status != domain.StatusRunning || stored.Stages[0].Status != domain.StatusRunning {
		t.Errorf("pipeline not updated: %s / %s", stored.Status, stored.Stages[0].Status)
	}

	missing := newPipeline(1, "main")
	missing.ID = 404
	if err := store.UpdatePipeline(ctx, missing); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("UpdatePipeline(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestSQLDBStore_ListAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"main", "feature", "main"} {
		if err := store.CreatePipeline(ctx, newPipeline(1, ref)); err != nil {
			t.Fatal(err)
		}
	}
	done := newPipeline(1, "main")
	done.Status = domain.StatusSuccess
	for _, job := range done.Jobs() {
		job.Status = domain.StatusSuccess
	}
	if err := store.CreatePipeline(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePipeline(ctx, newPipeline(2, "main")); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListPipelines(ctx, ports.PipelineListOptions{ProjectID: 1, Ref: "main"})
	if err != nil {
		t.Fatalf("ListPipelines() error = %v", err)
	}
	var ids []int64
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]int64{4, 3, 1}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	page, _ := store.ListPipelines(ctx, ports.PipelineListOptions{ProjectID: 1, Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].ID != 3 {
		t.Errorf("unexpected page: %d pipelines", len(page))
	}
	finished, _ := store.ListPipelines(ctx, ports.PipelineListOptions{Status: []domain.Status{domain.StatusSuccess}})
	if len(finished) != 1 || finished[0].ID != done.ID {
		t.Errorf("status filter returned %d pipelines", len(finished))
	}

	alive, err := store.CountAlivePipelines(ctx, 1)
	if err != nil || alive != 3 {
		t.Errorf("CountAlivePipelines() = %d, %v; want 3", alive, err)
	}
	jobs, err := store.CountActiveJobs(ctx, 1)
	if err != nil || jobs != 6 {
		t.Errorf("CountActiveJobs() = %d, %v; want 6", jobs, err)
	}
}

func TestSQLDBStore_Schedules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	due := &domain.Schedule{ProjectID: 1, Description: "nightly", Ref: "main", Cron: "0 0 * * *",
		NextRunAt: created, Active: true, OwnerID: 1, CreatedAt: created, UpdatedAt: created}
	later := &domain.Schedule{ProjectID: 1, Description: "later", Ref: "main", Cron: "0 0 * * *",
		NextRunAt: created.Add(time.Hour), Active: true, OwnerID: 1, CreatedAt: created, UpdatedAt: created}
	inactive := &domain.Schedule{ProjectID: 1, Description: "off", Ref: "main", Cron: "0 0 * * *",
		NextRunAt: created, OwnerID: 1, CreatedAt: created, UpdatedAt: created}
	for _, sched := range []*domain.Schedule{due, later, inactive} {
		if err := store.CreateSchedule(ctx, sched); err != nil {
			t.Fatalf("CreateSchedule() error = %v", err)
		}
	}

	got, err := store.DueSchedules(ctx, created, 10)
	if err != nil {
		t.Fatalf("DueSchedules() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("DueSchedules() = %+v", got)
	}

	due.NextRunAt = created.Add(24 * time.Hour)
	due.LastPipelineID = 7
	if err := store.UpdateSchedule(ctx, due); err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}
	stored, _ := store.GetSchedule(ctx, due.ID)
	if !stored.NextRunAt.Equal(due.NextRunAt) || stored.LastPipelineID != 7 {
		t.Errorf("schedule not updated: %+v", stored)
	}
	all, _ := store.ListSchedules(ctx, 1)
	if len(all) != 3 {
		t.Errorf("ListSchedules() = %d schedules, want 3", len(all))
	}
}

func TestSQLDBStore_EnsureEnvironment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := store.EnsureEnvironment(ctx, 1, "production"); err != nil {
			t.Fatalf("EnsureEnvironment() error = %v", err)
		}
		if err := store.EnsureResourceGroup(ctx, 1, "deploy"); err != nil {
			t.Fatalf("EnsureResourceGroup() error = %v", err)
		}
	}
	if ok, err := store.HasEnvironment(ctx, 1, "production"); err != nil || !ok {
		t.Errorf("HasEnvironment() = %v, %v", ok, err)
	}
}

func TestSQLDBStore_Queue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := created

	args := json.RawMessage(`{"pipeline_id":1}`)
	first, added, err := store.EnqueueUnique(ctx, "pipeline_process", "pipeline_process:1", args, now)
	if err != nil || !added {
		t.Fatalf("EnqueueUnique() = %d, %v, %v", first, added, err)
	}
	again, added, err := store.EnqueueUnique(ctx, "pipeline_process", "pipeline_process:1", args, now)
	if err != nil || added || again != first {
		t.Errorf("duplicate EnqueueUnique() = %d, %v, %v", again, added, err)
	}
	if _, err := store.Enqueue(ctx, "later", nil, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	job, err := store.Claim(ctx, now, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim() = %+v, %v", job, err)
	}
	if job.ID != first || job.Attempts != 1 || string(job.Args) != string(args) {
		t.Errorf("unexpected claim: %+v", job)
	}
	if next, _ := store.Claim(ctx, now, time.Minute); next != nil {
		t.Errorf("leased job claimed twice: %+v", next)
	}

	// The lease runs out without Complete and the job is delivered again.
	redelivered, err := store.Claim(ctx, now.Add(2*time.Minute), time.Minute)
	if err != nil || redelivered == nil || redelivered.ID != first || redelivered.Attempts != 2 {
		t.Fatalf("redelivery = %+v, %v", redelivered, err)
	}

	if err := store.Retry(ctx, first, now.Add(5*time.Minute), "boom"); err != nil {
		t.Fatal(err)
	}
	if err := store.Kill(ctx, first, "gave up"); err != nil {
		t.Fatal(err)
	}
	if _, added, _ := store.EnqueueUnique(ctx, "pipeline_process", "pipeline_process:1", args, now); !added {
		t.Error("dead jobs must not block new unique jobs")
	}

	jobs, err := store.QueuedJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 || !jobs[0].Dead || jobs[0].LastError != "gave up" {
		t.Errorf("unexpected queue: %+v", jobs)
	}

	if err := store.Complete(ctx, jobs[2].ID); err != nil {
		t.Fatal(err)
	}
	jobs, _ = store.QueuedJobs(ctx)
	if len(jobs) != 2 {
		t.Errorf("Complete() left %d jobs, want 2", len(jobs))
	}
}
