package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

func newPipeline(projectID int64, ref string) *domain.Pipeline {
	return &domain.Pipeline{
		ProjectID: projectID,
		Ref:       ref,
		SHA:       "abc123",
		Source:    domain.SourcePush,
		Status:    domain.StatusCreated,
		Stages: []*domain.Stage{
			{Name: "build", Jobs: []*domain.Job{{Name: "compile", StageName: "build", Status: domain.StatusCreated}}},
			{Name: "test", Position: 1, Jobs: []*domain.Job{{Name: "unit", StageName: "test", StageIdx: 1, Status: domain.StatusCreated}}},
		},
	}
}

func TestMemoryStore_CreatePipelineAssignsIDs(t *testing.T) {
	store := New()
	ctx := context.Background()

	first := newPipeline(1, "main")
	if err := store.CreatePipeline(ctx, first); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	second := newPipeline(1, "main")
	if err := store.CreatePipeline(ctx, second); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	other := newPipeline(2, "main")
	if err := store.CreatePipeline(ctx, other); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	if first.IID != 1 || second.IID != 2 || other.IID != 1 {
		t.Errorf("IIDs = %d, %d, %d; want 1, 2, 1", first.IID, second.IID, other.IID)
	}
	for _, job := range second.Jobs() {
		if job.ID == 0 || job.PipelineID != second.ID {
			t.Errorf("job %s not assigned: id=%d pipeline=%d", job.Name, job.ID, job.PipelineID)
		}
	}

	if err := store.CreatePipeline(ctx, first); err == nil {
		t.Error("expected error creating a persisted pipeline twice")
	}
}

func TestMemoryStore_GetPipelineReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()

	p := newPipeline(1, "main")
	if err := store.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	p.Stages[0].Jobs[0].Status = domain.StatusRunning

	got, err := store.GetPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipeline() error = %v", err)
	}
	if got.Stages[0].Jobs[0].Status != domain.StatusCreated {
		t.Errorf("stored job mutated through caller: %s", got.Stages[0].Jobs[0].Status)
	}

	if _, err := store.GetPipeline(ctx, 999); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("GetPipeline(999) error = %v, want ErrRecordNotFound", err)
	}
}

func TestMemoryStore_UpdateAndGetJob(t *testing.T) {
	store := New()
	ctx := context.Background()

	p := newPipeline(1, "main")
	if err := store.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	p.Stages[0].Jobs[0].Status = domain.StatusSuccess
	if err := store.UpdatePipeline(ctx, p); err != nil {
		t.Fatalf("UpdatePipeline() error = %v", err)
	}

	job, err := store.GetJob(ctx, p.Stages[0].Jobs[0].ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != domain.StatusSuccess {
		t.Errorf("job status = %s, want success", job.Status)
	}

	if err := store.UpdatePipeline(ctx, &domain.Pipeline{ID: 42}); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("UpdatePipeline(42) error = %v, want ErrRecordNotFound", err)
	}
}

func TestMemoryStore_ListPipelines(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, ref := range []string{"main", "feature", "main"} {
		if err := store.CreatePipeline(ctx, newPipeline(1, ref)); err != nil {
			t.Fatalf("CreatePipeline() error = %v", err)
		}
	}

	list, err := store.ListPipelines(ctx, ports.PipelineListOptions{ProjectID: 1, Ref: "main"})
	if err != nil {
		t.Fatalf("ListPipelines() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].ID < list[1].ID {
		t.Errorf("pipelines not newest first: %d, %d", list[0].ID, list[1].ID)
	}
	if len(list[0].Stages) != 0 {
		t.Error("listed pipelines should not carry jobs")
	}

	page, err := store.ListPipelines(ctx, ports.PipelineListOptions{ProjectID: 1, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListPipelines() error = %v", err)
	}
	if len(page) != 1 || page[0].ID != 2 {
		t.Errorf("page = %+v, want pipeline 2", page)
	}
}

func TestMemoryStore_CountAliveAndActiveJobs(t *testing.T) {
	store := New()
	ctx := context.Background()

	running := newPipeline(1, "main")
	running.Status = domain.StatusRunning
	running.Stages[0].Jobs[0].Status = domain.StatusSuccess
	if err := store.CreatePipeline(ctx, running); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	done := newPipeline(1, "main")
	done.Status = domain.StatusSuccess
	if err := store.CreatePipeline(ctx, done); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	alive, _ := store.CountAlivePipelines(ctx, 1)
	if alive != 1 {
		t.Errorf("CountAlivePipelines() = %d, want 1", alive)
	}
	active, _ := store.CountActiveJobs(ctx, 1)
	if active != 1 {
		t.Errorf("CountActiveJobs() = %d, want 1", active)
	}
}

func TestMemoryStore_DueSchedules(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	schedules := []*domain.Schedule{
		{ProjectID: 1, Ref: "main", Active: true, NextRunAt: now.Add(-time.Minute)},
		{ProjectID: 1, Ref: "main", Active: false, NextRunAt: now.Add(-time.Minute)},
		{ProjectID: 1, Ref: "main", Active: true, NextRunAt: now.Add(time.Minute)},
		{ProjectID: 1, Ref: "main", Active: true, NextRunAt: now.Add(-time.Hour)},
	}
	for _, sc := range schedules {
		if err := store.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("CreateSchedule() error = %v", err)
		}
	}

	due, err := store.DueSchedules(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueSchedules() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != schedules[3].ID {
		t.Errorf("due[0] = %d, want the oldest schedule %d", due[0].ID, schedules[3].ID)
	}
}

func TestMemoryStore_EnqueueUnique(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	id, added, err := store.EnqueueUnique(ctx, "run", "key-1", json.RawMessage(`{}`), now)
	if err != nil || !added {
		t.Fatalf("EnqueueUnique() = %d, %v, %v", id, added, err)
	}
	again, added, err := store.EnqueueUnique(ctx, "run", "key-1", json.RawMessage(`{}`), now)
	if err != nil {
		t.Fatalf("EnqueueUnique() error = %v", err)
	}
	if added || again != id {
		t.Errorf("duplicate enqueue = %d, %v; want %d, false", again, added, id)
	}

	if err := store.Kill(ctx, id, "boom"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if _, added, _ := store.EnqueueUnique(ctx, "run", "key-1", json.RawMessage(`{}`), now); !added {
		t.Error("a dead job should not block a new unique job")
	}
}

func TestMemoryStore_ClaimLeases(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	later, _ := store.Enqueue(ctx, "later", nil, now.Add(time.Hour))
	first, _ := store.Enqueue(ctx, "first", nil, now.Add(-2*time.Minute))
	second, _ := store.Enqueue(ctx, "second", nil, now.Add(-time.Minute))

	job, err := store.Claim(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if job == nil || job.ID != first || job.Attempts != 1 {
		t.Fatalf("Claim() = %+v, want job %d with one attempt", job, first)
	}

	job, _ = store.Claim(ctx, now, time.Minute)
	if job == nil || job.ID != second {
		t.Fatalf("Claim() = %+v, want job %d", job, second)
	}

	if job, _ := store.Claim(ctx, now, time.Minute); job != nil {
		t.Fatalf("Claim() = %+v, want nothing runnable", job)
	}

	// An expired lease makes the job claimable again.
	job, _ = store.Claim(ctx, now.Add(2*time.Minute), time.Minute)
	if job == nil || job.ID != first || job.Attempts != 2 {
		t.Fatalf("Claim() after lease expiry = %+v, want job %d again", job, first)
	}

	if err := store.Complete(ctx, first); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := store.Retry(ctx, second, now.Add(30*time.Minute), "try later"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	remaining := store.QueuedJobs()
	if len(remaining) != 2 {
		t.Fatalf("len(QueuedJobs()) = %d, want 2", len(remaining))
	}
	for _, q := range remaining {
		if q.ID == second && (q.LockedUntil != nil || q.LastError != "try later") {
			t.Errorf("retried job = %+v", q)
		}
		if q.ID == later && q.Attempts != 0 {
			t.Errorf("future job was claimed: %+v", q)
		}
	}
}
