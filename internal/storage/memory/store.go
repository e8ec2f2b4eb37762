// Package memory provides an in-memory implementation of ports.Store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// Store keeps pipelines, schedules and queued jobs in memory. Values are
// copied on the way in and out so callers never share state with the store.
type Store struct {
	mu sync.RWMutex

	pipelines      map[int64]*domain.Pipeline
	projectIIDs    map[int64]int64
	jobs           map[int64]int64 // job id -> pipeline id
	schedules      map[int64]*domain.Schedule
	environments   map[string]bool
	resourceGroups map[string]bool
	queue          map[int64]*ports.QueuedJob

	nextPipelineID int64
	nextJobID      int64
	nextScheduleID int64
	nextQueueID    int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		pipelines:      make(map[int64]*domain.Pipeline),
		projectIIDs:    make(map[int64]int64),
		jobs:           make(map[int64]int64),
		schedules:      make(map[int64]*domain.Schedule),
		environments:   make(map[string]bool),
		resourceGroups: make(map[string]bool),
		queue:          make(map[int64]*ports.QueuedJob),
	}
}

func (s *Store) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID != 0 {
		return fmt.Errorf("pipeline %d already exists", p.ID)
	}
	s.nextPipelineID++
	s.projectIIDs[p.ProjectID]++
	p.ID = s.nextPipelineID
	p.IID = s.projectIIDs[p.ProjectID]
	for _, job := range p.Jobs() {
		s.nextJobID++
		job.ID = s.nextJobID
		job.PipelineID = p.ID
		s.jobs[job.ID] = p.ID
	}

	s.pipelines[p.ID] = p.Clone()
	return nil
}

func (s *Store) UpdatePipeline(ctx context.Context, p *domain.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[p.ID]; !exists {
		return fmt.Errorf("pipeline %d: %w", p.ID, domain.ErrRecordNotFound)
	}
	for _, job := range p.Jobs() {
		if job.ID == 0 {
			s.nextJobID++
			job.ID = s.nextJobID
			job.PipelineID = p.ID
			s.jobs[job.ID] = p.ID
		}
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id int64) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pipelines[id]
	if !exists {
		return nil, fmt.Errorf("pipeline %d: %w", id, domain.ErrRecordNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) ListPipelines(ctx context.Context, opts ports.PipelineListOptions) ([]*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Pipeline
	for _, p := range s.pipelines {
		if !matches(p, opts) {
			continue
		}
		summary := p.Clone()
		summary.Stages = nil
		result = append(result, summary)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })

	start := opts.Offset
	if start >= len(result) {
		return []*domain.Pipeline{}, nil
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func matches(p *domain.Pipeline, opts ports.PipelineListOptions) bool {
	if opts.ProjectID != 0 && p.ProjectID != opts.ProjectID {
		return false
	}
	if opts.Ref != "" && p.Ref != opts.Ref {
		return false
	}
	if opts.SHA != "" && p.SHA != opts.SHA {
		return false
	}
	if opts.Source != "" && p.Source != opts.Source {
		return false
	}
	if len(opts.Status) == 0 {
		return true
	}
	for _, st := range opts.Status {
		if p.Status == st {
			return true
		}
	}
	return false
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pipelineID, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %d: %w", id, domain.ErrRecordNotFound)
	}
	for _, job := range s.pipelines[pipelineID].Jobs() {
		if job.ID == id {
			return job.Clone(), nil
		}
	}
	return nil, fmt.Errorf("job %d: %w", id, domain.ErrRecordNotFound)
}

func (s *Store) CountAlivePipelines(ctx context.Context, projectID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.pipelines {
		if p.ProjectID == projectID && p.IsAlive() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountActiveJobs(ctx context.Context, projectID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.pipelines {
		if p.ProjectID != projectID || !p.IsAlive() {
			continue
		}
		for _, job := range p.Jobs() {
			if !job.Status.IsComplete() {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextScheduleID++
	sc.ID = s.nextScheduleID
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, exists := s.schedules[id]
	if !exists {
		return nil, fmt.Errorf("schedule %d: %w", id, domain.ErrRecordNotFound)
	}
	return cloneSchedule(sc), nil
}

func (s *Store) ListSchedules(ctx context.Context, projectID int64) ([]*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Schedule
	for _, sc := range s.schedules {
		if sc.ProjectID == projectID {
			result = append(result, cloneSchedule(sc))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sc.ID]; !exists {
		return fmt.Errorf("schedule %d: %w", sc.ID, domain.ErrRecordNotFound)
	}
	sc.UpdatedAt = time.Now()
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Schedule
	for _, sc := range s.schedules {
		if sc.Runnable(now) {
			result = append(result, cloneSchedule(sc))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].NextRunAt.Equal(result[j].NextRunAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].NextRunAt.Before(result[j].NextRunAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneSchedule(sc *domain.Schedule) *domain.Schedule {
	out := *sc
	out.Variables = append([]domain.Variable(nil), sc.Variables...)
	return &out
}

func (s *Store) EnsureEnvironment(ctx context.Context, projectID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.environments[fmt.Sprintf("%d/%s", projectID, name)] = true
	return nil
}

func (s *Store) EnsureResourceGroup(ctx context.Context, projectID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceGroups[fmt.Sprintf("%d/%s", projectID, key)] = true
	return nil
}

// HasEnvironment reports whether EnsureEnvironment recorded name.
func (s *Store) HasEnvironment(projectID int64, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.environments[fmt.Sprintf("%d/%s", projectID, name)]
}

// HasResourceGroup reports whether EnsureResourceGroup recorded key.
func (s *Store) HasResourceGroup(projectID int64, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resourceGroups[fmt.Sprintf("%d/%s", projectID, key)]
}

func (s *Store) Enqueue(ctx context.Context, kind string, args json.RawMessage, runAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(kind, "", args, runAt), nil
}

func (s *Store) EnqueueUnique(ctx context.Context, kind, uniqueKey string, args json.RawMessage, runAt time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.queue {
		if job.UniqueKey == uniqueKey && !job.Dead {
			return job.ID, false, nil
		}
	}
	return s.enqueueLocked(kind, uniqueKey, args, runAt), true, nil
}

func (s *Store) enqueueLocked(kind, uniqueKey string, args json.RawMessage, runAt time.Time) int64 {
	s.nextQueueID++
	s.queue[s.nextQueueID] = &ports.QueuedJob{
		ID:        s.nextQueueID,
		Kind:      kind,
		UniqueKey: uniqueKey,
		Args:      append(json.RawMessage(nil), args...),
		RunAt:     runAt,
		CreatedAt: time.Now(),
	}
	return s.nextQueueID
}

func (s *Store) Claim(ctx context.Context, now time.Time, lease time.Duration) (*ports.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *ports.QueuedJob
	for _, job := range s.queue {
		if job.Dead || job.RunAt.After(now) {
			continue
		}
		if job.LockedUntil != nil && job.LockedUntil.After(now) {
			continue
		}
		if next == nil || job.RunAt.Before(next.RunAt) || (job.RunAt.Equal(next.RunAt) && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	until := now.Add(lease)
	next.LockedUntil = &until
	next.Attempts++
	out := *next
	return &out, nil
}

func (s *Store) Complete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queue[id]; !exists {
		return fmt.Errorf("queued job %d: %w", id, domain.ErrRecordNotFound)
	}
	delete(s.queue, id)
	return nil
}

func (s *Store) Retry(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.queue[id]
	if !exists {
		return fmt.Errorf("queued job %d: %w", id, domain.ErrRecordNotFound)
	}
	job.RunAt = runAt
	job.LockedUntil = nil
	job.LastError = lastError
	return nil
}

func (s *Store) Kill(ctx context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.queue[id]
	if !exists {
		return fmt.Errorf("queued job %d: %w", id, domain.ErrRecordNotFound)
	}
	job.Dead = true
	job.LockedUntil = nil
	job.LastError = lastError
	return nil
}

// QueuedJobs returns a snapshot of the queue ordered by ID.
func (s *Store) QueuedJobs() []ports.QueuedJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ports.QueuedJob, 0, len(s.queue))
	for _, job := range s.queue {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Close() error {
	return nil
}

var _ ports.Store = (*Store)(nil)
