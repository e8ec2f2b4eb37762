package processing

import (
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// transitions lists the statuses a job may move to from each status.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusCreated:            {domain.StatusPending, domain.StatusManual, domain.StatusScheduled, domain.StatusSkipped, domain.StatusCanceled},
	domain.StatusWaitingForResource: {domain.StatusPending, domain.StatusCanceled, domain.StatusSkipped},
	domain.StatusPreparing:          {domain.StatusPending, domain.StatusRunning, domain.StatusFailed, domain.StatusCanceled},
	domain.StatusPending:            {domain.StatusWaitingForResource, domain.StatusPreparing, domain.StatusRunning, domain.StatusSuccess, domain.StatusFailed, domain.StatusCanceled, domain.StatusSkipped},
	domain.StatusRunning:            {domain.StatusSuccess, domain.StatusFailed, domain.StatusCanceled},
	domain.StatusManual:             {domain.StatusPending, domain.StatusSkipped, domain.StatusCanceled},
	domain.StatusScheduled:          {domain.StatusPending, domain.StatusManual, domain.StatusCanceled},
	domain.StatusFailed:             {domain.StatusCreated},
	domain.StatusCanceled:           {domain.StatusCreated},
	domain.StatusSuccess:            {domain.StatusCreated},
	domain.StatusSkipped:            {domain.StatusCreated},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to domain.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves job to status and stamps its timestamps.
func Transition(job *domain.Job, status domain.Status, now time.Time) {
	job.Status = status
	switch {
	case status == domain.StatusRunning:
		job.StartedAt = &now
		job.FinishedAt = nil
	case status.IsComplete():
		if job.StartedAt == nil && status != domain.StatusSkipped {
			job.StartedAt = &now
		}
		job.FinishedAt = &now
	case status == domain.StatusCreated:
		job.StartedAt = nil
		job.FinishedAt = nil
		job.ScheduledAt = nil
	}
}

// Retry resets failed and canceled jobs, and the jobs that were skipped
// because of them, so processing runs them again. It reports whether any
// job was reset.
func Retry(p *domain.Pipeline, now time.Time) bool {
	retried := false
	for _, job := range p.Jobs() {
		switch job.Status {
		case domain.StatusFailed, domain.StatusCanceled, domain.StatusSkipped:
			Transition(job, domain.StatusCreated, now)
			retried = true
		}
	}
	if !retried {
		return false
	}
	p.FailureReason = ""
	p.Errors = nil
	p.Status = domain.StatusCreated
	p.FinishedAt = nil
	p.UpdatedAt = now
	for _, stage := range p.Stages {
		stage.Status = domain.StatusCreated
	}
	Update(p, now)
	return true
}

// Retryable reports whether Retry would change the pipeline.
func Retryable(p *domain.Pipeline) bool {
	for _, job := range p.Jobs() {
		switch job.Status {
		case domain.StatusFailed, domain.StatusCanceled, domain.StatusSkipped:
			return true
		}
	}
	return false
}

// Cancel cancels every unfinished job and the pipeline. It reports whether
// the pipeline was still cancelable.
func Cancel(p *domain.Pipeline, now time.Time) bool {
	if p.IsComplete() {
		return false
	}
	p.Cancel(now)
	for _, stage := range p.Stages {
		if status := domain.NewCompositeStatus(stage.Jobs).Status(); status != "" {
			stage.Status = status
		}
	}
	p.UpdatedAt = now
	return true
}
