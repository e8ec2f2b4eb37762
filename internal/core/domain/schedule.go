package domain

import "time"

// Schedule periodically creates pipelines for a ref on behalf of its owner.
type Schedule struct {
	ID             int64      `json:"id"`
	ProjectID      int64      `json:"project_id"`
	Description    string     `json:"description"`
	Ref            string     `json:"ref"`
	Cron           string     `json:"cron"`
	CronTimezone   string     `json:"cron_timezone"`
	NextRunAt      time.Time  `json:"next_run_at"`
	Active         bool       `json:"active"`
	OwnerID        int64      `json:"owner_id"`
	Variables      []Variable `json:"variables,omitempty"`
	LastPipelineID int64      `json:"last_pipeline_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Runnable reports whether the schedule is due at now.
func (s *Schedule) Runnable(now time.Time) bool {
	return s.Active && !s.NextRunAt.After(now)
}
