package ports

import (
	"context"
	"encoding/json"
	"time"
)

// QueuedJob is a background job record. A claimed job is leased until
// LockedUntil; if the lease lapses before Complete is called the job becomes
// claimable again, so handlers may run more than once.
type QueuedJob struct {
	ID          int64           `json:"id" db:"id"`
	Kind        string          `json:"kind" db:"kind"`
	UniqueKey   string          `json:"unique_key,omitempty" db:"unique_key"`
	Args        json.RawMessage `json:"args" db:"args"`
	Attempts    int             `json:"attempts" db:"attempts"`
	RunAt       time.Time       `json:"run_at" db:"run_at"`
	LockedUntil *time.Time      `json:"locked_until,omitempty" db:"locked_until"`
	LastError   string          `json:"last_error,omitempty" db:"last_error"`
	Dead        bool            `json:"dead" db:"dead"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// JobQueue is an at-least-once background job queue.
type JobQueue interface {
	// Enqueue adds a job that becomes claimable at runAt.
	Enqueue(ctx context.Context, kind string, args json.RawMessage, runAt time.Time) (int64, error)

	// EnqueueUnique adds a job unless a job with the same unique key exists.
	// The boolean reports whether a new job was added.
	EnqueueUnique(ctx context.Context, kind, uniqueKey string, args json.RawMessage, runAt time.Time) (int64, bool, error)

	// Claim leases the oldest runnable job. It returns nil when nothing is runnable.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*QueuedJob, error)

	// Complete removes a job after its handler succeeded.
	Complete(ctx context.Context, id int64) error

	// Retry releases a job so it runs again at runAt.
	Retry(ctx context.Context, id int64, runAt time.Time, lastError string) error

	// Kill parks a job that exhausted its attempts.
	Kill(ctx context.Context, id int64, lastError string) error
}
