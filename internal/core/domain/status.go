package domain

// Status is the lifecycle state shared by pipelines, stages and jobs.
type Status string

const (
	StatusCreated            Status = "created"
	StatusWaitingForResource Status = "waiting_for_resource"
	StatusPreparing          Status = "preparing"
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
	StatusCanceled           Status = "canceled"
	StatusSkipped            Status = "skipped"
	StatusManual             Status = "manual"
	StatusScheduled          Status = "scheduled"
)

// AllStatuses lists every known status in declaration order.
var AllStatuses = []Status{
	StatusCreated, StatusWaitingForResource, StatusPreparing, StatusPending, StatusRunning,
	StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped, StatusManual, StatusScheduled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether s still occupies a runner or waits for one.
func (s Status) IsActive() bool {
	switch s {
	case StatusPreparing, StatusPending, StatusRunning, StatusWaitingForResource:
		return true
	}
	return false
}

// IsAlive reports whether s is not yet in a terminal or blocked state.
func (s Status) IsAlive() bool {
	return s == StatusCreated || s.IsActive()
}

// IsComplete reports whether s is terminal.
func (s Status) IsComplete() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	}
	return false
}

// IsBlocked reports whether s waits on a user action or a timer.
func (s Status) IsBlocked() bool {
	return s == StatusManual || s == StatusScheduled
}

// compositeKey is the effective bucket a job status is counted under when
// computing the status of a group of jobs.
type compositeKey string

const (
	keySuccessWithWarnings compositeKey = "success_with_warnings"
	keyIgnored             compositeKey = "ignored"
)

// CompositeStatus holds the per-status counts of a group of jobs and derives
// the status of the group.
type CompositeStatus struct {
	counts map[compositeKey]int
	total  int
}

// NewCompositeStatus counts jobs. A failed job that is allowed to fail counts
// as success with warnings; a manual job that is allowed to fail is ignored.
func NewCompositeStatus(jobs []*Job) *CompositeStatus {
	c := &CompositeStatus{counts: make(map[compositeKey]int)}
	for _, job := range jobs {
		c.Add(job.Status, job.AllowFailure)
	}
	return c
}

// Add counts one more job in the given status.
func (c *CompositeStatus) Add(status Status, allowFailure bool) {
	key := compositeKey(status)
	if allowFailure {
		switch status {
		case StatusFailed, StatusCanceled:
			key = keySuccessWithWarnings
		case StatusManual, StatusScheduled:
			key = keyIgnored
		}
	}
	c.counts[key]++
	c.total++
}

// Warnings reports whether any allowed failure was counted.
func (c *CompositeStatus) Warnings() bool {
	return c.counts[keySuccessWithWarnings] > 0
}

// Status returns the status of the group, or "" when the group is empty.
func (c *CompositeStatus) Status() Status {
	switch {
	case c.total == 0:
		return ""
	case c.onlyOf(StatusSkipped, keyIgnored):
		return StatusSkipped
	case c.onlyOf(StatusSuccess, StatusSkipped, keySuccessWithWarnings, keyIgnored):
		return StatusSuccess
	case c.onlyOf(StatusCreated, keySuccessWithWarnings, keyIgnored):
		return StatusCreated
	case c.onlyOf(StatusPreparing, keySuccessWithWarnings, keyIgnored):
		return StatusPreparing
	case c.onlyOf(StatusCanceled, StatusSuccess, StatusSkipped, keySuccessWithWarnings, keyIgnored):
		return StatusCanceled
	case c.onlyOf(StatusPending, StatusCreated, StatusSkipped, keySuccessWithWarnings, keyIgnored):
		return StatusPending
	case c.anyOf(StatusRunning, StatusPending):
		return StatusRunning
	case c.anyOf(StatusWaitingForResource):
		return StatusWaitingForResource
	case c.anyOf(StatusManual):
		return StatusManual
	case c.anyOf(StatusScheduled):
		return StatusScheduled
	case c.anyOf(StatusPreparing):
		return StatusPreparing
	case c.anyOf(StatusCreated):
		return StatusRunning
	default:
		return StatusFailed
	}
}

func (c *CompositeStatus) onlyOf(keys ...any) bool {
	n := 0
	for _, k := range keys {
		n += c.counts[toKey(k)]
	}
	return n == c.total
}

func (c *CompositeStatus) anyOf(keys ...any) bool {
	for _, k := range keys {
		if c.counts[toKey(k)] > 0 {
			return true
		}
	}
	return false
}

func toKey(k any) compositeKey {
	switch v := k.(type) {
	case Status:
		return compositeKey(v)
	case compositeKey:
		return v
	}
	return ""
}
