// Package schedule computes when pipeline schedules run next.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron is a parsed schedule expression bound to a time zone.
type Cron struct {
	schedule cron.Schedule
	location *time.Location
}

// Parse parses a five field cron expression evaluated in timezone. An empty
// time zone means UTC.
func Parse(expr, timezone string) (*Cron, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid cron timezone %q: %w", timezone, err)
		}
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron syntax %q: %w", expr, err)
	}
	return &Cron{schedule: sched, location: loc}, nil
}

// Next returns the first run strictly after t, in UTC.
func (c *Cron) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.location)).UTC()
}

// NextRun returns the next time a schedule runs after now. When worker is
// set the result is moved to the first schedule time the worker can pick
// up, because schedules only run when the worker polls.
func NextRun(expr, timezone string, now time.Time, worker *Cron) (time.Time, error) {
	c, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := c.Next(now)
	if worker == nil {
		return next, nil
	}
	tick := worker.Next(now)
	for next.Before(tick) {
		next = c.Next(next)
	}
	return next, nil
}
