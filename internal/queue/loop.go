package queue

import (
	"context"
	"fmt"
	"time"
)

// Next tells Loop what to do after a task iteration.
type Next struct {
	err      error
	quit     bool
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("break with error: %v", n.err)
	}
	if n.quit {
		return "break"
	}
	return fmt.Sprintf("continue after %s", n.interval)
}

// Continue runs the task again after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. A nil err stops it cleanly.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is one iteration of a loop. It receives the value returned by the
// previous iteration.
type Task[T any] func(context.Context, T) (T, Next)

// Loop calls task until it breaks or ctx is done. It returns the last value
// together with the break error, or ctx.Err() on cancellation.
func Loop[T any](ctx context.Context, init T, task Task[T]) (T, error) {
	if err := ctx.Err(); err != nil {
		return init, err
	}

	value := init
	for {
		v, next := task(ctx, value)
		value = v
		if next.err != nil {
			return value, next.err
		}
		if next.quit {
			return value, nil
		}

		timer := time.NewTimer(next.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

// Policy turns the outcome of an iteration into the next step.
type Policy interface {
	Next(worked bool, err error) Next
	String() string
}

// Forever keeps polling: immediately while there is work, otherwise after
// idle.
func Forever(idle time.Duration) Policy {
	return forever(idle)
}

type forever time.Duration

func (f forever) String() string { return fmt.Sprintf("forever:%s", time.Duration(f)) }

func (f forever) Next(worked bool, err error) Next {
	if worked {
		return Continue(0)
	}
	return Continue(time.Duration(f))
}

// Backlog runs while there is work and stops once nothing is runnable.
func Backlog() Policy {
	return backlog{}
}

type backlog struct{}

func (backlog) String() string { return "backlog" }

func (backlog) Next(worked bool, err error) Next {
	if err != nil {
		return Break(err)
	}
	if worked {
		return Continue(0)
	}
	return Break(nil)
}
