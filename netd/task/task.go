// Package task implements a small scheduler for periodic background work.
package task

import (
	"context"
	"fmt"
	"time"
)

// Func is a task function that can be supplied to Start.
type Func func(context.Context)

// Schedule tells Start how long to wait until the task should run again.
// A nil error always runs the task, then waits the returned duration
// before asking again. A non-nil error with a positive duration is
// transient: Start waits that long and asks again without running the
// task. A non-nil error with a zero duration tells Start to give up
// forever.
type Schedule func() (time.Duration, error)

var errZeroInterval = fmt.Errorf("zero interval")
var errSkipFirst = fmt.Errorf("skip first run")

// EveryOption tweaks the behavior of a Schedule returned by Every.
type EveryOption func(*everyOptions)

type everyOptions struct {
	skipFirst bool
}

// SkipFirst causes the first run to happen after one interval has elapsed
// instead of immediately.
func SkipFirst(o *everyOptions) {
	o.skipFirst = true
}

// Every returns a Schedule that runs a task repeatedly at a fixed
// interval. By default the first run happens immediately.
func Every(interval time.Duration, options ...EveryOption) Schedule {
	opts := &everyOptions{}
	for _, option := range options {
		option(opts)
	}

	if interval <= 0 {
		return func() (time.Duration, error) {
			return 0, errZeroInterval
		}
	}

	first := opts.skipFirst

	return func() (time.Duration, error) {
		if first {
			first = false
			return interval, errSkipFirst
		}

		return interval, nil
	}
}

// Start runs f according to schedule in a background goroutine until the
// returned stop function is called. The returned reset function ends the
// currently pending wait immediately, triggering another run right away.
func Start(f Func, schedule Schedule) (stop func(time.Duration) error, reset func()) {
	ctx, cancel := context.WithCancel(context.Background())
	resetCh := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			delay, err := schedule()
			if err != nil {
				if delay <= 0 {
					return
				}

				if !sleep(ctx, resetCh, delay) {
					return
				}

				continue
			}

			select {
			case <-ctx.Done():
				return
			default:
			}

			f(ctx)

			if delay > 0 {
				if !sleep(ctx, resetCh, delay) {
					return
				}
			}
		}
	}()

	stop = func(timeout time.Duration) error {
		cancel()

		select {
		case <-done:
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("timeout waiting for task to stop")
		}
	}

	reset = func() {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}

	return stop, reset
}

// sleep waits for d, returning true if it elapsed normally or was cut
// short by resetCh, and false if ctx was canceled first.
func sleep(ctx context.Context, resetCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-resetCh:
		return true
	case <-timer.C:
		return true
	}
}
