package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Group is a collection of tasks started together and stopped under a
// single Stop call.
type Group struct {
	mu    sync.Mutex
	tasks []*groupTask
}

type groupTask struct {
	f        Func
	schedule Schedule
	stop     func(time.Duration) error
}

// NewGroup returns a new empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a task function and its schedule with the group. Must be
// called before Start.
func (g *Group) Add(f Func, schedule Schedule) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tasks = append(g.tasks, &groupTask{f: f, schedule: schedule})
}

// Start starts every task registered so far.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.tasks {
		stop, _ := Start(t.f, t.schedule)
		t.stop = stop
	}
}

// Stop stops every task in the group, waiting up to timeout for each to
// finish. If any task is still running once the timeout elapses, Stop
// returns an error naming their IDs (their index in Add order).
func (g *Group) Stop(timeout time.Duration) error {
	g.mu.Lock()
	tasks := g.tasks
	g.mu.Unlock()

	var mu sync.Mutex
	var stillRunning []int
	var wg sync.WaitGroup

	for i, t := range tasks {
		if t.stop == nil {
			continue
		}

		wg.Add(1)

		go func(i int, stop func(time.Duration) error) {
			defer wg.Done()

			if err := stop(timeout); err != nil {
				mu.Lock()
				stillRunning = append(stillRunning, i)
				mu.Unlock()
			}
		}(i, t.stop)
	}

	wg.Wait()

	if len(stillRunning) == 0 {
		return nil
	}

	sort.Ints(stillRunning)

	return fmt.Errorf("Task(s) still running: IDs %v", stillRunning)
}
