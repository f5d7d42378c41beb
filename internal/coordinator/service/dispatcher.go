package service

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/metrics"
)

// classQueue is the ready queue and in-flight set of one resource class.
type classQueue struct {
	budget   int
	queue    core.TaskPriorityQueue
	inflight map[uuid.UUID]struct{}
}

func (c *classQueue) hasCapacity() bool {
	return len(c.inflight) < c.budget
}

// Dispatcher owns the per-class ready queues and concurrency budgets. A task
// is handed out only while its class has fewer in-flight tasks than its
// budget. The in-flight set is keyed by task id so that releasing twice is
// harmless.
type Dispatcher struct {
	mu      sync.Mutex
	classes map[core.ResourceClass]*classQueue
	order   []core.ResourceClass
	next    int
	wake    chan struct{}
}

type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	queueOpts []core.QueueOption
}

func WithQueueOptions(opts ...core.QueueOption) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.queueOpts = append(o.queueOpts, opts...)
	}
}

func NewDispatcher(budgets map[core.ResourceClass]int, opts ...DispatcherOption) (*Dispatcher, error) {
	var o dispatcherOptions
	for _, opt := range opts {
		opt(&o)
	}

	d := &Dispatcher{
		classes: make(map[core.ResourceClass]*classQueue, len(budgets)),
		wake:    make(chan struct{}),
	}
	for class, budget := range budgets {
		if budget < 1 {
			return nil, fmt.Errorf("class %s: budget must be positive", class)
		}
		d.classes[class] = &classQueue{
			budget:   budget,
			queue:    core.NewTaskPriorityQueue(o.queueOpts...),
			inflight: make(map[uuid.UUID]struct{}),
		}
		d.order = append(d.order, class)
	}
	slices.Sort(d.order)
	return d, nil
}

// Enqueue makes a queued task eligible for dispatch.
func (d *Dispatcher) Enqueue(task *core.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cq, ok := d.classes[task.ResourceClass]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownClass, task.ResourceClass)
	}
	if err := cq.queue.Push(task, task.Priority); err != nil {
		return err
	}
	metrics.SetQueueDepth(string(task.ResourceClass), cq.queue.Len())
	d.broadcast()
	return nil
}

// Acquire pops the most urgent task from the first class, matching one of
// the patterns, that has both a queued task and spare budget. Classes are
// scanned from a rotating offset so one busy class cannot starve the rest.
// The caller owns one budget unit of the returned task's class until it
// calls Release.
func (d *Dispatcher) Acquire(patterns []string) (*core.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.order)
	if n == 0 {
		return nil, false
	}
	start := d.next % n
	d.next++
	for i := 0; i < n; i++ {
		class := d.order[(start+i)%n]
		if !matchClass(patterns, class) {
			continue
		}
		cq := d.classes[class]
		if !cq.hasCapacity() || cq.queue.Len() == 0 {
			continue
		}
		task, err := cq.queue.Pop()
		if err != nil {
			continue
		}
		cq.inflight[task.ID] = struct{}{}
		metrics.SetQueueDepth(string(class), cq.queue.Len())
		metrics.SetInflight(string(class), len(cq.inflight))
		return task, true
	}
	return nil, false
}

// Release returns the budget unit held by taskID. Unknown ids are ignored.
func (d *Dispatcher) Release(class core.ResourceClass, taskID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cq, ok := d.classes[class]
	if !ok {
		return
	}
	if _, held := cq.inflight[taskID]; !held {
		return
	}
	delete(cq.inflight, taskID)
	metrics.SetInflight(string(class), len(cq.inflight))
	d.broadcast()
}

// Adopt counts a task that is already running against its class budget.
// It is used after a restart and ignores the cap.
func (d *Dispatcher) Adopt(task *core.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cq, ok := d.classes[task.ResourceClass]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownClass, task.ResourceClass)
	}
	cq.inflight[task.ID] = struct{}{}
	metrics.SetInflight(string(task.ResourceClass), len(cq.inflight))
	return nil
}

// Remove drops a task from its ready queue, if it is still there.
func (d *Dispatcher) Remove(class core.ResourceClass, taskID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cq, ok := d.classes[class]
	if !ok {
		return false
	}
	removed := cq.queue.Remove(taskID)
	if removed {
		metrics.SetQueueDepth(string(class), cq.queue.Len())
	}
	return removed
}

// Wake returns a channel that is closed the next time a task is enqueued or
// a budget unit is released.
func (d *Dispatcher) Wake() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wake
}

// broadcast wakes every waiter. Caller must hold mu.
func (d *Dispatcher) broadcast() {
	close(d.wake)
	d.wake = make(chan struct{})
}

func (d *Dispatcher) HasClass(class core.ResourceClass) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.classes[class]
	return ok
}

// ClassStats is a point-in-time view of one resource class.
type ClassStats struct {
	Budget   int
	Inflight int
	Queued   int
}

func (d *Dispatcher) Stats() map[core.ResourceClass]ClassStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[core.ResourceClass]ClassStats, len(d.classes))
	for class, cq := range d.classes {
		out[class] = ClassStats{
			Budget:   cq.budget,
			Inflight: len(cq.inflight),
			Queued:   cq.queue.Len(),
		}
	}
	return out
}

// matchClass reports whether any slot capability pattern matches class.
func matchClass(patterns []string, class core.ResourceClass) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, string(class)); err == nil && ok {
			return true
		}
	}
	return false
}

// ValidPatterns rejects malformed class patterns before a slot starts
// polling with them.
func ValidPatterns(patterns []string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("at least one class pattern is required")
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid class pattern %q", p)
		}
	}
	return nil
}
