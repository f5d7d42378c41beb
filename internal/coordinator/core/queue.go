package core

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority bounds for jobs. Higher value means more urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ErrQueueEmpty is returned when Pop() or Top() is called on an empty queue.
var ErrQueueEmpty = errors.New("priority queue is empty")

// TaskPriorityQueue is a thread-safe max-heap of tasks, popping the highest
// effective priority first. Tasks with the same priority are served in FIFO
// order. A task that waited longer than the aging threshold moves ahead of
// every task that has not, whatever their priorities.
type TaskPriorityQueue interface {
	Push(task *Task, priority int) error
	Pop() (*Task, error)
	Top() (*Task, error)
	Remove(taskID uuid.UUID) bool
	Len() int
}

type QueueOption func(*heapTaskPriorityQueue)

// WithAging promotes a task once it has waited threshold. Promoted tasks
// are served FIFO ahead of all others. A zero threshold disables aging.
func WithAging(threshold time.Duration) QueueOption {
	return func(q *heapTaskPriorityQueue) {
		q.agingThreshold = threshold
	}
}

func WithClock(now func() time.Time) QueueOption {
	return func(q *heapTaskPriorityQueue) {
		q.now = now
	}
}

type heapTaskPriorityQueue struct {
	pq       priorityQueue
	byID     map[uuid.UUID]*item
	waiting  []*item // unpromoted items in enqueue order
	mu       sync.RWMutex
	sequence uint64

	agingThreshold time.Duration
	now            func() time.Time
}

func NewTaskPriorityQueue(opts ...QueueOption) TaskPriorityQueue {
	pq := make(priorityQueue, 0)
	heap.Init(&pq)
	q := &heapTaskPriorityQueue{
		pq:   pq,
		byID: make(map[uuid.UUID]*item),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (tpq *heapTaskPriorityQueue) Push(task *Task, priority int) error {
	if task == nil {
		return errors.New("cannot push nil task")
	}

	tpq.mu.Lock()
	defer tpq.mu.Unlock()

	if _, ok := tpq.byID[task.ID]; ok {
		return nil
	}

	it := &item{
		task:       task,
		priority:   priority,
		sequence:   tpq.sequence,
		enqueuedAt: tpq.now(),
	}
	heap.Push(&tpq.pq, it)
	tpq.byID[task.ID] = it
	if tpq.agingThreshold > 0 {
		tpq.waiting = append(tpq.waiting, it)
	}
	tpq.sequence++
	return nil
}

func (tpq *heapTaskPriorityQueue) Pop() (*Task, error) {
	tpq.mu.Lock()
	defer tpq.mu.Unlock()

	tpq.promote()
	if tpq.pq.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	it := heap.Pop(&tpq.pq).(*item)
	delete(tpq.byID, it.task.ID)
	return it.task, nil
}

func (tpq *heapTaskPriorityQueue) Top() (*Task, error) {
	tpq.mu.Lock()
	defer tpq.mu.Unlock()

	tpq.promote()
	if tpq.pq.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	return tpq.pq[0].task, nil
}

func (tpq *heapTaskPriorityQueue) Remove(taskID uuid.UUID) bool {
	tpq.mu.Lock()
	defer tpq.mu.Unlock()

	it, ok := tpq.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&tpq.pq, it.index)
	delete(tpq.byID, taskID)
	return true
}

func (tpq *heapTaskPriorityQueue) Len() int {
	tpq.mu.RLock()
	defer tpq.mu.RUnlock()
	return tpq.pq.Len()
}

// promote marks every item that has waited past the aging threshold. Items
// are appended to waiting in enqueue order, so the scan stops at the first
// item that is still young. Caller must hold mu.
func (tpq *heapTaskPriorityQueue) promote() {
	if tpq.agingThreshold <= 0 {
		return
	}
	cutoff := tpq.now().Add(-tpq.agingThreshold)
	n := 0
	for _, it := range tpq.waiting {
		if it.index < 0 {
			n++
			continue
		}
		if it.enqueuedAt.After(cutoff) {
			break
		}
		it.aged = true
		heap.Fix(&tpq.pq, it.index)
		n++
	}
	if n > 0 {
		clear(tpq.waiting[:n])
		tpq.waiting = tpq.waiting[n:]
	}
}

// item wraps a Task with its priority, sequence number, and index in the heap.
type item struct {
	task       *Task
	priority   int
	aged       bool
	sequence   uint64 // Insertion order for FIFO within same priority
	enqueuedAt time.Time
	index      int // Required by heap.Interface
}

// priorityQueue satisfies heap.Interface.
type priorityQueue []*item

func (pq priorityQueue) Len() int {
	return len(pq)
}

func (pq priorityQueue) Less(i, j int) bool {
	// Aged items drain first, oldest first.
	if pq[i].aged != pq[j].aged {
		return pq[i].aged
	}
	if pq[i].aged {
		return pq[i].sequence < pq[j].sequence
	}
	// Max-heap on priority (higher value = more urgent)
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	// If priorities are equal, maintain FIFO order (lower sequence = earlier)
	return pq[i].sequence < pq[j].sequence
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	it := x.(*item)
	it.index = n
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[0 : n-1]
	return it
}
