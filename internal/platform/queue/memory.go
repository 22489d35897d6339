package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for development and tests
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []*Task
	processing map[string]*Task
	dead       []*Task
	closed     bool
	now        func() time.Time
}

// NewMemoryQueue creates an empty queue. A nil clock uses time.Now.
func NewMemoryQueue(clock func() time.Time) *MemoryQueue {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryQueue{
		processing: make(map[string]*Task),
		now:        clock,
	}
}

// Enqueue adds a task ordered by its run time
func (q *MemoryQueue) Enqueue(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	prepare(task, q.now())
	q.insert(task)
	return nil
}

func (q *MemoryQueue) insert(task *Task) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].RunAt.After(task.RunAt)
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = task
}

// Dequeue claims the earliest task that is due
func (q *MemoryQueue) Dequeue(_ context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now()
	if len(q.pending) == 0 || q.pending[0].RunAt.After(now) {
		return nil, nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	task.StartedAt = &now
	q.processing[task.ID] = task
	return task, nil
}

// Ack drops a finished task
func (q *MemoryQueue) Ack(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, task.ID)
	return nil
}

// Retry puts a claimed task back with a new run time
func (q *MemoryQueue) Retry(_ context.Context, task *Task, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[task.ID]; !ok {
		return fmt.Errorf("task %s is not being processed", task.ID)
	}
	delete(q.processing, task.ID)
	task.RunAt = at
	task.StartedAt = nil
	q.insert(task)
	return nil
}

// Bury moves a claimed task to the dead letter list
func (q *MemoryQueue) Bury(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, task.ID)
	q.dead = append(q.dead, task)
	return nil
}

// Len counts tasks waiting to run
func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// DeadLetterLen counts buried tasks
func (q *MemoryQueue) DeadLetterLen(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dead)), nil
}

// DeadLetters returns a copy of the buried tasks
func (q *MemoryQueue) DeadLetters() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close rejects further operations
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
