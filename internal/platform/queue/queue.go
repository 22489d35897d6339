// Package queue provides the background task queue and its worker pool
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue is closed")

// Task is a unit of background work
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	RunAt       time.Time       `json:"run_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
}

// NewTask marshals payload into a task of the given type
func NewTask(taskType string, payload interface{}) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}
	return &Task{
		ID:      uuid.New().String(),
		Type:    taskType,
		Payload: data,
	}, nil
}

// Decode unmarshals the task payload into dest
func (t *Task) Decode(dest interface{}) error {
	if err := json.Unmarshal(t.Payload, dest); err != nil {
		return Permanent(fmt.Errorf("failed to decode %s payload: %w", t.Type, err))
	}
	return nil
}

// Queue stores tasks until a worker claims them. Dequeue returns nil, nil
// when no task is ready.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, task *Task) error
	// Retry releases a claimed task and schedules it again at the given time
	Retry(ctx context.Context, task *Task, at time.Time) error
	// Bury moves a claimed task to the dead letter list
	Bury(ctx context.Context, task *Task) error
	Len(ctx context.Context) (int64, error)
	DeadLetterLen(ctx context.Context) (int64, error)
	Close() error
}

// Reaper is implemented by queues whose claims expire
type Reaper interface {
	// RequeueExpired returns tasks whose visibility timeout elapsed
	RequeueExpired(ctx context.Context) (int, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func prepare(task *Task, now time.Time) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.RunAt.IsZero() {
		task.RunAt = now
	}
}
