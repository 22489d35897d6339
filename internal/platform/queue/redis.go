package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps tasks in Redis so that several workers can share them.
// Ready tasks live in a sorted set scored by run time; claimed tasks move to
// a second sorted set scored by their visibility deadline.
type RedisQueue struct {
	client        redis.UniversalClient
	queueKey      string
	tasksKey      string
	processingKey string
	deadLetterKey string
	visTimeout    time.Duration
	now           func() time.Time
	closed        atomic.Bool
}

// RedisQueueConfig holds Redis queue configuration
type RedisQueueConfig struct {
	QueueName         string
	VisibilityTimeout time.Duration
	Clock             func() time.Time
}

// claimScript pops the earliest due task id and records its claim deadline
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

// NewRedisQueue creates a queue on an existing client. The client is owned
// by the caller.
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "saas-invoice:tasks"
	}
	visTimeout := cfg.VisibilityTimeout
	if visTimeout == 0 {
		visTimeout = 5 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RedisQueue{
		client:        client,
		queueKey:      name,
		tasksKey:      name + ":data",
		processingKey: name + ":processing",
		deadLetterKey: name + ":deadletter",
		visTimeout:    visTimeout,
		now:           clock,
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores the task and schedules it at its run time
func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if q.closed.Load() {
		return ErrClosed
	}
	prepare(task, q.now())
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.tasksKey, task.ID, data)
		pipe.ZAdd(ctx, q.queueKey, redis.Z{Score: score(task.RunAt), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue claims the earliest due task
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	now := q.now()
	deadline := now.Add(q.visTimeout)
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.queueKey, q.processingKey},
		strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(deadline.UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	data, err := q.client.HGet(ctx, q.tasksKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		// Payload vanished; drop the orphaned claim
		q.client.ZRem(ctx, q.processingKey, id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	task.StartedAt = &now
	return &task, nil
}

// Ack removes a finished task
func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey, task.ID)
		pipe.HDel(ctx, q.tasksKey, task.ID)
		return nil
	})
	return err
}

// Retry stores the updated task and schedules it at the given time
func (q *RedisQueue) Retry(ctx context.Context, task *Task, at time.Time) error {
	task.RunAt = at
	task.StartedAt = nil
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey, task.ID)
		pipe.HSet(ctx, q.tasksKey, task.ID, data)
		pipe.ZAdd(ctx, q.queueKey, redis.Z{Score: score(at), Member: task.ID})
		return nil
	})
	return err
}

// Bury moves a claimed task to the dead letter list
func (q *RedisQueue) Bury(ctx context.Context, task *Task) error {
	task.StartedAt = nil
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey, task.ID)
		pipe.HDel(ctx, q.tasksKey, task.ID)
		pipe.LPush(ctx, q.deadLetterKey, data)
		return nil
	})
	return err
}

// RequeueExpired makes tasks whose claim deadline passed available again.
// Only the caller that removes the claim requeues the task.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan claimed tasks: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.processingKey, id).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.ZAdd(ctx, q.queueKey, redis.Z{Score: score(now), Member: id}).Err(); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Len returns the number of tasks waiting to run
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey).Result()
}

// ProcessingLen returns the number of claimed tasks
func (q *RedisQueue) ProcessingLen(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.processingKey).Result()
}

// DeadLetterLen returns the number of buried tasks
func (q *RedisQueue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadLetterKey).Result()
}

// ReprocessDeadLetter moves up to count buried tasks back to the queue with
// their attempts reset
func (q *RedisQueue) ReprocessDeadLetter(ctx context.Context, count int) (int, error) {
	processed := 0
	for i := 0; i < count; i++ {
		data, err := q.client.RPop(ctx, q.deadLetterKey).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return processed, err
		}

		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		task.Attempts = 0
		task.LastError = ""
		task.RunAt = time.Time{}
		if err := q.Enqueue(ctx, &task); err != nil {
			q.client.RPush(ctx, q.deadLetterKey, data)
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// Close rejects further enqueues and claims
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
