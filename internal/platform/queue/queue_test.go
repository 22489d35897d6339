package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisQueue(t *testing.T, c *clock) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, RedisQueueConfig{
		QueueName:         "test:tasks",
		VisibilityTimeout: time.Minute,
		Clock:             c.Now,
	}), mr
}

func queues(t *testing.T) map[string]func(*clock) Queue {
	return map[string]func(*clock) Queue{
		"memory": func(c *clock) Queue { return NewMemoryQueue(c.Now) },
		"redis": func(c *clock) Queue {
			q, _ := newRedisQueue(t, c)
			return q
		},
	}
}

type receipt struct {
	InvoiceID string `json:"invoice_id"`
}

func TestQueueLifecycle(t *testing.T) {
	for name, build := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := build(c)

			task, err := NewTask("payment.receipt", receipt{InvoiceID: "inv-1"})
			require.NoError(t, err)
			require.NoError(t, q.Enqueue(ctx, task))

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, task.ID, got.ID)
			assert.NotNil(t, got.StartedAt)

			var payload receipt
			require.NoError(t, got.Decode(&payload))
			assert.Equal(t, "inv-1", payload.InvoiceID)

			empty, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, empty)

			require.NoError(t, q.Ack(ctx, got))
			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestQueueOrdersByRunTime(t *testing.T) {
	for name, build := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := build(c)

			later, _ := NewTask("later", nil)
			later.RunAt = c.Now().Add(time.Minute)
			first, _ := NewTask("first", nil)
			first.RunAt = c.Now().Add(-time.Second)
			second, _ := NewTask("second", nil)

			for _, task := range []*Task{later, second, first} {
				require.NoError(t, q.Enqueue(ctx, task))
			}

			var order []string
			for {
				task, err := q.Dequeue(ctx)
				require.NoError(t, err)
				if task == nil {
					break
				}
				order = append(order, task.Type)
			}
			assert.Equal(t, []string{"first", "second"}, order)

			c.Advance(time.Minute)
			task, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, "later", task.Type)
		})
	}
}

func TestQueueRetryAndBury(t *testing.T) {
	for name, build := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := build(c)

			task, _ := NewTask("invoice.deliver", receipt{InvoiceID: "inv-2"})
			require.NoError(t, q.Enqueue(ctx, task))

			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			got.Attempts = 1
			require.NoError(t, q.Retry(ctx, got, c.Now().Add(10*time.Second)))

			none, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, none, "retry must wait for its run time")

			c.Advance(10 * time.Second)
			got, err = q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 1, got.Attempts)

			require.NoError(t, q.Bury(ctx, got))
			dead, err := q.DeadLetterLen(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), dead)
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestQueueClosed(t *testing.T) {
	for name, build := range queues(t) {
		t.Run(name, func(t *testing.T) {
			q := build(newClock())
			require.NoError(t, q.Close())
			task, _ := NewTask("x", nil)
			assert.ErrorIs(t, q.Enqueue(context.Background(), task), ErrClosed)
			_, err := q.Dequeue(context.Background())
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestRedisQueueRequeuesExpiredClaims(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	q, _ := newRedisQueue(t, c)

	task, _ := NewTask("renewal.reminder", nil)
	require.NoError(t, q.Enqueue(ctx, task))
	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is still within its visibility timeout")

	c.Advance(2 * time.Minute)
	n, err = q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	processing, err := q.ProcessingLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
}

func TestRedisQueueConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t, newClock())

	const total = 20
	for i := 0; i < total; i++ {
		task, _ := NewTask("welcome", nil)
		require.NoError(t, q.Enqueue(ctx, task))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s claimed more than once", id)
	}
}

func TestRedisQueueReprocessDeadLetter(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	q, _ := newRedisQueue(t, c)

	task, _ := NewTask("invoice.deliver", nil)
	require.NoError(t, q.Enqueue(ctx, task))
	got, _ := q.Dequeue(ctx)
	got.Attempts = 4
	require.NoError(t, q.Bury(ctx, got))

	n, err := q.ReprocessDeadLetter(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Zero(t, again.Attempts)
}

func TestPermanent(t *testing.T) {
	base := errors.New("invoice not found")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))

	bad := &Task{Type: "x", Payload: []byte("{")}
	assert.True(t, IsPermanent(bad.Decode(&receipt{})))
}
