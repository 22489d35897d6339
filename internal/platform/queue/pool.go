package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

// HandlerFunc processes one task. Returning an error marked with Permanent
// buries the task without further attempts.
type HandlerFunc func(ctx context.Context, task *Task) error

// Recorder receives task metrics
type Recorder interface {
	TaskProcessed(taskType string, err error, took time.Duration)
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	// BaseBackoff doubles after each failed attempt up to MaxBackoff
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      2,
		MaxAttempts:  4,
		PollInterval: time.Second,
		TaskTimeout:  2 * time.Minute,
		BaseBackoff:  5 * time.Second,
		MaxBackoff:   10 * time.Minute,
	}
}

// PoolConfigFrom maps the queue config section onto a pool config
func PoolConfigFrom(cfg config.QueueConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.Workers > 0 {
		pc.Workers = cfg.Workers
	}
	if cfg.MaxRetries > 0 {
		pc.MaxAttempts = cfg.MaxRetries + 1
	}
	if cfg.PollInterval > 0 {
		pc.PollInterval = cfg.PollInterval
	}
	return pc
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Processed int64
	Succeeded int64
	Retried   int64
	Buried    int64
	Active    int32
}

// Pool drains a queue with a fixed number of workers
type Pool struct {
	queue    Queue
	cfg      PoolConfig
	logger   logger.Logger
	recorder Recorder
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool

	processed atomic.Int64
	succeeded atomic.Int64
	retried   atomic.Int64
	buried    atomic.Int64
	active    atomic.Int32
}

// NewPool creates a pool. Zero config fields take their defaults.
func NewPool(q Queue, cfg PoolConfig, log logger.Logger, rec Recorder) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		logger:   log,
		recorder: rec,
		now:      time.Now,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a task type
func (p *Pool) Register(taskType string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = h
}

func (p *Pool) handler(taskType string) (HandlerFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[taskType]
	return h, ok
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	if reaper, ok := p.queue.(Reaper); ok {
		p.wg.Add(1)
		go p.runReaper(ctx, reaper)
	}
	p.logger.Info("Worker pool started", "workers", p.cfg.Workers)
}

// Stop signals the workers and waits for in-flight tasks to finish
func (p *Pool) Stop(timeout time.Duration) {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
	case <-time.After(timeout):
		p.logger.Warn("Timed out waiting for workers", "active", p.active.Load())
	}
}

func (p *Pool) runWorker(ctx context.Context, n int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything that is due before sleeping again
		for {
			if ctx.Err() != nil {
				return
			}
			worked, err := p.ProcessNext(ctx)
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				p.logger.Error("Worker failed to poll queue", "worker", n, "error", err)
				break
			}
			if !worked {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) runReaper(ctx context.Context, r Reaper) {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RequeueExpired(ctx)
			if err != nil {
				p.logger.Warn("Failed to requeue expired tasks", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("Requeued tasks whose claim expired", "count", n)
			}
		}
	}
}

// ProcessNext claims and runs one task. It reports whether a task was found.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	p.active.Add(1)
	defer p.active.Add(-1)
	p.processed.Add(1)

	log := p.logger.WithFields(map[string]interface{}{
		"task_id":   task.ID,
		"task_type": task.Type,
		"attempt":   task.Attempts + 1,
	})

	start := p.now()
	err = p.execute(ctx, task)
	if p.recorder != nil {
		p.recorder.TaskProcessed(task.Type, err, time.Since(start))
	}

	// Settle the task even if the pool is shutting down
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		p.succeeded.Add(1)
		log.Debug("Task completed")
		return true, p.queue.Ack(settleCtx, task)
	}

	task.Attempts++
	task.LastError = err.Error()
	if IsPermanent(err) || task.Attempts >= p.maxAttempts(task) {
		p.buried.Add(1)
		log.Error("Task failed permanently", "error", err)
		return true, p.queue.Bury(settleCtx, task)
	}

	delay := p.backoff(task.Attempts)
	p.retried.Add(1)
	log.Warn("Task failed, will retry", "error", err, "retry_in", delay.String())
	return true, p.queue.Retry(settleCtx, task, p.now().Add(delay))
}

func (p *Pool) execute(ctx context.Context, task *Task) (err error) {
	h, ok := p.handler(task.Type)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for task type %q", task.Type))
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}

func (p *Pool) maxAttempts(task *Task) int {
	if task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	return p.cfg.MaxAttempts
}

func (p *Pool) backoff(attempts int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}

// Stats returns the current pool counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Retried:   p.retried.Load(),
		Buried:    p.buried.Load(),
		Active:    p.active.Load(),
	}
}
