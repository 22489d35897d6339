// Package schedule runs the periodic billing jobs
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saas-invoice/saas-invoice/internal/platform/cache"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/telemetry"
)

// ErrUnknownJob is returned by RunNow for unregistered jobs
var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic task
type Job struct {
	Name string
	Spec string
	// LockTTL bounds how long a run may hold the cluster-wide lock
	LockTTL time.Duration
	Run     func(ctx context.Context, now time.Time) error
}

// Locker serializes runs of one job across processes
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Tracer opens spans around job runs
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

// Recorder receives job metrics
type Recorder interface {
	JobRun(job string, err error)
}

// Options holds the optional collaborators of a scheduler
type Options struct {
	Locker   Locker
	Tracer   Tracer
	Recorder Recorder
	Logger   logger.Logger
	Clock    func() time.Time
}

// Scheduler manages cron job scheduling
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	opts     Options

	mu      sync.RWMutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	running bool
}

// NewScheduler creates a scheduler evaluating specs in timezone. Specs carry
// a leading seconds field.
func NewScheduler(timezone string, opts Options) (*Scheduler, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithSeconds(),
		),
		location: location,
		opts:     opts,
		jobs:     make(map[string]Job),
		entries:  make(map[string]cron.EntryID),
	}, nil
}

// Register adds job. Registering a name twice replaces the earlier job.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if job.LockTTL <= 0 {
		job.LockTTL = 10 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[job.Name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, job.Name)
	}

	name := job.Name
	entryID, err := s.cron.AddFunc(job.Spec, func() {
		_ = s.RunNow(context.Background(), name)
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = entryID

	s.opts.Logger.Debug("Job registered", "job", job.Name, "spec", job.Spec)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.opts.Logger.Info("Scheduler started", "jobs", len(s.jobs), "timezone", s.location.String())
}

// Stop stops the scheduler and waits for running jobs until ctx ends
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.opts.Logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Next reports when the named job fires next
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.RLock()
	entryID, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

// RunNow executes the named job immediately. A run skipped because another
// process holds the job lock is not an error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	log := s.opts.Logger.WithFields(map[string]interface{}{"job": name})
	if s.opts.Tracer != nil {
		var span trace.Span
		ctx, span = s.opts.Tracer.StartSpan(ctx, "job."+name, attribute.String("job.name", name))
		defer span.End()
	}

	started := s.opts.Clock()
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", name, r)
			}
		}()
		return job.Run(ctx, started.In(s.location))
	}

	var err error
	if s.opts.Locker != nil {
		err = s.opts.Locker.WithLock(ctx, "job:"+name, job.LockTTL, run)
	} else {
		err = run(ctx)
	}

	if errors.Is(err, cache.ErrLockHeld) {
		log.Debug("Job skipped, lock held elsewhere")
		return nil
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.JobRun(name, err)
	}
	if err != nil {
		if s.opts.Tracer != nil {
			telemetry.RecordError(trace.SpanFromContext(ctx), err)
		}
		log.Error("Job failed", "error", err, "duration", s.opts.Clock().Sub(started).String())
		return err
	}
	log.Info("Job completed", "duration", s.opts.Clock().Sub(started).String())
	return nil
}
