// Package resilience guards calls to external providers
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit
	MaxFailures int
	// OpenFor is how long the circuit stays open before a trial call
	OpenFor time.Duration
	// HalfOpenSuccesses trial successes close the circuit again
	HalfOpenSuccesses int
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
	Clock         func() time.Time
}

// DefaultConfig returns the configuration used for payment providers
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		MaxFailures:       5,
		OpenFor:           30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn unless the circuit is open
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Clock().Sub(b.openedAt) < b.cfg.OpenFor {
			return false
		}
		b.transitionTo(StateHalfOpen)
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err)) {
		b.successes = 0
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.cfg.Clock()
			b.transitionTo(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker) transitionTo(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	switch to {
	case StateClosed:
		b.failures, b.successes = 0, 0
	case StateHalfOpen:
		b.successes = 0
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one breaker per provider
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	base     Config
}

// NewRegistry creates a registry whose breakers share base
func NewRegistry(base Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), base: base}
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	cfg := r.base
	cfg.Name = name
	b = NewBreaker(cfg)
	r.breakers[name] = b
	return b
}

// Stats holds the state of one breaker
type Stats struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Stats reports every registered breaker
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, Stats{Name: name, State: b.State().String()})
	}
	return out
}
