package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(Config{Name: "dummy", MaxFailures: 2, OpenFor: time.Minute, HalfOpenSuccesses: 1, Clock: clock.Now})
	boom := errors.New("boom")
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, func() error { return boom }), boom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, func() error { return boom }), boom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.now = clock.now.Add(time.Minute)
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(Config{MaxFailures: 1, OpenFor: time.Second, HalfOpenSuccesses: 2, Clock: clock.Now})
	ctx := context.Background()
	boom := errors.New("boom")

	_ = b.Execute(ctx, func() error { return boom })
	require.Equal(t, StateOpen, b.State())

	clock.now = clock.now.Add(2 * time.Second)
	_ = b.Execute(ctx, func() error { return boom })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	declined := errors.New("declined")
	b := NewBreaker(Config{MaxFailures: 1, OpenFor: time.Minute, IsFailure: func(err error) bool { return !errors.Is(err, declined) }})

	_ = b.Execute(context.Background(), func() error { return declined })
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_ReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry(DefaultConfig("payments"))
	a := r.Get("stripe")
	assert.Same(t, a, r.Get("stripe"))
	assert.NotSame(t, a, r.Get("dummy"))
	assert.Len(t, r.Stats(), 2)
}
