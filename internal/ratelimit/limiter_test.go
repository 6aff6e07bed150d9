package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// windowStart is aligned to a minute boundary.
var windowStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func counters(t *testing.T) map[string]Counter {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return map[string]Counter{
		"memory": NewMemoryCounter(),
		"store":  s,
	}
}

func TestAllowRejectsRequestOverLimit(t *testing.T) {
	for name, counter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			clk := &fakeClock{t: windowStart.Add(5 * time.Second)}
			l := New(counter, WithClock(clk.Now))
			rl := model.RateLimit{Requests: 3, Window: "1m"}
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				d, err := l.Allow(ctx, "user:u1", rl)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "request %d", i)
				assert.Equal(t, 3-i, d.Remaining)
				assert.Equal(t, 3, d.Limit)
				assert.Equal(t, windowStart.Add(time.Minute), d.ResetAt.UTC())
			}

			d, err := l.Allow(ctx, "user:u1", rl)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)
			assert.Equal(t, 55*time.Second, d.RetryAfter)

			// Other principals are unaffected.
			d, err = l.Allow(ctx, "user:u2", rl)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestAllowNewWindowSucceedsAfterExhaustion(t *testing.T) {
	for name, counter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			clk := &fakeClock{t: windowStart}
			l := New(counter, WithClock(clk.Now))
			rl := model.RateLimit{Requests: 2, Window: "1m"}
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				d, err := l.Allow(ctx, "user:u1", rl)
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}
			d, err := l.Allow(ctx, "user:u1", rl)
			require.NoError(t, err)
			require.False(t, d.Allowed)

			clk.Set(windowStart.Add(time.Minute))
			d, err = l.Allow(ctx, "user:u1", rl)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.Remaining)
		})
	}
}

func TestAllowConcurrentNeverExceedsLimit(t *testing.T) {
	for name, counter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			clk := &fakeClock{t: windowStart}
			l := New(counter, WithClock(clk.Now))
			rl := model.RateLimit{Requests: 10, Window: "1m"}

			var (
				wg      sync.WaitGroup
				allowed atomic.Int32
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.Allow(context.Background(), "user:hot", rl)
					if err != nil {
						t.Errorf("Allow: %v", err)
						return
					}
					if d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(10), allowed.Load())
		})
	}
}

func TestAllowCanceledContextDoesNotIncrement(t *testing.T) {
	counter := NewMemoryCounter()
	clk := &fakeClock{t: windowStart}
	l := New(counter, WithClock(clk.Now))
	rl := model.RateLimit{Requests: 1, Window: "1m"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Allow(ctx, "user:u1", rl)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, counter.Len())

	d, err := l.Allow(context.Background(), "user:u1", rl)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllowInvalidRateLimit(t *testing.T) {
	l := New(NewMemoryCounter())
	_, err := l.Allow(context.Background(), "user:u1", model.RateLimit{Requests: 5, Window: "soon"})
	assert.Error(t, err)
	_, err = l.Allow(context.Background(), "user:u1", model.RateLimit{Requests: 0, Window: "1m"})
	assert.Error(t, err)
}

type failingCounter struct{}

func (failingCounter) IncrementCounter(context.Context, string, int, time.Time) (int, bool, error) {
	return 0, false, store.ErrUnavailable
}

func TestAllowPropagatesCounterError(t *testing.T) {
	l := New(failingCounter{})
	_, err := l.Allow(context.Background(), "user:u1", model.RateLimit{Requests: 5, Window: "1m"})
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestMemoryCounterPurge(t *testing.T) {
	m := NewMemoryCounter()
	ctx := context.Background()
	now := time.Now()

	_, _, _ = m.IncrementCounter(ctx, "old", 5, now.Add(-time.Second))
	_, _, _ = m.IncrementCounter(ctx, "live", 5, now.Add(time.Minute))

	n, err := m.PurgeExpiredCounters(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, m.Len())
}

func TestRunPurgesUntilCanceled(t *testing.T) {
	m := NewMemoryCounter()
	_, _, _ = m.IncrementCounter(context.Background(), "old", 5, time.Now().Add(-time.Second))

	l := New(m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
