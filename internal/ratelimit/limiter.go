// Package ratelimit enforces per-principal request allowances.
//
// Requests are counted in window buckets: the counter for a principal lives
// at "identity:windowStart" and expires when the window ends, so the first
// request of a new window always starts from zero. Increments are delegated
// to a Counter that must apply them atomically.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marqueeapi/marquee/internal/model"
)

// Counter is an atomic increment-if-below-limit primitive. It returns the
// counter value after the call and whether the increment was applied.
type Counter interface {
	IncrementCounter(ctx context.Context, key string, limit int, expiresAt time.Time) (int, bool, error)
}

// Purger removes counters whose window has ended.
type Purger interface {
	PurgeExpiredCounters(ctx context.Context, now time.Time) (int64, error)
}

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter decides whether a principal may make another request.
type Limiter struct {
	counter Counter
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used by the purge loop.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns a Limiter backed by counter.
func New(counter Counter, opts ...Option) *Limiter {
	l := &Limiter{
		counter: counter,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow counts one request for identity against rl. A denied request does
// not consume quota. If ctx is already done no increment is attempted.
func (l *Limiter) Allow(ctx context.Context, identity string, rl model.RateLimit) (Decision, error) {
	window, err := rl.Duration()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit window: %w", err)
	}
	if rl.Requests <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit %d/%s", rl.Requests, rl.Window)
	}

	now := l.now()
	start := time.Unix(0, now.UnixNano()/int64(window)*int64(window))
	resetAt := start.Add(window)
	key := fmt.Sprintf("%s:%d", identity, start.UnixMilli())

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	count, applied, err := l.counter.IncrementCounter(ctx, key, rl.Requests, resetAt)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed: applied,
		Limit:   rl.Requests,
		ResetAt: resetAt,
	}
	if applied {
		d.Remaining = rl.Requests - count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	} else {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}

// Run purges expired counters every interval until ctx is done. It returns
// immediately if the counter cannot purge.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	p, ok := l.counter.(Purger)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpiredCounters(ctx, l.now())
			if err != nil {
				l.logger.Warn("purge rate limit counters failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Debug("purged rate limit counters", "count", n)
			}
		}
	}
}
