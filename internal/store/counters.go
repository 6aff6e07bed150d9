package store

import (
	"context"
	"time"
)

// IncrementCounter atomically increments the rate-limit counter at key if it
// is below limit. A missing counter is created at 1 and expires at
// expiresAt. It returns the counter value after the call and whether the
// increment was applied; a denied call leaves the counter untouched.
func (s *Store) IncrementCounter(ctx context.Context, key string, limit int, expiresAt time.Time) (int, bool, error) {
	if limit <= 0 {
		return 0, false, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	hits, applied, err := s.dialect.incrementCounter(ctx, s.db, key, limit, expiresAt.Unix())
	if err != nil {
		return 0, false, s.wrap("increment counter", err)
	}
	return hits, applied, nil
}

// PurgeExpiredCounters deletes counters whose window ended at or before now.
func (s *Store) PurgeExpiredCounters(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM rate_limit_counters WHERE expires_at <= ?"), now.Unix())
	if err != nil {
		return 0, s.wrap("purge counters", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
