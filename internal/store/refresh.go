package store

import (
	"context"
	"errors"
	"time"
)

// ConsumeRefreshToken records that the refresh token with the given jti has
// been exchanged. It returns false if the jti was already consumed.
func (s *Store) ConsumeRefreshToken(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("INSERT INTO refresh_tokens (jti, expires_at) VALUES (?, ?)"), jti, expiresAt.Unix())
	if err != nil {
		err = s.wrap("consume refresh token", err)
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PurgeExpiredRefreshTokens drops ledger entries for tokens that can no
// longer verify anyway.
func (s *Store) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM refresh_tokens WHERE expires_at <= ?"), now.Unix())
	if err != nil {
		return 0, s.wrap("purge refresh tokens", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
