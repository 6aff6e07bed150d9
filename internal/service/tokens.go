package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/metrics"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/token"
)

// KeyManager is the subset of the API-key manager the token service needs.
type KeyManager interface {
	Lookup(ctx context.Context, plainKey string) (*model.APIKey, error)
	Get(ctx context.Context, keyID string, includeSensitive bool) (*model.APIKey, error)
}

// TokenService issues token pairs from API keys, refresh tokens and admin
// requests.
type TokenService struct {
	codec  *token.Codec
	keys   KeyManager
	logger *slog.Logger
}

// NewTokenService returns a TokenService.
func NewTokenService(codec *token.Codec, keys KeyManager, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{codec: codec, keys: keys, logger: logger}
}

// KeyIdentity returns the token identity for a key record. The claims carry
// the key's own plan, permissions and rate limit.
func KeyIdentity(rec *model.APIKey, plainKey string) token.Identity {
	id := token.Identity{
		UserID:      rec.KeyID,
		Plan:        rec.Plan,
		Permissions: append([]string(nil), rec.Permissions...),
		RateLimit:   rec.RateLimit,
		KeyID:       rec.KeyID,
	}
	if plainKey != "" {
		id.KeyFingerprint = apikey.Fingerprint(plainKey)
	} else {
		id.KeyFingerprint = rec.KeyHash
	}
	return id
}

// Exchange trades a plaintext API key for a token pair.
func (s *TokenService) Exchange(ctx context.Context, plainKey string) (model.TokenPair, *model.APIKey, error) {
	rec, err := s.keys.Lookup(ctx, plainKey)
	if err != nil {
		return model.TokenPair{}, nil, err
	}
	pair, err := s.codec.IssuePair(KeyIdentity(rec, plainKey))
	if err != nil {
		return model.TokenPair{}, nil, fmt.Errorf("issue token pair: %w", err)
	}
	metrics.TokensIssued.WithLabelValues("exchange").Inc()
	s.logger.Info("api key exchanged for tokens", "key_id", rec.KeyID)
	return pair, rec, nil
}

// Refresh rotates a refresh token. Tokens derived from an API key are
// reissued from the key's current record, so a revoked or expired key can
// no longer be refreshed and plan changes take effect.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	pair, _, err := s.codec.RefreshWith(ctx, refreshToken, func(ctx context.Context, claims *token.Claims) (token.Identity, error) {
		id := claims.Identity()
		if claims.KeyID == "" {
			return id, nil
		}
		rec, err := s.keys.Get(ctx, claims.KeyID, true)
		if errors.Is(err, apikey.ErrNotFound) {
			return token.Identity{}, fmt.Errorf("%w: key no longer exists", token.ErrInvalidRefreshToken)
		}
		if err != nil {
			return token.Identity{}, err
		}
		switch rec.Status {
		case model.KeyStatusActive:
		case model.KeyStatusExpired:
			return token.Identity{}, apikey.ErrExpired
		default:
			return token.Identity{}, apikey.ErrInvalidState
		}
		next := KeyIdentity(rec, "")
		next.Email = id.Email
		return next, nil
	})
	if err != nil {
		return model.TokenPair{}, err
	}
	metrics.TokensIssued.WithLabelValues("refresh").Inc()
	return pair, nil
}

// IssueForKey issues a token pair for an active key by id.
func (s *TokenService) IssueForKey(ctx context.Context, keyID string) (model.TokenPair, error) {
	rec, err := s.keys.Get(ctx, keyID, true)
	if err != nil {
		return model.TokenPair{}, err
	}
	switch rec.Status {
	case model.KeyStatusActive:
	case model.KeyStatusExpired:
		return model.TokenPair{}, apikey.ErrExpired
	default:
		return model.TokenPair{}, apikey.ErrInvalidState
	}
	pair, err := s.codec.IssuePair(KeyIdentity(rec, ""))
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("issue token pair: %w", err)
	}
	metrics.TokensIssued.WithLabelValues("admin").Inc()
	return pair, nil
}

// IssueForIdentity issues a token pair for an arbitrary identity. Missing
// permissions and rate limit take the plan defaults.
func (s *TokenService) IssueForIdentity(id token.Identity) (model.TokenPair, error) {
	defaults, ok := id.Plan.Defaults()
	if !ok {
		return model.TokenPair{}, fmt.Errorf("%w: unknown plan %q", apikey.ErrValidation, id.Plan)
	}
	if id.UserID == "" {
		return model.TokenPair{}, fmt.Errorf("%w: userId is required", apikey.ErrValidation)
	}
	if id.Permissions == nil {
		id.Permissions = defaults.Permissions
	}
	if id.RateLimit == (model.RateLimit{}) {
		id.RateLimit = defaults.RateLimit
	}
	if err := id.RateLimit.Validate(); err != nil {
		return model.TokenPair{}, fmt.Errorf("%w: %v", apikey.ErrValidation, err)
	}
	id.Permissions = model.NormalizePermissions(id.Permissions)

	pair, err := s.codec.IssuePair(id)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("issue token pair: %w", err)
	}
	metrics.TokensIssued.WithLabelValues("admin").Inc()
	return pair, nil
}

// Verify checks an access token, for diagnostics.
func (s *TokenService) Verify(tokenStr string) (*token.Claims, error) {
	return s.codec.Verify(tokenStr)
}
