// Package token signs and verifies the HS256 access and refresh tokens
// handed to API clients.
package token

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/marqueeapi/marquee/internal/model"
)

// Kind distinguishes access tokens from refresh tokens. The two are signed
// with different secrets, so one can never be presented as the other.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Algorithm is the only JWS algorithm issued or accepted.
var Algorithm = jwt.SigningMethodHS256.Alg()

const (
	DefaultIssuer     = "marquee"
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrMissingSecret       = errors.New("token signing secret is required")
	ErrMalformed           = errors.New("malformed token")
	ErrExpired             = errors.New("token expired")
	ErrInvalidSignature    = errors.New("invalid token signature")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshExpired      = errors.New("refresh token expired")
	ErrRefreshReused       = errors.New("refresh token already used")
)

// RefreshLedger records consumed refresh tokens. When a Codec has one,
// every refresh token can be exchanged at most once.
type RefreshLedger interface {
	ConsumeRefreshToken(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// Options configures a Codec.
type Options struct {
	Secret string
	// RefreshSecret signs refresh tokens. When empty it is derived from
	// Secret with HKDF-SHA256.
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Now           func() time.Time
	Ledger        RefreshLedger
}

// Identity is the identity and authorization data a token carries.
type Identity struct {
	UserID         string
	Email          string
	Plan           model.Plan
	Permissions    []string
	RateLimit      model.RateLimit
	KeyID          string
	KeyFingerprint string
}

// Claims is the JWT payload.
type Claims struct {
	Email          string          `json:"email,omitempty"`
	Plan           model.Plan      `json:"plan"`
	Permissions    []string        `json:"permissions"`
	RateLimit      model.RateLimit `json:"rateLimit"`
	KeyID          string          `json:"keyId,omitempty"`
	KeyFingerprint string          `json:"kfp,omitempty"`
	Kind           Kind            `json:"kind"`
	jwt.RegisteredClaims
}

// Identity returns the identity the claims were issued for.
func (c *Claims) Identity() Identity {
	return Identity{
		UserID:         c.Subject,
		Email:          c.Email,
		Plan:           c.Plan,
		Permissions:    append([]string(nil), c.Permissions...),
		RateLimit:      c.RateLimit,
		KeyID:          c.KeyID,
		KeyFingerprint: c.KeyFingerprint,
	}
}

// Principal builds the per-request principal for an access token.
func (c *Claims) Principal() *model.Principal {
	p := &model.Principal{
		UserID:      c.Subject,
		Email:       c.Email,
		Plan:        c.Plan,
		Permissions: append([]string(nil), c.Permissions...),
		RateLimit:   c.RateLimit,
		KeyID:       c.KeyID,
		AuthMethod:  model.AuthMethodToken,
	}
	if c.ExpiresAt != nil {
		exp := c.ExpiresAt.Time
		p.TokenExpiry = &exp
	}
	return p
}

// Codec issues and verifies tokens. It holds no mutable state and is safe
// for concurrent use.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
	ledger        RefreshLedger
}

// NewCodec validates opts and returns a Codec.
func NewCodec(opts Options) (*Codec, error) {
	if opts.Secret == "" {
		return nil, ErrMissingSecret
	}
	c := &Codec{
		accessSecret: []byte(opts.Secret),
		issuer:       opts.Issuer,
		accessTTL:    opts.AccessTTL,
		refreshTTL:   opts.RefreshTTL,
		now:          opts.Now,
		ledger:       opts.Ledger,
	}
	if c.issuer == "" {
		c.issuer = DefaultIssuer
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = DefaultRefreshTTL
	}
	if c.now == nil {
		c.now = time.Now
	}

	if opts.RefreshSecret != "" {
		c.refreshSecret = []byte(opts.RefreshSecret)
	} else {
		derived, err := deriveRefreshSecret(c.accessSecret)
		if err != nil {
			return nil, err
		}
		c.refreshSecret = derived
	}
	return c, nil
}

func deriveRefreshSecret(secret []byte) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("marquee refresh token v1"))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive refresh secret: %w", err)
	}
	return out, nil
}

// AccessTTL returns the lifetime of issued access tokens.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

func (c *Codec) secretFor(kind Kind) []byte {
	if kind == KindRefresh {
		return c.refreshSecret
	}
	return c.accessSecret
}

func (c *Codec) ttlFor(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Issue signs a token of the given kind for id and returns it with its
// expiry time.
func (c *Codec) Issue(id Identity, kind Kind) (string, time.Time, error) {
	if kind != KindAccess && kind != KindRefresh {
		return "", time.Time{}, fmt.Errorf("unknown token kind %q", kind)
	}
	if id.UserID == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}

	now := c.now()
	exp := now.Add(c.ttlFor(kind))
	perms := id.Permissions
	if perms == nil {
		perms = []string{}
	}
	claims := Claims{
		Email:          id.Email,
		Plan:           id.Plan,
		Permissions:    perms,
		RateLimit:      id.RateLimit,
		KeyID:          id.KeyID,
		KeyFingerprint: id.KeyFingerprint,
		Kind:           kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    c.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secretFor(kind))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	// The encoded expiry has second precision.
	return signed, claims.ExpiresAt.Time, nil
}

// IssuePair issues a fresh access and refresh token for id.
func (c *Codec) IssuePair(id Identity) (model.TokenPair, error) {
	access, _, err := c.Issue(id, KindAccess)
	if err != nil {
		return model.TokenPair{}, err
	}
	refresh, _, err := c.Issue(id, KindRefresh)
	if err != nil {
		return model.TokenPair{}, err
	}
	return model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(c.accessTTL / time.Second),
		TokenType:    model.TokenTypeBearer,
	}, nil
}

// Verify checks an access token and returns its claims. It fails with
// ErrMalformed when the token cannot be decoded, ErrExpired when its expiry
// has passed (whether or not the signature is valid), and
// ErrInvalidSignature for every other rejection.
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	return c.verify(tokenStr, KindAccess)
}

func (c *Codec) verify(tokenStr string, kind Kind) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)

	unverified := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenStr, unverified); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		// The payload decoded but the algorithm is unknown; the signature
		// check below rejects it after expiry has been considered.
	}
	if unverified.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrMalformed)
	}
	if !c.now().Before(unverified.ExpiresAt.Time) {
		return nil, ErrExpired
	}

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secretFor(kind), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidSignature, kind, claims.Kind)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidSignature)
	}
	return claims, nil
}

// VerifyRefresh checks a refresh token without consuming it.
func (c *Codec) VerifyRefresh(tokenStr string) (*Claims, error) {
	claims, err := c.verify(tokenStr, KindRefresh)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, ErrExpired):
		return nil, ErrRefreshExpired
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}
}

// Resolver maps verified refresh claims to the identity the new pair is
// issued for. It can reject the exchange by returning an error.
type Resolver func(ctx context.Context, claims *Claims) (Identity, error)

// Refresh exchanges a refresh token for a new token pair carrying the same
// identity. Both tokens are reissued.
func (c *Codec) Refresh(ctx context.Context, refreshToken string) (model.TokenPair, *Claims, error) {
	return c.RefreshWith(ctx, refreshToken, nil)
}

// RefreshWith is Refresh with the new identity supplied by resolve. With a
// ledger configured, a refresh token that was already exchanged fails with
// ErrInvalidRefreshToken wrapping ErrRefreshReused.
func (c *Codec) RefreshWith(ctx context.Context, refreshToken string, resolve Resolver) (model.TokenPair, *Claims, error) {
	claims, err := c.VerifyRefresh(refreshToken)
	if err != nil {
		return model.TokenPair{}, nil, err
	}

	id := claims.Identity()
	if resolve != nil {
		if id, err = resolve(ctx, claims); err != nil {
			return model.TokenPair{}, nil, err
		}
	}

	if c.ledger != nil {
		if err := ctx.Err(); err != nil {
			return model.TokenPair{}, nil, err
		}
		ok, err := c.ledger.ConsumeRefreshToken(ctx, claims.ID, claims.ExpiresAt.Time)
		if err != nil {
			return model.TokenPair{}, nil, fmt.Errorf("consume refresh token: %w", err)
		}
		if !ok {
			return model.TokenPair{}, nil, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, ErrRefreshReused)
		}
	}

	pair, err := c.IssuePair(id)
	if err != nil {
		return model.TokenPair{}, nil, err
	}
	return pair, claims, nil
}
