package token

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marqueeapi/marquee/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testIdentity() Identity {
	return Identity{
		UserID:         "0190a4b2-aaaa-7bbb-8ccc-123456789abc",
		Email:          "dev@example.com",
		Plan:           model.PlanBasic,
		Permissions:    []string{model.PermMoviesRead, model.PermMoviesSearch},
		RateLimit:      model.RateLimit{Requests: 100, Window: "1m"},
		KeyID:          "0190a4b2-aaaa-7bbb-8ccc-123456789abc",
		KeyFingerprint: "f00d",
	}
}

func newTestCodec(t *testing.T, clk *clock) *Codec {
	t.Helper()
	c, err := NewCodec(Options{
		Secret:     "test-secret-key-for-jwt",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		Now:        clk.Now,
	})
	require.NoError(t, err)
	return c
}

// flipSignature decodes the signature segment, flips its first bit and
// re-encodes it so the token still parses.
func flipSignature(t *testing.T, tok string) string {
	t.Helper()
	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	sig[0] ^= 0x01
	parts[2] = base64.RawURLEncoding.EncodeToString(sig)
	return strings.Join(parts, ".")
}

func TestNewCodecRequiresSecret(t *testing.T) {
	_, err := NewCodec(Options{})
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestNewCodecDerivesRefreshSecret(t *testing.T) {
	c, err := NewCodec(Options{Secret: "s3cret"})
	require.NoError(t, err)
	assert.Len(t, c.refreshSecret, 32)
	assert.NotEqual(t, c.accessSecret, c.refreshSecret)

	again, err := NewCodec(Options{Secret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, c.refreshSecret, again.refreshSecret, "derivation must be deterministic")
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	clk := newClock(time.Now())
	c := newTestCodec(t, clk)
	id := testIdentity()

	tok, exp, err := c.Issue(id, KindAccess)
	require.NoError(t, err)
	assert.WithinDuration(t, clk.Now().Add(time.Hour), exp, time.Second)

	claims, err := c.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, id, claims.Identity())
	assert.Equal(t, KindAccess, claims.Kind)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	p := claims.Principal()
	assert.Equal(t, id.UserID, p.UserID)
	assert.Equal(t, id.RateLimit, p.RateLimit)
	assert.Equal(t, model.AuthMethodToken, p.AuthMethod)
	require.NotNil(t, p.TokenExpiry)
	assert.True(t, p.TokenExpiry.Equal(exp))
}

func TestVerifyFlippedSignature(t *testing.T) {
	c := newTestCodec(t, newClock(time.Now()))

	for i := 0; i < 20; i++ {
		id := testIdentity()
		id.UserID = id.UserID + string(rune('a'+i))
		tok, _, err := c.Issue(id, KindAccess)
		require.NoError(t, err)

		_, err = c.Verify(flipSignature(t, tok))
		require.ErrorIs(t, err, ErrInvalidSignature)
		assert.NotErrorIs(t, err, ErrMalformed)
	}
}

func TestVerifyExpiredRegardlessOfSignature(t *testing.T) {
	clk := newClock(time.Now())
	c := newTestCodec(t, clk)

	tok, _, err := c.Issue(testIdentity(), KindAccess)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = c.Verify(flipSignature(t, tok))
	assert.ErrorIs(t, err, ErrExpired)

	other, err := NewCodec(Options{Secret: "a-different-secret", Now: clk.Now})
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyExpiresExactlyAtExpiry(t *testing.T) {
	clk := newClock(time.Unix(1_700_000_000, 0))
	c := newTestCodec(t, clk)

	tok, exp, err := c.Issue(testIdentity(), KindAccess)
	require.NoError(t, err)

	clk.Advance(exp.Sub(clk.Now()) - time.Second)
	_, err = c.Verify(tok)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyMalformed(t *testing.T) {
	c := newTestCodec(t, newClock(time.Now()))

	for _, tok := range []string{
		"",
		"not-a-token",
		"a.b",
		"a.b.c.d",
		"!!!.@@@.###",
		base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`)) + ".bm90LWpzb24.sig",
	} {
		_, err := c.Verify(tok)
		assert.ErrorIs(t, err, ErrMalformed, "token %q", tok)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	clk := newClock(time.Now())
	c := newTestCodec(t, clk)
	other, err := NewCodec(Options{Secret: "someone-else", Now: clk.Now})
	require.NoError(t, err)

	tok, _, err := other.Issue(testIdentity(), KindAccess)
	require.NoError(t, err)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	clk := newClock(time.Now())
	c := newTestCodec(t, clk)

	claims := Claims{
		Plan: model.PlanPro,
		Kind: KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsRefreshTokenAsAccess(t *testing.T) {
	c := newTestCodec(t, newClock(time.Now()))

	pair, err := c.IssuePair(testIdentity())
	require.NoError(t, err)

	_, err = c.Verify(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = c.VerifyRefresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestIssuePair(t *testing.T) {
	c := newTestCodec(t, newClock(time.Now()))

	pair, err := c.IssuePair(testIdentity())
	require.NoError(t, err)
	assert.Equal(t, model.TokenTypeBearer, pair.TokenType)
	assert.Equal(t, 3600, pair.ExpiresIn)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
}

func TestRefreshRotatesPair(t *testing.T) {
	clk := newClock(time.Now())
	c := newTestCodec(t, clk)
	id := testIdentity()

	pair, err := c.IssuePair(id)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	next, claims, err := c.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, id, claims.Identity())
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	access, err := c.Verify(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, access.Identity())

	// Without a ledger refresh is stateless: the old token still works.
	_, _, err = c.Refresh(context.Background(), pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshExpired(t *testing.T) {
	clk := newClock(time.Now())
	c := newTestCodec(t, clk)

	pair, err := c.IssuePair(testIdentity())
	require.NoError(t, err)
	clk.Advance(25 * time.Hour)

	_, _, err = c.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshExpired)
}

func TestRefreshInvalid(t *testing.T) {
	c := newTestCodec(t, newClock(time.Now()))

	_, _, err := c.Refresh(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	pair, err := c.IssuePair(testIdentity())
	require.NoError(t, err)
	_, _, err = c.Refresh(context.Background(), flipSignature(t, pair.RefreshToken))
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

type memoryLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memoryLedger) ConsumeRefreshToken(_ context.Context, jti string, _ time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[jti] {
		return false, nil
	}
	l.seen[jti] = true
	return true, nil
}

func TestRefreshWithLedgerRejectsReplay(t *testing.T) {
	clk := newClock(time.Now())
	c, err := NewCodec(Options{
		Secret: "test-secret-key-for-jwt",
		Now:    clk.Now,
		Ledger: &memoryLedger{seen: map[string]bool{}},
	})
	require.NoError(t, err)

	pair, err := c.IssuePair(testIdentity())
	require.NoError(t, err)

	next, _, err := c.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	_, _, err = c.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.ErrorIs(t, err, ErrRefreshReused)

	_, _, err = c.Refresh(context.Background(), next.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshWithResolver(t *testing.T) {
	c := newTestCodec(t, newClock(time.Now()))
	pair, err := c.IssuePair(testIdentity())
	require.NoError(t, err)

	next, _, err := c.RefreshWith(context.Background(), pair.RefreshToken, func(_ context.Context, claims *Claims) (Identity, error) {
		id := claims.Identity()
		id.Plan = model.PlanPro
		return id, nil
	})
	require.NoError(t, err)
	claims, err := c.Verify(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, claims.Plan)

	denied := errors.New("key revoked")
	_, _, err = c.RefreshWith(context.Background(), pair.RefreshToken, func(context.Context, *Claims) (Identity, error) {
		return Identity{}, denied
	})
	assert.ErrorIs(t, err, denied)
}
