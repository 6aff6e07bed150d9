package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/metrics"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/ratelimit"
	"github.com/marqueeapi/marquee/internal/token"
)

const (
	DefaultAPIKeyHeader      = "X-API-Key"
	DefaultAdminSecretHeader = "X-Admin-Secret"
)

// CredentialKind tags the credential found on a request.
type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	CredentialToken
	CredentialAPIKey
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialToken:
		return "token"
	case CredentialAPIKey:
		return "api_key"
	default:
		return "none"
	}
}

// Credential is the result of credential extraction.
type Credential struct {
	Kind  CredentialKind
	Value string
}

// ExtractCredential reads the credential from r. A bearer token is
// preferred; a bearer value shaped like an API key, or a value in the
// API-key header, is a legacy key.
func ExtractCredential(r *http.Request, apiKeyHeader string) Credential {
	if authz := r.Header.Get("Authorization"); authz != "" {
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			v := strings.TrimSpace(authz[7:])
			if v != "" {
				if strings.HasPrefix(v, apikey.Prefix) {
					return Credential{Kind: CredentialAPIKey, Value: v}
				}
				return Credential{Kind: CredentialToken, Value: v}
			}
		}
	}
	if v := strings.TrimSpace(r.Header.Get(apiKeyHeader)); v != "" {
		return Credential{Kind: CredentialAPIKey, Value: v}
	}
	return Credential{Kind: CredentialNone}
}

// Verifier turns a credential value into a Principal.
type Verifier interface {
	Verify(ctx context.Context, value string) (*model.Principal, error)
}

// TokenVerifier is the subset of the token codec used for authentication.
type TokenVerifier interface {
	Verify(tokenStr string) (*token.Claims, error)
}

// KeyLookup resolves plaintext API keys.
type KeyLookup interface {
	Lookup(ctx context.Context, plainKey string) (*model.APIKey, error)
}

// RateLimiter decides whether a principal may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity string, rl model.RateLimit) (ratelimit.Decision, error)
}

type tokenVerifier struct{ codec TokenVerifier }

func (v tokenVerifier) Verify(_ context.Context, value string) (*model.Principal, error) {
	claims, err := v.codec.Verify(value)
	if err != nil {
		return nil, err
	}
	return claims.Principal(), nil
}

type keyVerifier struct{ keys KeyLookup }

func (v keyVerifier) Verify(ctx context.Context, value string) (*model.Principal, error) {
	rec, err := v.keys.Lookup(ctx, value)
	if err != nil {
		return nil, err
	}
	return KeyPrincipal(rec), nil
}

// KeyPrincipal builds the principal for a key record. The key id is the
// user identity so token and legacy requests made with the same key share
// one rate-limit bucket.
func KeyPrincipal(rec *model.APIKey) *model.Principal {
	return &model.Principal{
		UserID:      rec.KeyID,
		Plan:        rec.Plan,
		Permissions: append([]string(nil), rec.Permissions...),
		RateLimit:   rec.RateLimit,
		KeyID:       rec.KeyID,
		AuthMethod:  model.AuthMethodAPIKey,
	}
}

// Options are the per-route authentication requirements.
type Options struct {
	RequireAuth bool
	Permissions []string
}

// Result is the outcome of Authenticate. Exactly one of Principal (when
// Success) or Err is meaningful. An anonymous request to a route that does
// not require auth succeeds with a nil Principal.
type Result struct {
	Success      bool
	Principal    *model.Principal
	IsLegacyAuth bool
	Err          *AuthError
	RateLimit    *ratelimit.Decision
}

// Config configures an Authenticator.
type Config struct {
	APIKeyHeader      string
	AdminSecretHeader string
	AdminSecret       string
	Now               func() time.Time
	Logger            *slog.Logger
	// RequestID returns the correlation id for a request.
	RequestID func(*http.Request) string
}

// Authenticator is the single entry point every protected route goes
// through. It extracts and verifies the credential, checks permissions and
// consults the rate limiter, in that order.
type Authenticator struct {
	verifiers   map[CredentialKind]Verifier
	limiter     RateLimiter
	apiKeyHdr   string
	adminHdr    string
	adminSecret string
	now         func() time.Time
	logger      *slog.Logger
	requestID   func(*http.Request) string
}

// NewAuthenticator wires an Authenticator. limiter may be nil to disable
// rate limiting.
func NewAuthenticator(codec TokenVerifier, keys KeyLookup, limiter RateLimiter, cfg Config) *Authenticator {
	a := &Authenticator{
		verifiers: map[CredentialKind]Verifier{
			CredentialToken:  tokenVerifier{codec: codec},
			CredentialAPIKey: keyVerifier{keys: keys},
		},
		limiter:     limiter,
		apiKeyHdr:   cfg.APIKeyHeader,
		adminHdr:    cfg.AdminSecretHeader,
		adminSecret: cfg.AdminSecret,
		now:         cfg.Now,
		logger:      cfg.Logger,
		requestID:   cfg.RequestID,
	}
	if a.apiKeyHdr == "" {
		a.apiKeyHdr = DefaultAPIKeyHeader
	}
	if a.adminHdr == "" {
		a.adminHdr = DefaultAdminSecretHeader
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.requestID == nil {
		a.requestID = func(r *http.Request) string { return r.Header.Get("X-Request-ID") }
	}
	return a
}

// Authenticate runs the authentication state machine for r. It never
// panics on bad input and never returns a raw internal error.
func (a *Authenticator) Authenticate(r *http.Request, opts Options) (res Result) {
	start := time.Now()
	cred := ExtractCredential(r, a.apiKeyHdr)
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("authenticate panicked", "panic", rec, "request_id", a.requestID(r))
			res = a.reject(r, &AuthError{Code: CodeInternal, Message: "Internal error"})
		}
		result := "ok"
		if res.Err != nil {
			result = string(res.Err.Code)
		}
		metrics.AuthDecisions.WithLabelValues(cred.Kind.String(), result).Inc()
		metrics.AuthDuration.WithLabelValues(cred.Kind.String()).Observe(time.Since(start).Seconds())
	}()

	if cred.Kind == CredentialNone {
		if opts.RequireAuth {
			return a.reject(r, NewAuthError(CodeMissingCredential,
				"Authentication required. Provide a Bearer token or "+a.apiKeyHdr+" header."))
		}
		return Result{Success: true}
	}

	principal, err := a.verifiers[cred.Kind].Verify(r.Context(), cred.Value)
	if err != nil {
		ae := Classify(err)
		if ae.Code == CodeStoreUnavailable || ae.Code == CodeInternal {
			a.logger.Error("credential verification failed", "method", cred.Kind.String(), "error", err, "request_id", a.requestID(r))
		}
		return a.reject(r, ae)
	}
	legacy := cred.Kind == CredentialAPIKey

	if !principal.HasPermissions(opts.Permissions...) {
		return a.reject(r, NewAuthError(CodeForbidden, "Insufficient permissions"))
	}

	res = Result{Success: true, Principal: principal, IsLegacyAuth: legacy}
	if a.limiter == nil {
		return res
	}

	d, err := a.limiter.Allow(r.Context(), principal.RateLimitIdentity(), principal.RateLimit)
	if err != nil {
		ae := Classify(err)
		a.logger.Error("rate limit check failed", "error", err, "request_id", a.requestID(r))
		return a.reject(r, ae)
	}
	metrics.RateLimitDecisions.WithLabelValues(string(principal.Plan), strconv.FormatBool(d.Allowed)).Inc()
	res.RateLimit = &d
	if !d.Allowed {
		ae := NewAuthError(CodeRateLimited, "Rate limit exceeded. Retry after "+retryAfterSeconds(d.RetryAfter)+" seconds.")
		ae.RetryAfter = d.RetryAfter
		rejected := a.reject(r, ae)
		rejected.RateLimit = &d
		return rejected
	}
	return res
}

func (a *Authenticator) reject(r *http.Request, ae *AuthError) Result {
	out := *ae
	out.RequestID = a.requestID(r)
	out.Timestamp = a.now().UTC()
	return Result{Err: &out}
}

// AdminResult is the outcome of AuthorizeAdmin.
type AdminResult struct {
	Authorized    bool
	ViaPermission bool
	ViaSecret     bool
	Auth          Result
	Err           *AuthError
}

// AuthorizeAdmin grants admin access when the request's principal holds the
// admin permission or the admin secret header matches the configured
// secret. Both predicates are always evaluated.
func (a *Authenticator) AuthorizeAdmin(r *http.Request) AdminResult {
	auth := a.Authenticate(r, Options{})
	viaPermission := auth.Success && auth.Principal != nil && auth.Principal.HasPermissions(model.PermAdmin)
	viaSecret := secretMatches(r.Header.Get(a.adminHdr), a.adminSecret)

	res := AdminResult{
		Authorized:    viaPermission || viaSecret,
		ViaPermission: viaPermission,
		ViaSecret:     viaSecret,
		Auth:          auth,
	}
	switch {
	case viaPermission && viaSecret:
		metrics.AdminDecisions.WithLabelValues("both").Inc()
	case viaPermission:
		metrics.AdminDecisions.WithLabelValues("permission").Inc()
	case viaSecret:
		metrics.AdminDecisions.WithLabelValues("secret").Inc()
	default:
		metrics.AdminDecisions.WithLabelValues("denied").Inc()
	}
	if res.Authorized {
		return res
	}

	switch {
	case auth.Err != nil:
		res.Err = auth.Err
	case auth.Principal == nil && r.Header.Get(a.adminHdr) == "":
		res.Err = a.reject(r, NewAuthError(CodeMissingCredential, "Admin credentials required")).Err
	default:
		res.Err = a.reject(r, NewAuthError(CodeForbidden, "Admin access required")).Err
	}
	return res
}

// AdminActor names the caller of an admin operation for audit fields.
func (res AdminResult) AdminActor() string {
	if res.ViaPermission && res.Auth.Principal != nil {
		return res.Auth.Principal.UserID
	}
	return "admin-secret"
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(RetryAfterSeconds(d))
}

// RetryAfterSeconds rounds d up to whole seconds, at least 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// IsAuthError reports whether err is an *AuthError with the given code.
func IsAuthError(err error, code Code) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Code == code
}
