package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/ratelimit"
	"github.com/marqueeapi/marquee/internal/service"
)

type contextKeyAuth string

const (
	// AuthResultKey is the context key for the authentication result.
	AuthResultKey contextKeyAuth = "auth_result"
	// AdminResultKey is the context key for the admin authorization result.
	AdminResultKey contextKeyAuth = "admin_result"
)

// Authenticate returns an HTTP middleware that runs every request through
// the Authenticator with the given route requirements. On success the
// result is attached to the request context and rate-limit headers are
// set. On failure the structured error envelope is written and the chain
// stops.
func Authenticate(a *service.Authenticator, opts service.Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := a.Authenticate(r, opts)
			noteAuth(r.Context(), res)
			SetRateLimitHeaders(w, res.RateLimit)
			if !res.Success {
				WriteAuthError(w, res.Err)
				return
			}
			if res.IsLegacyAuth {
				w.Header().Set("Deprecation", "true")
			}
			ctx := context.WithValue(r.Context(), AuthResultKey, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns an HTTP middleware that admits requests carrying
// either a principal with the admin permission or the admin shared secret.
func RequireAdmin(a *service.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := a.AuthorizeAdmin(r)
			noteAdmin(r.Context(), res)
			if !res.Authorized {
				SetRateLimitHeaders(w, res.Auth.RateLimit)
				WriteAuthError(w, res.Err)
				return
			}
			ctx := context.WithValue(r.Context(), AdminResultKey, res)
			ctx = context.WithValue(ctx, AuthResultKey, res.Auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuth extracts the authentication result from the context.
func GetAuth(ctx context.Context) (service.Result, bool) {
	res, ok := ctx.Value(AuthResultKey).(service.Result)
	return res, ok
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil for anonymous requests.
func GetPrincipal(ctx context.Context) *model.Principal {
	if res, ok := GetAuth(ctx); ok {
		return res.Principal
	}
	return nil
}

// GetAdmin extracts the admin authorization result from the context.
func GetAdmin(ctx context.Context) (service.AdminResult, bool) {
	res, ok := ctx.Value(AdminResultKey).(service.AdminResult)
	return res, ok
}

// SetRateLimitHeaders writes the X-RateLimit-* headers for d. A nil
// decision writes nothing.
func SetRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// WriteAuthError writes ae as a JSON error envelope with its HTTP status.
// Rate-limit rejections carry Retry-After.
func WriteAuthError(w http.ResponseWriter, ae *service.AuthError) {
	if ae == nil {
		ae = service.NewAuthError(service.CodeInternal, "Internal error")
	}
	if ae.Code == service.CodeRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(service.RetryAfterSeconds(ae.RetryAfter)))
	}
	if ae.Code == service.CodeMissingCredential || ae.Code == service.CodeInvalidCredential ||
		ae.Code == service.CodeMalformed || ae.Code == service.CodeExpired {
		w.Header().Set("WWW-Authenticate", `Bearer realm="marquee"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	json.NewEncoder(w).Encode(ae.Envelope())
}
