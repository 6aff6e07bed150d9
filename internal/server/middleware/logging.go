package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/marqueeapi/marquee/internal/service"
)

type outcomeKey struct{}

// authOutcome is filled in by Authenticate and RequireAdmin further down
// the chain so the request log line can say who was admitted, or why not.
type authOutcome struct {
	method string
	userID string
	keyID  string
	admin  string
	code   string
}

func noteAuth(ctx context.Context, res service.Result) {
	o, ok := ctx.Value(outcomeKey{}).(*authOutcome)
	if !ok {
		return
	}
	if p := res.Principal; p != nil {
		o.method = string(p.AuthMethod)
		o.userID = p.UserID
		o.keyID = p.KeyID
	}
	if res.Err != nil {
		o.code = string(res.Err.Code)
	}
}

func noteAdmin(ctx context.Context, res service.AdminResult) {
	noteAuth(ctx, res.Auth)
	o, ok := ctx.Value(outcomeKey{}).(*authOutcome)
	if !ok {
		return
	}
	switch {
	case res.ViaPermission && res.ViaSecret:
		o.admin = "both"
	case res.ViaPermission:
		o.admin = "permission"
	case res.ViaSecret:
		o.admin = "secret"
	default:
		o.admin = "denied"
	}
	if res.Err != nil {
		o.code = string(res.Err.Code)
	}
}

func (o *authOutcome) attrs() []any {
	var out []any
	if o.method != "" {
		out = append(out, "auth_method", o.method)
	}
	if o.userID != "" {
		out = append(out, "user_id", o.userID)
	}
	if o.keyID != "" {
		out = append(out, "key_id", o.keyID)
	}
	if o.admin != "" {
		out = append(out, "admin", o.admin)
	}
	if o.code != "" {
		out = append(out, "auth_error", o.code)
	}
	return out
}

// Logger logs one line per request with the request id, status and timing,
// plus the authentication outcome when the route is protected: the auth
// method, user and key ids, how admin access was decided, and the error
// code of a rejection. Credentials themselves are never logged.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			outcome := &authOutcome{}
			r = r.WithContext(context.WithValue(r.Context(), outcomeKey{}, outcome))

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.status >= 500 {
				level = slog.LevelError
			} else if ww.status >= 400 {
				level = slog.LevelWarn
			}

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			logger.Log(r.Context(), level, "request", append(args, outcome.attrs()...)...)
		})
	}
}

// responseWriter records the status and body size for the log line.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
