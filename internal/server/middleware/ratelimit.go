package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/marqueeapi/marquee/internal/service"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. It guards unauthenticated endpoints
// such as the API-key exchange, where no principal exists to key on.
// Rejections use the standard error envelope.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			ae := service.NewAuthError(service.CodeRateLimited, "Too many requests from this address")
			ae.RequestID = GetRequestID(r.Context())
			ae.Timestamp = time.Now().UTC()
			ae.RetryAfter = time.Minute
			WriteAuthError(w, ae)
		}),
	)
}
