package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/store"
)

// Error codes for failures outside the authentication path.
const (
	codeBadRequest        = "BAD_REQUEST"
	codeValidation        = "VALIDATION_ERROR"
	codeNotFound          = "NOT_FOUND"
	codeConflict          = "CONFLICT"
	codeInvalidTransition = "INVALID_TRANSITION"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:      code,
			Status:    status,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
			Timestamp: time.Now().UTC(),
			Context:   ctxMap,
		},
	})
}

// writeAuthError classifies err into the authentication error envelope.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	ae := service.Classify(err)
	out := *ae
	out.RequestID = middleware.GetRequestID(r.Context())
	out.Timestamp = time.Now().UTC()
	middleware.WriteAuthError(w, &out)
}

// writeManagerError maps API-key manager errors on admin routes to HTTP
// responses. Unlike the authentication path, a key in the wrong state is a
// conflict with the requested operation rather than a credential failure.
func writeManagerError(w http.ResponseWriter, r *http.Request, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, apikey.ErrValidation):
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, apikey.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "API key not found")
	case errors.Is(err, apikey.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, apikey.ErrConflict):
		writeError(w, r, http.StatusConflict, codeConflict, "API key was modified concurrently, retry the request")
	case errors.Is(err, apikey.ErrInvalidState):
		writeError(w, r, http.StatusConflict, string(service.CodeInvalidState), "API key is not active")
	case errors.Is(err, apikey.ErrExpired):
		writeError(w, r, http.StatusConflict, string(service.CodeExpired), "API key has expired")
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, string(service.CodeStoreUnavailable), "Credential store is unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, string(service.CodeInternal), fallbackMsg)
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
