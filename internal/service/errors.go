package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/store"
	"github.com/marqueeapi/marquee/internal/token"
)

// Code is a stable, machine-readable rejection reason.
type Code string

const (
	CodeMissingCredential Code = "MISSING_CREDENTIAL"
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	CodeMalformed         Code = "MALFORMED"
	CodeExpired           Code = "EXPIRED"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeForbidden         Code = "FORBIDDEN"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeStoreUnavailable  Code = "STORE_UNAVAILABLE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Status returns the HTTP status for c.
func (c Code) Status() int {
	switch c {
	case CodeMissingCredential, CodeInvalidCredential, CodeMalformed, CodeExpired:
		return http.StatusUnauthorized
	case CodeInvalidState, CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AuthError is a structured rejection. It never carries internal details
// beyond the request id; the wrapped cause is for logs only.
type AuthError struct {
	Code       Code
	Message    string
	RequestID  string
	Timestamp  time.Time
	RetryAfter time.Duration
	cause      error
}

// NewAuthError returns an AuthError with the given code and message.
func NewAuthError(code Code, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error.
func (e *AuthError) Status() int { return e.Code.Status() }

// Envelope renders the error in the API's JSON error shape.
func (e *AuthError) Envelope() model.ErrorResponse {
	return model.ErrorResponse{Error: model.ErrorDetail{
		Code:      string(e.Code),
		Status:    e.Status(),
		Message:   e.Message,
		RequestID: e.RequestID,
		Timestamp: e.Timestamp,
	}}
}

// Classify maps an error from the token codec, key manager, limiter or store
// to an AuthError. An *AuthError is returned unchanged.
func Classify(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}

	var code Code
	var msg string
	switch {
	case errors.Is(err, token.ErrMalformed):
		code, msg = CodeMalformed, "Token is malformed"
	case errors.Is(err, token.ErrExpired):
		code, msg = CodeExpired, "Token has expired"
	case errors.Is(err, token.ErrInvalidSignature):
		code, msg = CodeInvalidCredential, "Token is invalid"
	case errors.Is(err, token.ErrRefreshExpired):
		code, msg = CodeExpired, "Refresh token has expired"
	case errors.Is(err, token.ErrInvalidRefreshToken):
		code, msg = CodeInvalidCredential, "Refresh token is invalid"
	case errors.Is(err, apikey.ErrNotFound):
		code, msg = CodeInvalidCredential, "API key is invalid"
	case errors.Is(err, apikey.ErrInvalidState):
		code, msg = CodeInvalidState, "API key is not active"
	case errors.Is(err, apikey.ErrExpired):
		code, msg = CodeExpired, "API key has expired"
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		code, msg = CodeStoreUnavailable, "Credential store is unavailable"
	default:
		code, msg = CodeInternal, "Internal error"
	}
	return &AuthError{Code: code, Message: msg, cause: err}
}
