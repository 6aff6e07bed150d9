package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
)

// AuthHandler serves the public token endpoints.
type AuthHandler struct {
	tokens       *service.TokenService
	apiKeyHeader string
	logger       *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. apiKeyHeader is the header the
// exchange endpoint accepts as an alternative to a JSON body.
func NewAuthHandler(tokens *service.TokenService, apiKeyHeader string, logger *slog.Logger) *AuthHandler {
	if apiKeyHeader == "" {
		apiKeyHeader = service.DefaultAPIKeyHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{tokens: tokens, apiKeyHeader: apiKeyHeader, logger: logger}
}

// tokenRequest is the expected payload for the Token endpoint.
type tokenRequest struct {
	APIKey string `json:"apiKey"`
}

// tokenResponse is a token pair plus the key it was issued for.
type tokenResponse struct {
	model.TokenPair
	KeyID string     `json:"keyId,omitempty"`
	Plan  model.Plan `json:"plan,omitempty"`
}

// Token exchanges an API key for an access/refresh token pair. The key is
// read from the JSON body or, when the body is empty, the API-key header.
// POST /api/v1/auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	plain := strings.TrimSpace(req.APIKey)
	if plain == "" {
		plain = strings.TrimSpace(r.Header.Get(h.apiKeyHeader))
	}
	if plain == "" {
		writeAuthError(w, r, service.NewAuthError(service.CodeMissingCredential, "apiKey is required"))
		return
	}

	pair, rec, err := h.tokens.Exchange(r.Context(), plain)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: pair, KeyID: rec.KeyID, Plan: rec.Plan})
}

// refreshRequest is the expected payload for the Refresh endpoint.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh trades a refresh token for a new token pair.
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeAuthError(w, r, service.NewAuthError(service.CodeMissingCredential, "refreshToken is required"))
		return
	}

	pair, err := h.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		ae := service.Classify(err)
		if ae.Code == service.CodeInternal || ae.Code == service.CodeStoreUnavailable {
			h.logger.Error("refresh token failed", "error", err, "request_id", middleware.GetRequestID(r.Context()))
		}
		writeAuthError(w, r, ae)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// meResponse describes the caller as seen by the Authenticator.
type meResponse struct {
	Principal    *model.Principal `json:"principal"`
	IsLegacyAuth bool             `json:"isLegacyAuth"`
	RateLimit    *rateLimitStatus `json:"rateLimitStatus,omitempty"`
}

type rateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Me returns the authenticated principal. It must be mounted behind the
// Authenticate middleware.
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.GetAuth(r.Context())
	if !ok || res.Principal == nil {
		writeAuthError(w, r, service.NewAuthError(service.CodeMissingCredential, "Authentication required"))
		return
	}
	resp := meResponse{Principal: res.Principal, IsLegacyAuth: res.IsLegacyAuth}
	if d := res.RateLimit; d != nil {
		resp.RateLimit = &rateLimitStatus{Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt.UTC()}
	}
	writeJSON(w, http.StatusOK, resp)
}
