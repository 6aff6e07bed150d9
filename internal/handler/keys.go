package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/metrics"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/token"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// KeyHandler serves the admin API-key management endpoints. Every route
// must be mounted behind RequireAdmin.
type KeyHandler struct {
	keys   *apikey.Manager
	tokens *service.TokenService
	logger *slog.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *apikey.Manager, tokens *service.TokenService, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{keys: keys, tokens: tokens, logger: logger}
}

// keyResponse is an API key as returned by the admin API. Fingerprint is
// only set when sensitive fields were requested.
type keyResponse struct {
	*model.APIKey
	Fingerprint string `json:"fingerprint,omitempty"`
}

// createKeyRequest is the expected payload for CreateKey.
type createKeyRequest struct {
	Plan        model.Plan        `json:"plan"`
	Permissions []string          `json:"permissions"`
	RateLimit   *model.RateLimit  `json:"rateLimit"`
	ExpiresIn   string            `json:"expiresIn"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// CreateKey provisions a new API key. The plaintext key is only present in
// this response.
// POST /api/v1/admin/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	in := apikey.CreateInput{
		Plan:        req.Plan,
		Permissions: req.Permissions,
		RateLimit:   req.RateLimit,
		Description: req.Description,
		Metadata:    req.Metadata,
		CreatedBy:   adminActor(r),
	}
	if req.ExpiresIn != "" {
		d, err := model.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, codeValidation, "expiresIn must be a positive duration such as \"30d\"")
			return
		}
		in.ExpiresIn = d
	}

	rec, err := h.keys.Create(r.Context(), in)
	if err != nil {
		metrics.APIKeyOperations.WithLabelValues("create", "error").Inc()
		h.logFailure(r, "create api key", err)
		writeManagerError(w, r, err, "Failed to create API key")
		return
	}
	metrics.APIKeyOperations.WithLabelValues("create", "ok").Inc()
	writeJSON(w, http.StatusCreated, keyResponse{APIKey: rec})
}

// ListKeys returns API keys, newest first, optionally filtered by status.
// GET /api/v1/admin/keys?status=active&limit=100&offset=0
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	status := model.KeyStatus(queryString(r, "status"))
	keys, err := h.keys.List(r.Context(), status)
	if err != nil {
		h.logFailure(r, "list api keys", err)
		writeManagerError(w, r, err, "Failed to list API keys")
		return
	}

	limit := clampInt(queryInt(r, "limit", defaultListLimit), 1, maxListLimit)
	offset := clampInt(queryInt(r, "offset", 0), 0, len(keys))
	end := clampInt(offset+limit, offset, len(keys))
	page := keys[offset:end]

	resources := make([]keyResponse, 0, len(page))
	for i := range page {
		resources = append(resources, keyResponse{APIKey: &page[i]})
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

// GetKey returns one API key. With include_sensitive=true the response
// carries the key fingerprint.
// GET /api/v1/admin/keys/{keyId}
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyId")
	sensitive := queryBool(r, "include_sensitive")

	rec, err := h.keys.Get(r.Context(), keyID, sensitive)
	if err != nil {
		h.logFailure(r, "get api key", err)
		writeManagerError(w, r, err, "Failed to get API key")
		return
	}
	resp := keyResponse{APIKey: rec}
	if sensitive {
		resp.Fingerprint = rec.KeyHash
	}
	writeJSON(w, http.StatusOK, resp)
}

// patchKeyRequest is the expected payload for PatchKey. ExpiresAt accepts
// an RFC 3339 timestamp or null to clear the expiry.
type patchKeyRequest struct {
	Plan        *model.Plan       `json:"plan"`
	Permissions []string          `json:"permissions"`
	RateLimit   *model.RateLimit  `json:"rateLimit"`
	Status      *model.KeyStatus  `json:"status"`
	ExpiresAt   json.RawMessage   `json:"expiresAt"`
	Description *string           `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (req patchKeyRequest) patch() (apikey.Patch, error) {
	p := apikey.Patch{
		Plan:        req.Plan,
		Permissions: req.Permissions,
		RateLimit:   req.RateLimit,
		Status:      req.Status,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	switch {
	case len(req.ExpiresAt) == 0:
	case bytes.Equal(bytes.TrimSpace(req.ExpiresAt), []byte("null")):
		p.ClearExpiry = true
	default:
		var t time.Time
		if err := json.Unmarshal(req.ExpiresAt, &t); err != nil {
			return apikey.Patch{}, err
		}
		p.ExpiresAt = &t
	}
	return p, nil
}

// PatchKey applies a partial update. Status may only move from active to
// revoked or expired.
// PATCH /api/v1/admin/keys/{keyId}
func (h *KeyHandler) PatchKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyId")

	var req patchKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	p, err := req.patch()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "expiresAt must be an RFC 3339 timestamp or null")
		return
	}

	rec, err := h.keys.Update(r.Context(), keyID, p)
	if err != nil {
		metrics.APIKeyOperations.WithLabelValues("update", "error").Inc()
		h.logFailure(r, "update api key", err)
		writeManagerError(w, r, err, "Failed to update API key")
		return
	}
	metrics.APIKeyOperations.WithLabelValues("update", "ok").Inc()
	writeJSON(w, http.StatusOK, keyResponse{APIKey: rec})
}

// DeleteKey revokes an API key. Revoking a key that is already revoked or
// expired succeeds with revoked=false.
// DELETE /api/v1/admin/keys/{keyId}
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyId")

	if _, err := h.keys.Get(r.Context(), keyID, false); err != nil {
		h.logFailure(r, "revoke api key", err)
		writeManagerError(w, r, err, "Failed to revoke API key")
		return
	}
	revoked, err := h.keys.Revoke(r.Context(), keyID)
	if err != nil {
		metrics.APIKeyOperations.WithLabelValues("revoke", "error").Inc()
		h.logFailure(r, "revoke api key", err)
		writeManagerError(w, r, err, "Failed to revoke API key")
		return
	}
	metrics.APIKeyOperations.WithLabelValues("revoke", "ok").Inc()
	if revoked {
		h.logger.Info("api key revoked", "key_id", keyID, "by", adminActor(r))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keyId":   keyID,
		"revoked": revoked,
	})
}

// RotateKey replaces an active key with a new one carrying the same plan
// and limits, and revokes the original.
// POST /api/v1/admin/keys/{keyId}/rotate
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyId")

	rec, err := h.keys.Rotate(r.Context(), keyID, adminActor(r))
	if err != nil {
		metrics.APIKeyOperations.WithLabelValues("rotate", "error").Inc()
		h.logFailure(r, "rotate api key", err)
		writeManagerError(w, r, err, "Failed to rotate API key")
		return
	}
	metrics.APIKeyOperations.WithLabelValues("rotate", "ok").Inc()
	writeJSON(w, http.StatusCreated, keyResponse{APIKey: rec})
}

// issueTokenRequest is the expected payload for IssueToken. Either KeyID
// or UserID must be set.
type issueTokenRequest struct {
	KeyID       string           `json:"keyId"`
	UserID      string           `json:"userId"`
	Email       string           `json:"email"`
	Plan        model.Plan       `json:"plan"`
	Permissions []string         `json:"permissions"`
	RateLimit   *model.RateLimit `json:"rateLimit"`
}

// IssueToken issues a token pair for a key or an arbitrary user identity.
// POST /api/v1/admin/tokens
func (h *KeyHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var (
		pair model.TokenPair
		err  error
	)
	switch {
	case req.KeyID != "" && req.UserID != "":
		writeError(w, r, http.StatusBadRequest, codeValidation, "Provide either keyId or userId, not both")
		return
	case req.KeyID != "":
		pair, err = h.tokens.IssueForKey(r.Context(), req.KeyID)
	case req.UserID != "":
		id := token.Identity{
			UserID:      req.UserID,
			Email:       req.Email,
			Plan:        req.Plan,
			Permissions: req.Permissions,
		}
		if req.RateLimit != nil {
			id.RateLimit = *req.RateLimit
		}
		pair, err = h.tokens.IssueForIdentity(id)
	default:
		writeError(w, r, http.StatusBadRequest, codeValidation, "keyId or userId is required")
		return
	}
	if err != nil {
		h.logFailure(r, "issue token", err)
		writeManagerError(w, r, err, "Failed to issue token")
		return
	}
	h.logger.Info("token issued by admin", "key_id", req.KeyID, "user_id", req.UserID, "by", adminActor(r))
	writeJSON(w, http.StatusCreated, pair)
}

func (h *KeyHandler) logFailure(r *http.Request, op string, err error) {
	h.logger.Warn(op+" failed", "error", err, "request_id", middleware.GetRequestID(r.Context()))
}

func adminActor(r *http.Request) string {
	if res, ok := middleware.GetAdmin(r.Context()); ok {
		return res.AdminActor()
	}
	return "admin"
}
