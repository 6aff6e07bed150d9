package mcp

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/token"
)

// registerTools registers all Marquee MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("marquee_list_keys",
			mcp.WithDescription(
				"List API keys, newest first. Returns each key's id, masked value, plan, "+
					"permissions, rate limit and status. Plaintext keys are never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("status",
				mcp.Description("Only keys in this status"),
				mcp.Enum("active", "revoked", "expired"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of keys to return (default 50, max 1000)"),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("marquee_get_key",
			mcp.WithDescription("Get one API key by id."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the API key"),
			),
			mcp.WithBoolean("include_sensitive",
				mcp.Description("Include the key's SHA-256 fingerprint"),
			),
		),
		s.handleGetKey,
	)

	// ----- Lifecycle tools -----

	srv.AddTool(
		mcp.NewTool("marquee_create_key",
			mcp.WithDescription(
				"Create an API key. The plaintext key is only shown in this result; "+
					"store it immediately. Permissions and rate limit default to the plan's.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("plan",
				mcp.Required(),
				mcp.Description("Subscription plan"),
				mcp.Enum(planNames()...),
			),
			mcp.WithArray("permissions",
				mcp.Description("Permission names. Omit for the plan defaults."),
				mcp.WithStringItems(),
			),
			mcp.WithNumber("rate_limit_requests",
				mcp.Description("Requests per window. Set together with rate_limit_window."),
			),
			mcp.WithString("rate_limit_window",
				mcp.Description("Window such as \"1m\", \"1 h\" or \"1d\""),
			),
			mcp.WithString("expires_in",
				mcp.Description("Lifetime such as \"30d\". Omit for a key that never expires."),
			),
			mcp.WithString("description",
				mcp.Description("Free-form description"),
			),
			mcp.WithObject("metadata",
				mcp.Description("String key/value metadata"),
			),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("marquee_revoke_key",
			mcp.WithDescription(
				"Revoke an API key. Revocation is permanent. Revoking a key that is "+
					"already revoked or expired reports revoked=false.",
			),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the API key"),
			),
		),
		s.handleRevokeKey,
	)

	srv.AddTool(
		mcp.NewTool("marquee_rotate_key",
			mcp.WithDescription(
				"Replace an active API key with a new one carrying the same plan, "+
					"permissions and rate limit. The original key is revoked. The new "+
					"plaintext key is only shown in this result.",
			),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the API key to rotate"),
			),
		),
		s.handleRotateKey,
	)

	// ----- Token tools -----

	srv.AddTool(
		mcp.NewTool("marquee_issue_token",
			mcp.WithDescription(
				"Issue an access/refresh token pair. Pass key_id to issue for an "+
					"existing active key, or user_id (with optional plan, email and "+
					"permissions) to issue for an arbitrary identity.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("key_id",
				mcp.Description("Issue for this API key"),
			),
			mcp.WithString("user_id",
				mcp.Description("Issue for this user id instead of a key"),
			),
			mcp.WithString("email",
				mcp.Description("Email claim for user_id tokens"),
			),
			mcp.WithString("plan",
				mcp.Description("Plan for user_id tokens (default free)"),
				mcp.Enum(planNames()...),
			),
			mcp.WithArray("permissions",
				mcp.Description("Permissions for user_id tokens. Omit for the plan defaults."),
				mcp.WithStringItems(),
			),
		),
		s.handleIssueToken,
	)
}

func planNames() []string {
	plans := model.Plans()
	out := make([]string, len(plans))
	for i, p := range plans {
		out[i] = string(p)
	}
	return out
}

// =========================================================================
// Tool handlers
// =========================================================================

// handleListKeys returns API keys, optionally filtered by status.
func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	status := model.KeyStatus(optionalString(request, "status"))
	if status != "" && !status.Valid() {
		return toolError("Invalid status %q. Use active, revoked or expired.", status)
	}
	limit := clamp(optionalInt(request, "limit", 50), 1, 1000)

	keys, err := s.keys.List(ctx, status)
	if err != nil {
		return managerError("List keys", err)
	}
	total := len(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}

	return successJSON(map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
		"total": total,
	})
}

// handleGetKey returns one API key.
func (s *MCPServer) handleGetKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	sensitive := optionalBool(request, "include_sensitive")

	rec, err := s.keys.Get(ctx, keyID, sensitive)
	if err != nil {
		return managerError("Get key", err)
	}

	type keyWithFingerprint struct {
		*model.APIKey
		Fingerprint string `json:"fingerprint,omitempty"`
	}
	out := keyWithFingerprint{APIKey: rec}
	if sensitive {
		out.Fingerprint = rec.KeyHash
	}
	return successJSON(out)
}

// handleCreateKey provisions a new API key.
func (s *MCPServer) handleCreateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	plan, err := requireString(request, "plan")
	if err != nil {
		return toolError("%v. Available plans: %v", err, planNames())
	}

	rl, err := optionalRateLimit(request)
	if err != nil {
		return toolError("Invalid rate limit: %v", err)
	}

	in := apikey.CreateInput{
		Plan:        model.Plan(plan),
		Permissions: optionalStringSlice(request, "permissions"),
		RateLimit:   rl,
		Description: optionalString(request, "description"),
		Metadata:    getStringMapArg(request, "metadata"),
		CreatedBy:   Actor,
	}
	if raw := strings.TrimSpace(optionalString(request, "expires_in")); raw != "" {
		d, err := model.ParseDuration(raw)
		if err != nil || d <= 0 {
			return toolError("Invalid expires_in %q: use a positive duration such as \"30d\"", raw)
		}
		in.ExpiresIn = d
	}

	rec, err := s.keys.Create(ctx, in)
	if err != nil {
		return managerError("Create key", err)
	}
	return successJSON(rec)
}

// handleRevokeKey revokes an API key.
func (s *MCPServer) handleRevokeKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	if _, err := s.keys.Get(ctx, keyID, false); err != nil {
		return managerError("Revoke key", err)
	}
	revoked, err := s.keys.Revoke(ctx, keyID)
	if err != nil {
		return managerError("Revoke key", err)
	}
	if revoked {
		s.logger.Info("api key revoked", "key_id", keyID, "by", Actor)
	}
	return successJSON(map[string]interface{}{
		"keyId":   keyID,
		"revoked": revoked,
	})
}

// handleRotateKey replaces an active key.
func (s *MCPServer) handleRotateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	rec, err := s.keys.Rotate(ctx, keyID, Actor)
	if err != nil {
		return managerError("Rotate key", err)
	}
	return successJSON(map[string]interface{}{
		"replaces": keyID,
		"key":      rec,
	})
}

// handleIssueToken issues a token pair for a key or a user identity.
func (s *MCPServer) handleIssueToken(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID := optionalString(request, "key_id")
	userID := optionalString(request, "user_id")

	var (
		pair model.TokenPair
		err  error
	)
	switch {
	case keyID != "" && userID != "":
		return toolError("Pass either key_id or user_id, not both")
	case keyID != "":
		pair, err = s.tokens.IssueForKey(ctx, keyID)
	case userID != "":
		plan := model.Plan(optionalString(request, "plan"))
		if plan == "" {
			plan = model.PlanFree
		}
		pair, err = s.tokens.IssueForIdentity(token.Identity{
			UserID:      userID,
			Email:       optionalString(request, "email"),
			Plan:        plan,
			Permissions: optionalStringSlice(request, "permissions"),
		})
	default:
		return toolError("key_id or user_id is required")
	}
	if err != nil {
		return managerError("Issue token", err)
	}

	s.logger.Info("token issued", "key_id", keyID, "user_id", userID, "by", Actor)
	return successJSON(pair)
}
