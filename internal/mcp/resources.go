package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/marqueeapi/marquee/internal/model"
)

const (
	plansURI     = "marquee://plans"
	keyURIPrefix = "marquee://keys/"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// marquee://plans: plan catalogue with default permissions and limits
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			plansURI,
			"Subscription Plans",
			mcp.WithResourceDescription(
				"Every plan with the permissions and rate limit a new key gets "+
					"when none are given explicitly.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handlePlansResource,
	)

	// -------------------------------------------------------------------
	// marquee://keys/{keyId}: a single API key record (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			keyURIPrefix+"{keyId}",
			"API Key",
			mcp.WithTemplateDescription("An API key record. The plaintext key is never included."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleKeyResource,
	)
}

// planInfo is one entry of the plans resource.
type planInfo struct {
	Plan        model.Plan      `json:"plan"`
	Permissions []string        `json:"permissions"`
	RateLimit   model.RateLimit `json:"rateLimit"`
}

func planCatalogue() []planInfo {
	plans := model.Plans()
	out := make([]planInfo, 0, len(plans))
	for _, p := range plans {
		d, _ := p.Defaults()
		out = append(out, planInfo{Plan: p, Permissions: d.Permissions, RateLimit: d.RateLimit})
	}
	return out
}

// handlePlansResource returns the plan catalogue.
func (s *MCPServer) handlePlansResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	b, err := json.MarshalIndent(planCatalogue(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plans: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      plansURI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleKeyResource returns one API key record.
func (s *MCPServer) handleKeyResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	keyID := strings.TrimPrefix(uri, keyURIPrefix)
	if keyID == "" || keyID == uri {
		return nil, fmt.Errorf("invalid key URI %q: expected %s{keyId}", uri, keyURIPrefix)
	}

	rec, err := s.keys.Get(ctx, keyID, false)
	if err != nil {
		return nil, fmt.Errorf("api key %q: %w", keyID, err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
