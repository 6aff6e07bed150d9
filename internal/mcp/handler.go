package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/store"
)

// --------------------------------------------------------------------------
// Parameter extraction helpers
// --------------------------------------------------------------------------

// requireString extracts a required string argument from the tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// optionalString extracts an optional string argument from the tool request.
func optionalString(request mcp.CallToolRequest, key string) string {
	return request.GetString(key, "")
}

// optionalInt extracts an optional integer argument from the tool request.
func optionalInt(request mcp.CallToolRequest, key string, defaultVal int) int {
	return request.GetInt(key, defaultVal)
}

// optionalBool extracts an optional boolean argument from the tool request.
func optionalBool(request mcp.CallToolRequest, key string) bool {
	return request.GetBool(key, false)
}

// optionalStringSlice extracts an optional string slice argument from the tool request.
func optionalStringSlice(request mcp.CallToolRequest, key string) []string {
	return request.GetStringSlice(key, nil)
}

// getStringMapArg extracts a map of string values. Non-string values are
// formatted with %v. Returns nil if the key is not present or not a map.
func getStringMapArg(request mcp.CallToolRequest, key string) map[string]string {
	args := request.GetArguments()
	if args == nil {
		return nil
	}
	raw, ok := args[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// optionalRateLimit reads the rate_limit_requests and rate_limit_window
// pair. Both must be set to override the plan default.
func optionalRateLimit(request mcp.CallToolRequest) (*model.RateLimit, error) {
	requests := optionalInt(request, "rate_limit_requests", 0)
	window := optionalString(request, "rate_limit_window")
	if requests == 0 && window == "" {
		return nil, nil
	}
	rl := &model.RateLimit{Requests: requests, Window: window}
	if err := rl.Validate(); err != nil {
		return nil, err
	}
	return rl, nil
}

// --------------------------------------------------------------------------
// Response builders
// --------------------------------------------------------------------------

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the client; they do NOT terminate the MCP session.
func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// managerError turns an API-key manager error into a tool error the client
// can act on.
func managerError(op string, err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, apikey.ErrNotFound):
		return toolError("%s: API key not found. Use marquee_list_keys to find valid key ids.", op)
	case errors.Is(err, apikey.ErrValidation):
		return toolError("%s: %v", op, err)
	case errors.Is(err, apikey.ErrInvalidState), errors.Is(err, apikey.ErrExpired):
		return toolError("%s: API key is not active", op)
	case errors.Is(err, apikey.ErrInvalidTransition):
		return toolError("%s: %v", op, err)
	case errors.Is(err, store.ErrUnavailable):
		return toolError("%s: credential store is unavailable, retry later", op)
	default:
		return toolError("%s failed: %v", op, err)
	}
}

// clamp constrains val to [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
