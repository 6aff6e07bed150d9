package mcp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/store"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		val      int
		min      int
		max      int
		expected int
	}{
		{"value in range", 5, 1, 10, 5},
		{"value below min", -3, 1, 10, 1},
		{"value above max", 15, 1, 10, 10},
		{"value equals min", 1, 1, 10, 1},
		{"value equals max", 10, 1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clamp(tt.val, tt.min, tt.max)
			if got != tt.expected {
				t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}

func TestBoolPtr(t *testing.T) {
	truePtr := boolPtr(true)
	falsePtr := boolPtr(false)
	if truePtr == nil || *truePtr != true {
		t.Errorf("boolPtr(true) = %v", truePtr)
	}
	if falsePtr == nil || *falsePtr != false {
		t.Errorf("boolPtr(false) = %v", falsePtr)
	}
	if truePtr == falsePtr {
		t.Error("boolPtr(true) and boolPtr(false) should return distinct pointers")
	}
}

func TestAnnotations(t *testing.T) {
	if ann := readOnlyAnnotation(); ann.ReadOnlyHint == nil || !*ann.ReadOnlyHint {
		t.Error("readOnlyAnnotation should set ReadOnlyHint=true")
	}
	if ann := mutatingAnnotation(); ann.ReadOnlyHint == nil || *ann.ReadOnlyHint {
		t.Error("mutatingAnnotation should set ReadOnlyHint=false")
	}
	ann := destructiveAnnotation()
	if ann.DestructiveHint == nil || !*ann.DestructiveHint {
		t.Error("destructiveAnnotation should set DestructiveHint=true")
	}
	if ann.ReadOnlyHint == nil || *ann.ReadOnlyHint {
		t.Error("destructiveAnnotation should set ReadOnlyHint=false")
	}
}

func TestGetStringMapArg(t *testing.T) {
	req := callRequest("x", map[string]interface{}{
		"metadata": map[string]interface{}{"team": "search", "tier": float64(2)},
		"other":    "not a map",
	})

	m := getStringMapArg(req, "metadata")
	if m["team"] != "search" || m["tier"] != "2" {
		t.Errorf("getStringMapArg = %v", m)
	}
	if got := getStringMapArg(req, "other"); got != nil {
		t.Errorf("non-map argument = %v, want nil", got)
	}
	if got := getStringMapArg(req, "missing"); got != nil {
		t.Errorf("missing argument = %v, want nil", got)
	}
}

func TestOptionalRateLimit(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		wantNil bool
		wantErr bool
	}{
		{"absent", map[string]interface{}{}, true, false},
		{"both set", map[string]interface{}{"rate_limit_requests": float64(5), "rate_limit_window": "1m"}, false, false},
		{"window only", map[string]interface{}{"rate_limit_window": "1m"}, true, true},
		{"bad window", map[string]interface{}{"rate_limit_requests": float64(5), "rate_limit_window": "soon"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl, err := optionalRateLimit(callRequest("x", tt.args))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (rl == nil) != tt.wantNil {
				t.Errorf("rl = %+v, wantNil %v", rl, tt.wantNil)
			}
		})
	}
}

func TestManagerError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{apikey.ErrNotFound, "Get key: API key not found. Use marquee_list_keys to find valid key ids."},
		{apikey.ErrInvalidState, "Get key: API key is not active"},
		{apikey.ErrExpired, "Get key: API key is not active"},
		{fmt.Errorf("wrap: %w", store.ErrUnavailable), "Get key: credential store is unavailable, retry later"},
		{errors.New("boom"), "Get key failed: boom"},
	}
	for _, tt := range tests {
		res, err := managerError("Get key", tt.err)
		if err != nil {
			t.Fatalf("managerError returned protocol error: %v", err)
		}
		if !res.IsError {
			t.Errorf("%v: IsError = false", tt.err)
		}
		if got := resultText(t, res); got != tt.want {
			t.Errorf("%v: text = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}
