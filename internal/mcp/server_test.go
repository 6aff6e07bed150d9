package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/ratelimit"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/token"
)

const testAdminSecret = "mcp-admin-secret"

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

const issueTokenBody = `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"marquee_issue_token","arguments":{"user_id":"intruder","permissions":["admin"]}}}`

const createKeyBody = `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"marquee_create_key","arguments":{"plan":"pro"}}}`

// guardedHandler mounts the transport behind the admin check, the way the
// CLI serves it.
func guardedHandler(t *testing.T) (http.Handler, *token.Codec, func() int) {
	t.Helper()
	srv, keys, codec := newTestServer(t)
	auth := service.NewAuthenticator(codec, keys, ratelimit.New(ratelimit.NewMemoryCounter()), service.Config{
		AdminSecret: testAdminSecret,
	})
	countKeys := func() int {
		list, err := keys.List(context.Background(), "")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		return len(list)
	}
	return middleware.RequireAdmin(auth)(srv.Handler()), codec, countKeys
}

func postRPC(h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func accessToken(t *testing.T, codec *token.Codec, perms ...string) string {
	t.Helper()
	tok, _, err := codec.Issue(token.Identity{
		UserID:      "operator",
		Plan:        model.PlanPro,
		Permissions: perms,
		RateLimit:   model.RateLimit{Requests: 100, Window: "1m"},
	}, token.KindAccess)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func TestHTTPTransportRejectsUnauthenticatedCalls(t *testing.T) {
	h, codec, countKeys := guardedHandler(t)

	tests := []struct {
		name   string
		body   string
		header http.Header
		want   int
	}{
		{"no credentials issue token", issueTokenBody, nil, http.StatusUnauthorized},
		{"no credentials create key", createKeyBody, nil, http.StatusUnauthorized},
		{"no credentials initialize", initializeBody, nil, http.StatusUnauthorized},
		{"wrong secret", createKeyBody, http.Header{"X-Admin-Secret": {"guess"}}, http.StatusForbidden},
		{"non-admin token", issueTokenBody, http.Header{"Authorization": {"Bearer " + accessToken(t, codec, model.PermMoviesRead)}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postRPC(h, tt.body, tt.header)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d; body: %s", rr.Code, tt.want, rr.Body.String())
			}
			if strings.Contains(rr.Body.String(), "accessToken") {
				t.Fatalf("rejected call returned a token: %s", rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), `"error"`) {
				t.Errorf("expected error envelope, got %s", rr.Body.String())
			}
		})
	}
	if n := countKeys(); n != 0 {
		t.Errorf("rejected calls created %d keys", n)
	}
}

func TestHTTPTransportAdmitsAdmins(t *testing.T) {
	h, codec, _ := guardedHandler(t)

	tests := []struct {
		name   string
		header http.Header
	}{
		{"admin secret", http.Header{"X-Admin-Secret": {testAdminSecret}}},
		{"admin token", http.Header{"Authorization": {"Bearer " + accessToken(t, codec, model.PermAdmin)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postRPC(h, initializeBody, tt.header)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body: %s", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), "Marquee Key Management") {
				t.Errorf("initialize response missing server info: %s", rr.Body.String())
			}
		})
	}
}

func TestServeHTTPRequiresGuard(t *testing.T) {
	srv, _, _ := newTestServer(t)
	err := srv.ServeHTTP(context.Background(), "127.0.0.1:0", nil)
	if !errors.Is(err, ErrUnguarded) {
		t.Fatalf("ServeHTTP(nil guard) = %v, want ErrUnguarded", err)
	}
}

func TestServeHTTPStopsWithContext(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pass := func(next http.Handler) http.Handler { return next }
	if err := srv.ServeHTTP(ctx, "127.0.0.1:0", pass); err != nil {
		t.Fatalf("ServeHTTP after cancel = %v", err)
	}
}
