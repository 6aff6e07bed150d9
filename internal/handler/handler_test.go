package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/ratelimit"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/store"
	"github.com/marqueeapi/marquee/internal/token"
)

const (
	testJWTSecret   = "test-secret-for-handler-tests"
	testAdminSecret = "handler-admin-secret"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store  *store.Store
	keys   *apikey.Manager
	codec  *token.Codec
	router chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory credential
// store and a Chi router with the auth and admin routes mounted.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.Open(context.Background(), store.Options{}) // in-memory SQLite
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	keys, err := apikey.NewManager(s, apikey.Options{DisableTouch: true})
	if err != nil {
		t.Fatalf("apikey.NewManager: %v", err)
	}
	t.Cleanup(keys.Close)

	codec, err := token.NewCodec(token.Options{Secret: testJWTSecret})
	if err != nil {
		t.Fatalf("token.NewCodec: %v", err)
	}
	auth := service.NewAuthenticator(codec, keys, ratelimit.New(ratelimit.NewMemoryCounter()), service.Config{
		AdminSecret: testAdminSecret,
		RequestID:   func(r *http.Request) string { return middleware.GetRequestID(r.Context()) },
	})
	tokens := service.NewTokenService(codec, keys, nil)
	authHandler := NewAuthHandler(tokens, "", nil)
	keyHandler := NewKeyHandler(keys, tokens, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", authHandler.Token)
		r.Post("/auth/refresh", authHandler.Refresh)
		r.With(middleware.Authenticate(auth, service.Options{RequireAuth: true})).Get("/auth/me", authHandler.Me)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(auth))
			r.Post("/keys", keyHandler.CreateKey)
			r.Get("/keys", keyHandler.ListKeys)
			r.Get("/keys/{keyId}", keyHandler.GetKey)
			r.Patch("/keys/{keyId}", keyHandler.PatchKey)
			r.Delete("/keys/{keyId}", keyHandler.DeleteKey)
			r.Post("/keys/{keyId}/rotate", keyHandler.RotateKey)
			r.Post("/tokens", keyHandler.IssueToken)
		})
	})

	return &testEnv{store: s, keys: keys, codec: codec, router: r}
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers ...map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range headers {
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// admin executes a request carrying the admin secret.
func (e *testEnv) admin(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"X-Admin-Secret": testAdminSecret})
}

// seedKey creates a key directly through the manager and returns it with
// its plaintext value.
func (e *testEnv) seedKey(t *testing.T, in apikey.CreateInput) *model.APIKey {
	t.Helper()
	if in.Plan == "" {
		in.Plan = model.PlanBasic
	}
	if in.CreatedBy == "" {
		in.CreatedBy = "test"
	}
	rec, err := e.keys.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return rec
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v (body: %s)", err, rr.Body.String())
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var env model.ErrorResponse
	decodeJSON(t, rr, &env)
	if env.Error.Code != want {
		t.Errorf("error code = %q, want %q (%s)", env.Error.Code, want, env.Error.Message)
	}
	if env.Error.Status != rr.Code {
		t.Errorf("envelope status = %d, response status = %d", env.Error.Status, rr.Code)
	}
	if env.Error.RequestID == "" || env.Error.Timestamp.IsZero() {
		t.Errorf("envelope missing requestId or timestamp: %+v", env.Error)
	}
}
