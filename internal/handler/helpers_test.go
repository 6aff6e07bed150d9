package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/store"
)

// ---------------------------------------------------------------------------
// queryInt tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		key        string
		defaultVal int
		want       int
	}{
		{"returns default for missing param", "/test", "limit", 25, 25},
		{"parses integer param", "/test?limit=100", "limit", 25, 100},
		{"returns default for non-integer", "/test?limit=abc", "limit", 25, 25},
		{"parses zero", "/test?offset=0", "offset", 10, 0},
		{"parses negative", "/test?offset=-5", "offset", 0, -5},
		{"returns default for empty value", "/test?limit=", "limit", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryInt(r, tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("queryInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// queryBool tests
// ---------------------------------------------------------------------------

func TestQueryBool(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want bool
	}{
		{"true for 'true'", "/test?include_count=true", "include_count", true},
		{"true for '1'", "/test?include_count=1", "include_count", true},
		{"false for 'false'", "/test?include_count=false", "include_count", false},
		{"false for missing", "/test", "include_count", false},
		{"false for '0'", "/test?include_count=0", "include_count", false},
		{"false for empty", "/test?include_count=", "include_count", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryBool(r, tt.key)
			if got != tt.want {
				t.Errorf("queryBool(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// queryString tests
// ---------------------------------------------------------------------------

func TestQueryString(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want string
	}{
		{"returns value", "/test?filter=age>21", "filter", "age>21"},
		{"returns empty for missing", "/test", "filter", ""},
		{"returns empty string for empty", "/test?filter=", "filter", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryString(r, tt.key)
			if got != tt.want {
				t.Errorf("queryString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// clampInt tests
// ---------------------------------------------------------------------------

func TestClampInt(t *testing.T) {
	tests := []struct {
		name       string
		val        int
		min        int
		max        int
		want       int
	}{
		{"within range", 50, 0, 100, 50},
		{"at min", 0, 0, 100, 0},
		{"at max", 100, 0, 100, 100},
		{"below min clamps to min", -5, 0, 100, 0},
		{"above max clamps to max", 500, 0, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampInt(tt.val, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("clampInt(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// writeError tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	t.Run("writes JSON error response", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/test", nil)
		writeError(w, r, http.StatusBadRequest, codeValidation, "Invalid input")

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"code":"VALIDATION_ERROR"`) {
			t.Errorf("expected code in body: %s", body)
		}
		if !strings.Contains(body, `"status":400`) {
			t.Errorf("expected status 400 in body: %s", body)
		}
		if !strings.Contains(body, `"message":"Invalid input"`) {
			t.Errorf("expected message in body: %s", body)
		}
		if !strings.Contains(body, `"timestamp"`) {
			t.Errorf("expected timestamp in body: %s", body)
		}
	})
}

// ---------------------------------------------------------------------------
// writeJSON tests
// ---------------------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	t.Run("writes JSON with correct content type", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"hello":"world"`) {
			t.Errorf("expected JSON body, got: %s", body)
		}
	})
}

// ---------------------------------------------------------------------------
// writeManagerError tests
// ---------------------------------------------------------------------------

func TestWriteManagerError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: unknown plan", apikey.ErrValidation), http.StatusBadRequest, codeValidation},
		{apikey.ErrNotFound, http.StatusNotFound, codeNotFound},
		{apikey.ErrInvalidTransition, http.StatusConflict, codeInvalidTransition},
		{apikey.ErrConflict, http.StatusConflict, codeConflict},
		{apikey.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
		{apikey.ErrExpired, http.StatusConflict, "EXPIRED"},
		{fmt.Errorf("get api key: %w: %w", store.ErrUnavailable, errors.New("dial tcp")), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("GET", "/test", nil)
			writeManagerError(w, r, tt.err, "failed")
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if !strings.Contains(w.Body.String(), `"code":"`+tt.code+`"`) {
				t.Errorf("expected code %s in body: %s", tt.code, w.Body.String())
			}
			if strings.Contains(w.Body.String(), "dial tcp") || strings.Contains(w.Body.String(), "boom") {
				t.Errorf("internal detail leaked: %s", w.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// readJSON tests
// ---------------------------------------------------------------------------

func TestReadJSON(t *testing.T) {
	var v struct {
		Plan string `json:"plan"`
	}
	r := httptest.NewRequest("POST", "/test", strings.NewReader(`{"plan":"pro"}`))
	if err := readJSON(r, &v); err != nil || v.Plan != "pro" {
		t.Errorf("readJSON = %v, plan %q", err, v.Plan)
	}

	r = httptest.NewRequest("POST", "/test", strings.NewReader(`{"plan":"pro","extra":1}`))
	if err := readJSON(r, &v); err == nil {
		t.Error("expected error for unknown field")
	}

	r = httptest.NewRequest("POST", "/test", strings.NewReader(`{"plan":"`+strings.Repeat("x", maxBodyBytes)+`"}`))
	if err := readJSON(r, &v); err == nil {
		t.Error("expected error for oversized body")
	}
}
