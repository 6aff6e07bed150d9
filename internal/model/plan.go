package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Plan is a named subscription tier. It determines the default permissions
// and rate limit given to API keys created without explicit values.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
	PlanTest       Plan = "test"
)

// Permission names understood by the public API.
const (
	PermMoviesRead      = "movies:read"
	PermMoviesSearch    = "movies:search"
	PermRecommendations = "recommendations:read"
	PermAdmin           = "admin"
)

// PlanDefaults holds the permissions and rate limit applied when a key is
// created for a plan without overriding them.
type PlanDefaults struct {
	Permissions []string
	RateLimit   RateLimit
}

var planDefaults = map[Plan]PlanDefaults{
	PlanFree: {
		Permissions: []string{PermMoviesRead},
		RateLimit:   RateLimit{Requests: 30, Window: "1m"},
	},
	PlanBasic: {
		Permissions: []string{PermMoviesRead, PermMoviesSearch},
		RateLimit:   RateLimit{Requests: 100, Window: "1m"},
	},
	PlanPro: {
		Permissions: []string{PermMoviesRead, PermMoviesSearch, PermRecommendations},
		RateLimit:   RateLimit{Requests: 1000, Window: "1m"},
	},
	PlanEnterprise: {
		Permissions: []string{PermMoviesRead, PermMoviesSearch, PermRecommendations},
		RateLimit:   RateLimit{Requests: 10000, Window: "1m"},
	},
	PlanTest: {
		Permissions: []string{PermMoviesRead, PermMoviesSearch, PermRecommendations},
		RateLimit:   RateLimit{Requests: 10, Window: "1m"},
	},
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	_, ok := planDefaults[p]
	return ok
}

// Defaults returns the plan's default permissions and rate limit. The
// returned permission slice is a copy.
func (p Plan) Defaults() (PlanDefaults, bool) {
	d, ok := planDefaults[p]
	if !ok {
		return PlanDefaults{}, false
	}
	d.Permissions = append([]string(nil), d.Permissions...)
	return d, true
}

// Plans returns all known plan names in sorted order.
func Plans() []Plan {
	out := make([]Plan, 0, len(planDefaults))
	for p := range planDefaults {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RateLimit is a request allowance over a window such as "1m" or "1 h".
type RateLimit struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

// Duration parses the window into a time.Duration.
func (rl RateLimit) Duration() (time.Duration, error) {
	return ParseDuration(rl.Window)
}

// Validate checks that the limit is positive and the window parses.
func (rl RateLimit) Validate() error {
	if rl.Requests <= 0 {
		return fmt.Errorf("rate limit requests must be positive, got %d", rl.Requests)
	}
	d, err := rl.Duration()
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %q", rl.Window)
	}
	return nil
}

// ParseDuration parses durations in the forms accepted by time.ParseDuration
// plus day ("d") and week ("w") units and an optional space between the
// number and the unit ("10 s", "1 d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	compact := strings.ReplaceAll(s, " ", "")

	unit := compact[len(compact)-1]
	if unit == 'd' || unit == 'w' {
		n, err := strconv.Atoi(compact[:len(compact)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		day := 24 * time.Hour
		if unit == 'w' {
			return time.Duration(n) * 7 * day, nil
		}
		return time.Duration(n) * day, nil
	}

	d, err := time.ParseDuration(compact)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
