package model

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to KeyStatus
		want     bool
	}{
		{KeyStatusActive, KeyStatusActive, true},
		{KeyStatusActive, KeyStatusRevoked, true},
		{KeyStatusActive, KeyStatusExpired, true},
		{KeyStatusRevoked, KeyStatusActive, false},
		{KeyStatusRevoked, KeyStatusExpired, false},
		{KeyStatusExpired, KeyStatusActive, false},
		{KeyStatusExpired, KeyStatusRevoked, false},
		{KeyStatusRevoked, KeyStatusRevoked, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestKeyStatusValid(t *testing.T) {
	for _, s := range []KeyStatus{KeyStatusActive, KeyStatusRevoked, KeyStatusExpired} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if KeyStatus("suspended").Valid() {
		t.Error("unknown status reported valid")
	}
	if KeyStatusActive.Terminal() {
		t.Error("active is not terminal")
	}
}

func TestNormalizePermissions(t *testing.T) {
	got := NormalizePermissions([]string{"movies:search", "", "movies:read", "movies:search"})
	want := []string{"movies:read", "movies:search"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizePermissions = %v, want %v", got, want)
	}
	if got := NormalizePermissions(nil); got == nil || len(got) != 0 {
		t.Errorf("NormalizePermissions(nil) = %#v, want empty non-nil", got)
	}
}

func TestPlanDefaults(t *testing.T) {
	for _, p := range Plans() {
		d, ok := p.Defaults()
		if !ok {
			t.Fatalf("%s has no defaults", p)
		}
		if len(d.Permissions) == 0 {
			t.Errorf("%s has no default permissions", p)
		}
		if err := d.RateLimit.Validate(); err != nil {
			t.Errorf("%s default rate limit: %v", p, err)
		}
	}

	d, _ := PlanFree.Defaults()
	d.Permissions[0] = "mutated"
	again, _ := PlanFree.Defaults()
	if again.Permissions[0] != PermMoviesRead {
		t.Error("Defaults must return a copy of the permission list")
	}

	if _, ok := Plan("platinum").Defaults(); ok {
		t.Error("unknown plan returned defaults")
	}
	if Plan("platinum").Valid() {
		t.Error("unknown plan reported valid")
	}
}

func TestPlansSorted(t *testing.T) {
	got := Plans()
	want := []Plan{PlanBasic, PlanEnterprise, PlanFree, PlanPro, PlanTest}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Plans() = %v, want %v", got, want)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"10 s", 10 * time.Second, false},
		{"1 h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"2 w", 14 * 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"", 0, true},
		{"soon", 0, true},
		{"xd", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRateLimitValidate(t *testing.T) {
	tests := []struct {
		rl      RateLimit
		wantErr bool
	}{
		{RateLimit{Requests: 100, Window: "1m"}, false},
		{RateLimit{Requests: 0, Window: "1m"}, true},
		{RateLimit{Requests: -5, Window: "1m"}, true},
		{RateLimit{Requests: 10, Window: "0s"}, true},
		{RateLimit{Requests: 10, Window: "bogus"}, true},
	}
	for _, tt := range tests {
		if err := tt.rl.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%+v.Validate() = %v, wantErr %v", tt.rl, err, tt.wantErr)
		}
	}
}

func TestAPIKeyClone(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	k := &APIKey{
		KeyID:       "k1",
		Permissions: []string{PermMoviesRead},
		Metadata:    map[string]string{"team": "web"},
		ExpiresAt:   &exp,
	}
	c := k.Clone()
	c.Permissions[0] = "changed"
	c.Metadata["team"] = "changed"
	*c.ExpiresAt = exp.Add(time.Hour)

	if k.Permissions[0] != PermMoviesRead || k.Metadata["team"] != "web" || !k.ExpiresAt.Equal(exp) {
		t.Errorf("Clone shares state with the original: %+v", k)
	}
}

func TestAPIKeyJSONHidesHash(t *testing.T) {
	b, err := json.Marshal(APIKey{KeyID: "k1", KeyHash: "secret-hash"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["keyHash"]; ok {
		t.Error("key hash leaked into JSON")
	}
	if _, ok := m["plainKey"]; ok {
		t.Error("empty plain key should be omitted")
	}
}

func TestPrincipalHasPermissions(t *testing.T) {
	p := &Principal{UserID: "u1", Permissions: []string{PermMoviesRead, PermMoviesSearch}}
	if !p.HasPermissions() {
		t.Error("empty requirement should pass")
	}
	if !p.HasPermissions(PermMoviesRead, PermMoviesSearch) {
		t.Error("held permissions should pass")
	}
	if p.HasPermissions(PermMoviesRead, PermRecommendations) {
		t.Error("missing permission should fail")
	}
	if got := p.RateLimitIdentity(); got != "user:u1" {
		t.Errorf("RateLimitIdentity() = %q", got)
	}
}
