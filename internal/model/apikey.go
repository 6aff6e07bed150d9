package model

import (
	"sort"
	"time"
)

// KeyStatus is the lifecycle state of an API key. Revoked and expired are
// terminal: no record ever leaves them.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

// Valid reports whether s is a known status.
func (s KeyStatus) Valid() bool {
	switch s {
	case KeyStatusActive, KeyStatusRevoked, KeyStatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s KeyStatus) Terminal() bool {
	return s == KeyStatusRevoked || s == KeyStatusExpired
}

// CanTransition reports whether a key may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to KeyStatus) bool {
	if from == to {
		return true
	}
	return from == KeyStatusActive && to.Terminal()
}

// APIKey is a provisioned credential bound to a plan. The raw key is never
// stored; KeyHash is its SHA-256 fingerprint and MaskedKey a display form.
type APIKey struct {
	KeyID       string            `json:"keyId" db:"key_id"`
	KeyHash     string            `json:"-" db:"key_hash"`
	MaskedKey   string            `json:"maskedKey" db:"masked_key"`
	Plan        Plan              `json:"plan" db:"plan_name"`
	Permissions []string          `json:"permissions" db:"-"`
	RateLimit   RateLimit         `json:"rateLimit" db:"-"`
	Status      KeyStatus         `json:"status" db:"status"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time         `json:"updatedAt" db:"updated_at"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty" db:"expires_at"`
	LastUsedAt  *time.Time        `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedBy   string            `json:"createdBy" db:"created_by"`
	Description string            `json:"description,omitempty" db:"description"`
	Metadata    map[string]string `json:"metadata" db:"-"`

	// PlainKey is only populated in the response to a create or rotate
	// call. It is never persisted.
	PlainKey string `json:"plainKey,omitempty" db:"-"`
}

// Clone returns a deep copy of k.
func (k *APIKey) Clone() *APIKey {
	c := *k
	c.Permissions = append([]string(nil), k.Permissions...)
	if k.Metadata != nil {
		c.Metadata = make(map[string]string, len(k.Metadata))
		for mk, mv := range k.Metadata {
			c.Metadata[mk] = mv
		}
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// NormalizePermissions deduplicates and sorts a permission list so it can be
// treated as a set.
func NormalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
