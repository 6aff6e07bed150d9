package model

import "time"

// AuthMethod records which credential produced a Principal.
type AuthMethod string

const (
	AuthMethodToken  AuthMethod = "token"
	AuthMethodAPIKey AuthMethod = "api_key"
)

// Principal is the authenticated identity for one request. It is built
// fresh from token claims or a key record and never mutated afterwards.
type Principal struct {
	UserID      string     `json:"userId"`
	Email       string     `json:"email,omitempty"`
	Plan        Plan       `json:"plan"`
	Permissions []string   `json:"permissions"`
	RateLimit   RateLimit  `json:"rateLimit"`
	TokenExpiry *time.Time `json:"tokenExpiry,omitempty"`
	KeyID       string     `json:"keyId,omitempty"`
	AuthMethod  AuthMethod `json:"authMethod"`
}

// HasPermissions reports whether the principal holds every permission in
// required. An empty requirement is always satisfied.
func (p *Principal) HasPermissions(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(p.Permissions))
	for _, perm := range p.Permissions {
		held[perm] = struct{}{}
	}
	for _, r := range required {
		if _, ok := held[r]; !ok {
			return false
		}
	}
	return true
}

// RateLimitIdentity returns the stable key used for rate limiting. It is
// derived from the user identity, never from network attributes.
func (p *Principal) RateLimitIdentity() string {
	return "user:" + p.UserID
}

// TokenPair is the result of a login, refresh, or admin issue call.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"
