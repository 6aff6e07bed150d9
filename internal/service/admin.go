package service

import (
	"crypto/sha256"
	"crypto/subtle"
)

// secretMatches compares a presented admin secret with the configured one
// in constant time. An unconfigured secret never matches.
func secretMatches(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	p := sha256.Sum256([]byte(presented))
	c := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(p[:], c[:]) == 1
}
