package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/marqueeapi/marquee/internal/model"
)

// Prefix marks Marquee API keys so they can be told apart from tokens and
// spotted by secret scanners.
const Prefix = "mq_"

const (
	keyBytes     = 32
	plainKeyLen  = len(Prefix) + 2*keyBytes
	maskPrefixN  = 8
	maskSuffixN  = 4
	maskSentinel = "..."
)

// Generate returns a new random plaintext key: the prefix followed by 64
// hex characters.
func Generate() (string, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return Prefix + hex.EncodeToString(raw), nil
}

// Fingerprint returns the SHA-256 hex digest used to look a key up without
// storing its plaintext.
func Fingerprint(plainKey string) string {
	h := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(h[:])
}

// LooksLikeKey reports whether s has the shape of a Marquee API key.
func LooksLikeKey(s string) bool {
	if len(s) != plainKeyLen || !strings.HasPrefix(s, Prefix) {
		return false
	}
	_, err := hex.DecodeString(s[len(Prefix):])
	return err == nil
}

// Mask returns a display form of a plaintext key keeping only a short
// prefix and suffix. Values too short to mask safely are fully hidden.
func Mask(plainKey string) string {
	if len(plainKey) <= maskPrefixN+maskSuffixN {
		return strings.Repeat("*", len(plainKey)) + maskSentinel
	}
	return plainKey[:maskPrefixN] + maskSentinel + plainKey[len(plainKey)-maskSuffixN:]
}

// MaskRecord returns a copy of k safe to show to callers: the plaintext key
// is replaced by its masked form and the fingerprint is dropped.
func MaskRecord(k *model.APIKey) *model.APIKey {
	c := k.Clone()
	if c.PlainKey != "" {
		c.MaskedKey = Mask(c.PlainKey)
	}
	c.PlainKey = ""
	c.KeyHash = ""
	return c
}
