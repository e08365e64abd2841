package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	secretPrefix = "ak_"
	tokenPrefix  = "vt_"
	// lookupLen is how many leading characters of the raw secret become the
	// indexed lookup prefix. Collisions are fine; the hash disambiguates.
	lookupLen = 12
)

// MintSecret returns a fresh raw API key. The caller shows it once and
// stores only LookupPrefix + HashSecret of it.
func MintSecret() (string, error) {
	return mint(secretPrefix)
}

// MintToken returns a fresh raw verification token.
func MintToken() (string, error) {
	return mint(tokenPrefix)
}

func mint(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mint secret: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret is the stored form of any raw secret or token.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// LookupPrefix extracts the indexed prefix from a presented secret. Returns
// false for anything too short or not carrying the key marker, which the
// resolver treats the same as an unknown credential.
func LookupPrefix(raw string) (string, bool) {
	if len(raw) < lookupLen || !strings.HasPrefix(raw, secretPrefix) {
		return "", false
	}
	return raw[:lookupLen], true
}
