// Package pkce owns the PKCE code verifier: generating it, deriving its
// challenge, and persisting it across the redirect that separates the start
// of an authorization flow from the code exchange.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// verifierBytes is the number of random bytes behind a verifier.
// 64 bytes hex-encode to 128 characters, the RFC 7636 maximum.
const verifierBytes = 64

// VerifierLength is the length of every verifier produced by GenerateVerifier.
const VerifierLength = verifierBytes * 2

const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// MethodS256 is the only challenge method this package produces.
const MethodS256 = "S256"

// GenerateVerifier returns a new verifier of VerifierLength lowercase hex
// characters read from crypto/rand. There is no fallback source: if the
// system randomness fails, the error is returned.
func GenerateVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MustGenerateVerifier is like GenerateVerifier but panics on failure.
func MustGenerateVerifier() string {
	v, err := GenerateVerifier()
	if err != nil {
		panic(err)
	}
	return v
}

// S256Challenge derives the code challenge sent with the authorization request.
func S256Challenge(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// ValidVerifier reports whether v is a syntactically valid RFC 7636 verifier:
// 43 to 128 characters from the unreserved set [A-Za-z0-9-._~].
func ValidVerifier(v string) bool {
	if len(v) < minVerifierLength || len(v) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
