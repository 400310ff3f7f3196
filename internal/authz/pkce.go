// Package authz implements authorization request validation and PKCE.
package authz

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// RFC 7636 §4.1 length bounds for code verifiers and challenges.
const (
	MinPKCELength = 43
	MaxPKCELength = 128
)

// ValidPKCEString reports whether s satisfies the RFC 7636 unreserved
// charset and length bounds shared by verifiers and S256 challenges.
func ValidPKCEString(s string) bool {
	if len(s) < MinPKCELength || len(s) > MaxPKCELength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyPKCE checks a code_verifier against a stored S256 challenge:
// base64url(SHA-256(verifier)) must equal the challenge. Only S256 is
// supported; callers reject any other method before storing a
// challenge. The comparison is constant-time.
func VerifyPKCE(codeVerifier, codeChallenge string) bool {
	if !ValidPKCEString(codeVerifier) || !ValidPKCEString(codeChallenge) {
		return false
	}
	hash := sha256.Sum256([]byte(codeVerifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}
