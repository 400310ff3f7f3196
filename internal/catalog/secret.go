package catalog

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Client secrets are high-entropy random values verified on every
// token request, so an unsalted SHA-256 digest is sufficient and keeps
// client authentication cheap. User passwords use argon2id in the
// guard package instead.

// HashClientSecret returns the stored form of a client secret.
func HashClientSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyClientSecret compares a presented secret against a stored hash
// in constant time.
func VerifyClientSecret(secret, hash string) bool {
	computed := HashClientSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
