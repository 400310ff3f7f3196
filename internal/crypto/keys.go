// Package crypto provides signing key management and access token JWTs.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultKeySize is the RSA modulus size in bits.
	DefaultKeySize = 2048
	// Algorithm is the JWT signing algorithm.
	Algorithm = "RS256"
)

// KeyPair is an RSA signing key with its JWKS identity. The RSA
// objects are rebuilt from the PEM fields after deserialization via
// LoadFromPEM.
type KeyPair struct {
	Kid        string          `json:"kid"`
	Alg        string          `json:"alg"`
	PrivateKey *rsa.PrivateKey `json:"-"`
	PublicKey  *rsa.PublicKey  `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Active     bool            `json:"active"`

	PrivateKeyPEM []byte `json:"private_key_pem,omitempty"`
	PublicKeyPEM  []byte `json:"public_key_pem,omitempty"`
}

// GenerateKeyPair creates a fresh active RSA key pair with a random
// kid. A zero bits value falls back to DefaultKeySize.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kp := &KeyPair{
		Kid:        uuid.New().String(),
		Alg:        Algorithm,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		CreatedAt:  time.Now(),
		Active:     true,
	}
	if err := kp.encodePEM(); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *KeyPair) encodePEM() error {
	kp.PrivateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	})

	pub, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	kp.PublicKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pub,
	})
	return nil
}

// LoadFromPEM rebuilds the RSA key objects from the stored PEM data.
func (kp *KeyPair) LoadFromPEM() error {
	if len(kp.PrivateKeyPEM) == 0 || len(kp.PublicKeyPEM) == 0 {
		return fmt.Errorf("key %s has no PEM data", kp.Kid)
	}

	block, _ := pem.Decode(kp.PrivateKeyPEM)
	if block == nil {
		return fmt.Errorf("key %s: malformed private key PEM", kp.Kid)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("key %s: %w", kp.Kid, err)
	}

	block, _ = pem.Decode(kp.PublicKeyPEM)
	if block == nil {
		return fmt.Errorf("key %s: malformed public key PEM", kp.Kid)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("key %s: %w", kp.Kid, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("key %s: not an RSA public key", kp.Kid)
	}

	kp.PrivateKey = priv
	kp.PublicKey = pub
	return nil
}

// ParseRSAPublicKeyPEM parses a PEM-encoded PKIX RSA public key, the
// form registered for private_key_jwt clients.
func ParseRSAPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("malformed public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return pub, nil
}

// IsExpired reports whether the key's retirement deadline has passed.
// A zero ExpiresAt means the key never expires.
func (kp *KeyPair) IsExpired() bool {
	return !kp.ExpiresAt.IsZero() && time.Now().After(kp.ExpiresAt)
}

// JWKS is the JSON Web Key Set served at the discovery endpoint.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is the public half of a signing key in RFC 7517 form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// ToJWK projects the public key into JWKS form.
func (kp *KeyPair) ToJWK() JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kp.Kid,
		Alg: kp.Alg,
		N:   base64.RawURLEncoding.EncodeToString(kp.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(kp.PublicKey.E)).Bytes()),
	}
}
