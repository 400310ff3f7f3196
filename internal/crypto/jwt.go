package crypto

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the claims carried by access tokens. The jti is
// recorded in the token store so revocation and client-deletion
// cascades remain observable through introspection.
type AccessClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`

	jwt.RegisteredClaims
}

// Signer issues and verifies RS256 access tokens.
type Signer struct {
	keyPair    *KeyPair
	keyService *KeyService // key lookup by kid during verification
	issuer     string
}

// NewSigner creates a Signer using the given active key pair. When a
// KeyService is supplied, verification accepts tokens signed by any
// unexpired key the service knows about.
func NewSigner(keyPair *KeyPair, keyService *KeyService, issuer string) *Signer {
	return &Signer{
		keyPair:    keyPair,
		keyService: keyService,
		issuer:     issuer,
	}
}

// Issuer returns the issuer URL stamped into signed tokens.
func (s *Signer) Issuer() string { return s.issuer }

// SignAccessToken issues an access token. subject may be empty for
// client_credentials tokens. Returns the compact JWT, its jti and the
// expiry time.
func (s *Signer) SignAccessToken(subject, clientID, scope string, ttl time.Duration) (token, jti string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(ttl)
	jti = uuid.New().String()

	claims := &AccessClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Minute)), // clock skew tolerance
			ID:        jti,
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.keyPair.Kid

	signed, err := t.SignedString(s.keyPair.PrivateKey)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, jti, expiresAt, nil
}

// VerifyAccessToken parses and validates an access token, returning
// its claims. Signature, expiry and issuer are all checked.
func (s *Signer) VerifyAccessToken(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing key ID in token header")
		}

		if s.keyService != nil {
			keyPair, err := s.keyService.GetKeyByID(ctx, kid)
			if err != nil {
				return nil, fmt.Errorf("unknown key ID: %s", kid)
			}
			if keyPair.IsExpired() {
				return nil, fmt.Errorf("key has expired: %s", kid)
			}
			return keyPair.PublicKey, nil
		}

		if kid != s.keyPair.Kid {
			return nil, fmt.Errorf("unknown key ID: %s", kid)
		}
		return s.keyPair.PublicKey, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}
