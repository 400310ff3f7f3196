package grant

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/outpost-auth/outpost/internal/catalog"
	"github.com/outpost-auth/outpost/internal/crypto"
	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

// AssertionTypeJWTBearer is the client_assertion_type value for RFC
// 7523 JWT client authentication.
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Credentials carries the client identification presented on a token
// endpoint request, along with how it arrived.
type Credentials struct {
	ClientID  string
	Secret    string
	Assertion string // signed JWT for private_key_jwt clients
	Via       string // domain.AuthMethodClientSecretBasic, ...Post, ...PrivateKeyJWT or ...None
}

// CredentialsFromRequest extracts client credentials from a token
// endpoint request. HTTP Basic wins over form parameters; a JWT bearer
// assertion identifies a private_key_jwt client; a bare client_id form
// parameter identifies a public client.
func CredentialsFromRequest(r *http.Request) *Credentials {
	if id, secret, ok := r.BasicAuth(); ok {
		return &Credentials{ClientID: id, Secret: secret, Via: domain.AuthMethodClientSecretBasic}
	}
	if r.PostFormValue("client_assertion_type") == AssertionTypeJWTBearer {
		assertion := r.PostFormValue("client_assertion")
		id := r.PostFormValue("client_id")
		if id == "" {
			// client_id is optional alongside an assertion; the issuer
			// claim names the client. The signature is verified later
			// against the resolved client's registered key.
			claims := &jwt.RegisteredClaims{}
			if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err == nil {
				id = claims.Issuer
			}
		}
		return &Credentials{ClientID: id, Assertion: assertion, Via: domain.AuthMethodPrivateKeyJWT}
	}
	id := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")
	if secret != "" {
		return &Credentials{ClientID: id, Secret: secret, Via: domain.AuthMethodClientSecretPost}
	}
	return &Credentials{ClientID: id, Via: domain.AuthMethodNone}
}

// authenticateClient resolves and authenticates the client named by
// creds against its registered token_endpoint_auth_method. Failures
// are uniformly invalid_client.
func (e *Exchanger) authenticateClient(ctx context.Context, creds *Credentials) (*domain.Client, error) {
	if creds.ClientID == "" {
		return nil, outerrors.InvalidClient("client authentication required")
	}

	client, err := e.store.Clients().GetByID(ctx, creds.ClientID)
	if err != nil {
		if outerrors.IsCode(err, outerrors.CodeNotFound) {
			return nil, outerrors.InvalidClient("client authentication failed")
		}
		return nil, err
	}
	if !client.Active {
		return nil, outerrors.InvalidClient("client is inactive")
	}

	switch client.TokenEndpointAuthMethod {
	case domain.AuthMethodNone:
		if creds.Secret != "" {
			return nil, outerrors.InvalidClient("client does not use secret authentication")
		}
		return client, nil
	case domain.AuthMethodClientSecretBasic, domain.AuthMethodClientSecretPost:
		if creds.Via != client.TokenEndpointAuthMethod {
			return nil, outerrors.InvalidClient("client credentials sent with the wrong authentication method")
		}
		if creds.Secret == "" || !catalog.VerifyClientSecret(creds.Secret, client.SecretHash) {
			return nil, outerrors.InvalidClient("client authentication failed")
		}
		return client, nil
	case domain.AuthMethodPrivateKeyJWT:
		if creds.Via != domain.AuthMethodPrivateKeyJWT || creds.Assertion == "" {
			return nil, outerrors.InvalidClient("client must authenticate with a signed JWT assertion")
		}
		if err := e.verifyClientAssertion(client, creds.Assertion); err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, outerrors.InvalidClient("unsupported client authentication method")
	}
}

// verifyClientAssertion checks an RFC 7523 client assertion against
// the client's registered public key. The assertion must be RSA-signed
// with iss and sub naming the client, carry an exp claim and include
// the authorization server in its audience.
func (e *Exchanger) verifyClientAssertion(client *domain.Client, assertion string) error {
	key, err := crypto.ParseRSAPublicKeyPEM([]byte(client.PublicKeyPEM))
	if err != nil {
		return outerrors.InvalidClient("client has no usable registered key")
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	},
		jwt.WithIssuer(client.ID),
		jwt.WithSubject(client.ID),
		jwt.WithAudience(e.signer.Issuer()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		e.logger.Warn("client assertion rejected", "client_id", client.ID, "error", err)
		return outerrors.InvalidClient("client assertion verification failed")
	}
	return nil
}
