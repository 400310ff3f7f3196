package grant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-auth/outpost/internal/authz"
	"github.com/outpost-auth/outpost/internal/catalog"
	"github.com/outpost-auth/outpost/internal/crypto"
	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store"
	"github.com/outpost-auth/outpost/internal/store/file"
)

// RFC 7636 appendix B test vector.
const (
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

const (
	confidentialSecret = "confidential-client-secret-value"
	callbackURI        = "https://app.example.com/callback"
)

func newTestExchanger(t *testing.T) (*Exchanger, store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()

	st, err := file.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	confidential := &domain.Client{
		ID:                      "web-app",
		Name:                    "Web App",
		Type:                    domain.ClientTypeConfidential,
		SecretHash:              catalog.HashClientSecret(confidentialSecret),
		RedirectURIs:            []string{callbackURI},
		GrantTypes:              []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantClientCredentials},
		AllowedScopes:           []string{"openid", "profile", "email"},
		TokenEndpointAuthMethod: domain.AuthMethodClientSecretBasic,
		Active:                  true,
	}
	require.NoError(t, st.Clients().Create(ctx, confidential))

	public := &domain.Client{
		ID:                      "spa",
		Name:                    "Single Page App",
		Type:                    domain.ClientTypePublic,
		RedirectURIs:            []string{callbackURI},
		GrantTypes:              []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		AllowedScopes:           []string{"openid", "profile"},
		RequirePKCE:             true,
		TokenEndpointAuthMethod: domain.AuthMethodNone,
		Active:                  true,
	}
	require.NoError(t, st.Clients().Create(ctx, public))

	keyPair, err := crypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	signer := crypto.NewSigner(keyPair, nil, "https://auth.example.com")

	e := NewExchanger(st, signer, Config{
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		AuthCodeTTL:         10 * time.Minute,
		RotateRefreshTokens: true,
	}, nil)

	return e, st, ctx
}

func basicCreds() *Credentials {
	return &Credentials{
		ClientID: "web-app",
		Secret:   confidentialSecret,
		Via:      domain.AuthMethodClientSecretBasic,
	}
}

func publicCreds() *Credentials {
	return &Credentials{ClientID: "spa", Via: domain.AuthMethodNone}
}

func issueTestCode(t *testing.T, e *Exchanger, ctx context.Context, client *domain.Client, challenge string) *domain.AuthorizationCode {
	t.Helper()
	v := &authz.Validated{
		Client:      client,
		RedirectURI: callbackURI,
		Scope:       "openid profile",
	}
	if challenge != "" {
		v.CodeChallenge = challenge
		v.CodeChallengeMethod = "S256"
	}
	code, err := e.IssueCode(ctx, v, "user-1")
	require.NoError(t, err)
	return code
}

func getClient(t *testing.T, st store.Store, ctx context.Context, id string) *domain.Client {
	t.Helper()
	c, err := st.Clients().GetByID(ctx, id)
	require.NoError(t, err)
	return c
}

func TestAuthorizationCodeFlow(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)

	resp, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "openid profile", resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int((15 * time.Minute).Seconds()), resp.ExpiresIn)

	claims, err := e.signer.VerifyAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "spa", claims.ClientID)
	assert.Equal(t, "openid profile", claims.Scope)
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)

	_, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	_, err = e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)

	wrong := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	_, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, wrong)
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))

	// The failed attempt consumed the code; retrying with the right
	// verifier no longer works.
	_, err = e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))
}

func TestExchangeRejectsMissingVerifier(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)

	_, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, "")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))
}

func TestExchangeRejectsWrongRedirectURI(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)

	_, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, "https://evil.example.com/callback", pkceVerifier)
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))
}

func TestExchangeRejectsWrongClient(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)

	_, err := e.ExchangeAuthorizationCode(ctx, basicCreds(), code.Code, callbackURI, pkceVerifier)
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))
}

func TestRefreshRotation(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)
	first, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	second, err := e.Refresh(ctx, publicCreds(), first.RefreshToken, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "openid profile", second.Scope)

	// The pre-rotation token is dead.
	_, err = e.Refresh(ctx, publicCreds(), first.RefreshToken, "")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))
}

func TestRefreshReplayKillsLineage(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)
	first, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	second, err := e.Refresh(ctx, publicCreds(), first.RefreshToken, "")
	require.NoError(t, err)

	// Replaying the rotated-away token revokes the whole chain.
	_, err = e.Refresh(ctx, publicCreds(), first.RefreshToken, "")
	require.Error(t, err)

	_, err = e.Refresh(ctx, publicCreds(), second.RefreshToken, "")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidGrant))

	tok, err := st.Tokens().GetByValue(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.True(t, tok.Revoked)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)
	first, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	narrowed, err := e.Refresh(ctx, publicCreds(), first.RefreshToken, "openid")
	require.NoError(t, err)
	assert.Equal(t, "openid", narrowed.Scope)

	// Widening back out is refused.
	_, err = e.Refresh(ctx, publicCreds(), narrowed.RefreshToken, "openid profile")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidScope))
}

func TestClientCredentials(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	resp, err := e.ClientCredentials(ctx, basicCreds(), "profile email")
	require.NoError(t, err)
	assert.Equal(t, "profile email", resp.Scope)
	assert.Empty(t, resp.RefreshToken, "client_credentials must not issue a refresh token")

	claims, err := e.signer.VerifyAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, claims.Subject, "no user is bound to a client_credentials token")
}

func TestClientCredentialsDefaultsToAllowedScopes(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	resp, err := e.ClientCredentials(ctx, basicCreds(), "")
	require.NoError(t, err)
	assert.Equal(t, "openid profile email", resp.Scope)
}

func TestClientCredentialsRejectsExcessScope(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	_, err := e.ClientCredentials(ctx, basicCreds(), "profile admin")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidScope))
}

func TestClientCredentialsRejectsPublicClient(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	_, err := e.ClientCredentials(ctx, publicCreds(), "openid")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeUnauthorizedClient))
}

func TestClientCredentialsRejectsBadSecret(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	creds := &Credentials{
		ClientID: "web-app",
		Secret:   "not-the-secret",
		Via:      domain.AuthMethodClientSecretBasic,
	}
	_, err := e.ClientCredentials(ctx, creds, "")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidClient))
}

func TestClientAuthMethodMismatch(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	// Registered for basic, presented via post body.
	creds := &Credentials{
		ClientID: "web-app",
		Secret:   confidentialSecret,
		Via:      domain.AuthMethodClientSecretPost,
	}
	_, err := e.ClientCredentials(ctx, creds, "")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidClient))
}

func TestRevokeCascades(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)
	resp, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	require.NoError(t, e.Revoke(ctx, publicCreds(), resp.RefreshToken))

	// The refresh token and its dependent access token are both dead.
	_, err = e.Refresh(ctx, publicCreds(), resp.RefreshToken, "")
	require.Error(t, err)

	info, err := e.Introspect(ctx, publicCreds(), resp.AccessToken)
	require.NoError(t, err)
	assert.False(t, info.Active)
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	assert.NoError(t, e.Revoke(ctx, publicCreds(), "no-such-token"))
}

func TestRevokeOtherClientsTokenIsSilent(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)
	resp, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	// The confidential client cannot revoke the SPA's token, and is not
	// told that it exists.
	require.NoError(t, e.Revoke(ctx, basicCreds(), resp.RefreshToken))

	_, err = e.Refresh(ctx, publicCreds(), resp.RefreshToken, "")
	require.NoError(t, err)
}

func TestIntrospectAccessToken(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)
	resp, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	info, err := e.Introspect(ctx, publicCreds(), resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "spa", info.ClientID)
	assert.Equal(t, "user-1", info.Subject)
	assert.Equal(t, "openid profile", info.Scope)
	assert.Equal(t, "Bearer", info.TokenType)
	assert.NotEmpty(t, info.JTI)
}

func TestIntrospectRefreshToken(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	code := issueTestCode(t, e, ctx, getClient(t, st, ctx, "spa"), pkceChallenge)
	resp, err := e.ExchangeAuthorizationCode(ctx, publicCreds(), code.Code, callbackURI, pkceVerifier)
	require.NoError(t, err)

	info, err := e.Introspect(ctx, publicCreds(), resp.RefreshToken)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "refresh_token", info.TokenType)
	assert.Equal(t, "user-1", info.Subject)
}

func TestIntrospectUnknownToken(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	info, err := e.Introspect(ctx, publicCreds(), "garbage-value")
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Empty(t, info.Scope)
}

func TestIntrospectRequiresClientAuth(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	_, err := e.Introspect(ctx, &Credentials{}, "anything")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidClient))
}

func TestClientCredentialsDeduplicatesScope(t *testing.T) {
	e, _, ctx := newTestExchanger(t)

	resp, err := e.ClientCredentials(ctx, basicCreds(), "openid openid profile")
	require.NoError(t, err)
	assert.Equal(t, "openid profile", resp.Scope)
}

func TestIntrospectReflectsScopeDeletion(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	require.NoError(t, st.Scopes().Create(ctx, &domain.Scope{Name: "profile"}))

	resp, err := e.ClientCredentials(ctx, basicCreds(), "openid profile")
	require.NoError(t, err)

	require.NoError(t, st.DeleteScopeCascade(ctx, "profile"))

	// The deletion cascade strips the scope from the live token record,
	// and introspection reports the record rather than the claims baked
	// into the JWT at issuance.
	info, err := e.Introspect(ctx, basicCreds(), resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "openid", info.Scope)
}

// newAssertionClient registers a confidential client that authenticates
// with private_key_jwt, returning the key pair it signs assertions with.
func newAssertionClient(t *testing.T, st store.Store, ctx context.Context) *crypto.KeyPair {
	t.Helper()

	kp, err := crypto.GenerateKeyPair(2048)
	require.NoError(t, err)

	client := &domain.Client{
		ID:                      "batch-svc",
		Name:                    "Batch Service",
		Type:                    domain.ClientTypeConfidential,
		PublicKeyPEM:            string(kp.PublicKeyPEM),
		GrantTypes:              []string{domain.GrantClientCredentials},
		AllowedScopes:           []string{"profile"},
		TokenEndpointAuthMethod: domain.AuthMethodPrivateKeyJWT,
		Active:                  true,
	}
	require.NoError(t, st.Clients().Create(ctx, client))
	return kp
}

func signAssertion(t *testing.T, kp *crypto.KeyPair, clientID, audience string, exp time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ID:        "assertion-1",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(kp.PrivateKey)
	require.NoError(t, err)
	return signed
}

func assertionCreds(assertion string) *Credentials {
	return &Credentials{
		ClientID:  "batch-svc",
		Assertion: assertion,
		Via:       domain.AuthMethodPrivateKeyJWT,
	}
}

func TestPrivateKeyJWTClientCredentials(t *testing.T) {
	e, st, ctx := newTestExchanger(t)
	kp := newAssertionClient(t, st, ctx)

	assertion := signAssertion(t, kp, "batch-svc", "https://auth.example.com", time.Now().Add(time.Minute))

	resp, err := e.ClientCredentials(ctx, assertionCreds(assertion), "profile")
	require.NoError(t, err)
	assert.Equal(t, "profile", resp.Scope)

	claims, err := e.signer.VerifyAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "batch-svc", claims.ClientID)
}

func TestPrivateKeyJWTRejectsWrongKey(t *testing.T) {
	e, st, ctx := newTestExchanger(t)
	newAssertionClient(t, st, ctx)

	rogue, err := crypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	assertion := signAssertion(t, rogue, "batch-svc", "https://auth.example.com", time.Now().Add(time.Minute))

	_, err = e.ClientCredentials(ctx, assertionCreds(assertion), "profile")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidClient))
}

func TestPrivateKeyJWTRejectsExpiredAssertion(t *testing.T) {
	e, st, ctx := newTestExchanger(t)
	kp := newAssertionClient(t, st, ctx)

	assertion := signAssertion(t, kp, "batch-svc", "https://auth.example.com", time.Now().Add(-time.Minute))

	_, err := e.ClientCredentials(ctx, assertionCreds(assertion), "profile")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidClient))
}

func TestPrivateKeyJWTRejectsWrongAudience(t *testing.T) {
	e, st, ctx := newTestExchanger(t)
	kp := newAssertionClient(t, st, ctx)

	assertion := signAssertion(t, kp, "batch-svc", "https://other.example.com", time.Now().Add(time.Minute))

	_, err := e.ClientCredentials(ctx, assertionCreds(assertion), "profile")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidClient))
}

func TestPrivateKeyJWTRejectsSecretPresentation(t *testing.T) {
	e, st, ctx := newTestExchanger(t)
	newAssertionClient(t, st, ctx)

	creds := &Credentials{
		ClientID: "batch-svc",
		Secret:   "not-how-this-client-authenticates",
		Via:      domain.AuthMethodClientSecretPost,
	}
	_, err := e.ClientCredentials(ctx, creds, "profile")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidClient))
}

func TestCredentialsFromRequestJWTBearer(t *testing.T) {
	kp, err := crypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	assertion := signAssertion(t, kp, "batch-svc", "https://auth.example.com", time.Now().Add(time.Minute))

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {AssertionTypeJWTBearer},
		"client_assertion":      {assertion},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	creds := CredentialsFromRequest(req)
	assert.Equal(t, domain.AuthMethodPrivateKeyJWT, creds.Via)
	assert.Equal(t, assertion, creds.Assertion)
	assert.Equal(t, "batch-svc", creds.ClientID, "client_id derived from the assertion issuer")
}

func TestIntrospectAfterClientDeactivation(t *testing.T) {
	e, st, ctx := newTestExchanger(t)

	resp, err := e.ClientCredentials(ctx, basicCreds(), "profile")
	require.NoError(t, err)

	client := getClient(t, st, ctx, "web-app")
	client.Active = false
	require.NoError(t, st.Clients().Update(ctx, client))

	info, err := e.Introspect(ctx, publicCreds(), resp.AccessToken)
	require.NoError(t, err)
	assert.False(t, info.Active)
}
