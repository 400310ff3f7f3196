package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-auth/outpost/internal/authz"
	"github.com/outpost-auth/outpost/internal/catalog"
	"github.com/outpost-auth/outpost/internal/crypto"
	"github.com/outpost-auth/outpost/internal/domain"
	"github.com/outpost-auth/outpost/internal/grant"
	"github.com/outpost-auth/outpost/internal/guard"
	"github.com/outpost-auth/outpost/internal/store/file"
)

const (
	testIssuer   = "http://localhost:8080"
	testCallback = "https://app.example.com/callback"
	testPassword = "integration-pass"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

func testChallenge() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type testEnv struct {
	server       *httptest.Server
	store        *file.Store
	user         *domain.User
	confidential *domain.Client
	secret       string
	public       *domain.Client
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dataDir := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := file.NewStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keyRepo := file.NewKeyRepository(dataDir)
	keyService := crypto.NewKeyService(keyRepo)
	activeKey, err := keyService.EnsureActiveKey(ctx)
	require.NoError(t, err)
	signer := crypto.NewSigner(activeKey, keyService, testIssuer)

	catalogSvc := catalog.NewService(st, logger)
	require.NoError(t, catalogSvc.EnsureStandardScopes(ctx))

	g := guard.New(st.Users(), st.Security(), guard.Config{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		PasswordMinLen:   10,
		PasswordHistory:  5,
	}, logger)
	user, err := g.CreateUser(ctx, "test@example.com", "testuser", testPassword, "Test User")
	require.NoError(t, err)

	sessions := guard.NewSessionService(st.Sessions())

	confidential, secret, err := catalogSvc.RegisterClient(ctx, &catalog.ClientSpec{
		Name:          "Test Web App",
		Type:          domain.ClientTypeConfidential,
		RedirectURIs:  []string{testCallback},
		GrantTypes:    []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantClientCredentials},
		AllowedScopes: []string{"openid", "profile", "email"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	public, _, err := catalogSvc.RegisterClient(ctx, &catalog.ClientSpec{
		Name:          "Test SPA",
		Type:          domain.ClientTypePublic,
		RedirectURIs:  []string{testCallback},
		GrantTypes:    []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		AllowedScopes: []string{"openid", "profile"},
	})
	require.NoError(t, err)

	validator := authz.NewValidator(st.Clients(), st.Scopes())
	exchanger := grant.NewExchanger(st, signer, grant.Config{
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		AuthCodeTTL:         10 * time.Minute,
		RotateRefreshTokens: true,
	}, logger)

	srv := NewServer(":0", WithLogger(logger))
	srv.MountRoutes(
		NewOAuthHandler(validator, exchanger, sessions, logger),
		NewAuthHandler(g, sessions, logger),
		NewAdminHandler(catalogSvc, logger),
		NewDiscoveryHandler(testIssuer),
		NewJWKSHandler(keyService, logger),
		RouteConfig{},
	)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:       ts,
		store:        st,
		user:         user,
		confidential: confidential,
		secret:       secret,
		public:       public,
	}
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func login(t *testing.T, env *testEnv, browser *http.Client) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"username": "testuser",
		"password": testPassword,
	})
	resp, err := browser.Post(env.server.URL+"/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func authorizeURL(env *testEnv, clientID, scope string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", testCallback)
	q.Set("scope", scope)
	q.Set("state", "xyz-state")
	q.Set("code_challenge", testChallenge())
	q.Set("code_challenge_method", "S256")
	return env.server.URL + "/oauth/authorize?" + q.Encode()
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestIntegration_AuthorizationCodeFlow(t *testing.T) {
	env := setupTestEnv(t)
	browser := newBrowser(t)
	login(t, env, browser)

	resp, err := browser.Get(authorizeURL(env, env.public.ID, "openid profile"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.String(), testCallback))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz-state", loc.Query().Get("state"))

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", env.public.ID)
	form.Set("code", code)
	form.Set("redirect_uri", testCallback)
	form.Set("code_verifier", testVerifier)

	resp, err = http.PostForm(env.server.URL+"/oauth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokens grant.TokenResponse
	decodeJSON(t, resp, &tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, "openid profile", tokens.Scope)

	// Replay of the code must fail.
	resp, err = http.PostForm(env.server.URL+"/oauth/token", form)
	require.NoError(t, err)
	var errResp errorBody
	decodeJSON(t, resp, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", errResp.Error)

	// The issued access token introspects as active.
	introspectForm := url.Values{}
	introspectForm.Set("client_id", env.public.ID)
	introspectForm.Set("token", tokens.AccessToken)
	resp, err = http.PostForm(env.server.URL+"/oauth/introspect", introspectForm)
	require.NoError(t, err)
	var info grant.Introspection
	decodeJSON(t, resp, &info)
	assert.True(t, info.Active)
	assert.Equal(t, env.user.ID, info.Subject)
}

func TestIntegration_AuthorizeRequiresLogin(t *testing.T) {
	env := setupTestEnv(t)
	browser := newBrowser(t)

	resp, err := browser.Get(authorizeURL(env, env.public.ID, "openid"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIntegration_AuthorizeUnregisteredRedirectIsDirect(t *testing.T) {
	env := setupTestEnv(t)
	browser := newBrowser(t)
	login(t, env, browser)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", env.public.ID)
	q.Set("redirect_uri", "https://evil.example.com/steal")
	q.Set("scope", "openid")

	resp, err := browser.Get(env.server.URL + "/oauth/authorize?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	// No redirect: an unregistered redirect_uri must never be followed.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestIntegration_AuthorizeScopeErrorRedirects(t *testing.T) {
	env := setupTestEnv(t)
	browser := newBrowser(t)
	login(t, env, browser)

	// "email" is not allowed for the public client.
	resp, err := browser.Get(authorizeURL(env, env.public.ID, "openid email"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_scope", loc.Query().Get("error"))
	assert.Equal(t, "xyz-state", loc.Query().Get("state"))
}

func TestIntegration_ClientCredentials(t *testing.T) {
	env := setupTestEnv(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", "profile")

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.confidential.ID, env.secret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokens grant.TokenResponse
	decodeJSON(t, resp, &tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Empty(t, tokens.RefreshToken)
	assert.Equal(t, "profile", tokens.Scope)
}

func TestIntegration_TokenRejectsBadSecret(t *testing.T) {
	env := setupTestEnv(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.confidential.ID, "wrong-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestIntegration_RevokeThenIntrospect(t *testing.T) {
	env := setupTestEnv(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.confidential.ID, env.secret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var tokens grant.TokenResponse
	decodeJSON(t, resp, &tokens)

	revokeForm := url.Values{}
	revokeForm.Set("token", tokens.AccessToken)
	req, err = http.NewRequest(http.MethodPost, env.server.URL+"/oauth/revoke", strings.NewReader(revokeForm.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.confidential.ID, env.secret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	introspectForm := url.Values{}
	introspectForm.Set("token", tokens.AccessToken)
	req, err = http.NewRequest(http.MethodPost, env.server.URL+"/oauth/introspect", strings.NewReader(introspectForm.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.confidential.ID, env.secret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	var info grant.Introspection
	decodeJSON(t, resp, &info)
	assert.False(t, info.Active)
}

func TestIntegration_LoginLockout(t *testing.T) {
	env := setupTestEnv(t)

	attempt := func(password string) (*http.Response, errorBody) {
		body, _ := json.Marshal(map[string]string{
			"username": "testuser",
			"password": password,
		})
		resp, err := http.Post(env.server.URL+"/login", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		var eb errorBody
		decodeJSON(t, resp, &eb)
		return resp, eb
	}

	for i := 0; i < 4; i++ {
		resp, eb := attempt("wrong-password")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_credentials", eb.Error)
	}

	resp, eb := attempt("wrong-password")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "account_locked_on_fail", eb.Error)

	// Even the correct password fails while the lock holds.
	resp, eb = attempt(testPassword)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "account_locked", eb.Error)
}

func TestIntegration_PasswordChange(t *testing.T) {
	env := setupTestEnv(t)
	browser := newBrowser(t)
	login(t, env, browser)

	body, _ := json.Marshal(map[string]string{
		"current_password": testPassword,
		"new_password":     "a-fresh-password",
	})
	resp, err := browser.Post(env.server.URL+"/password", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The old session was ended; authorize requires a fresh login.
	resp, err = browser.Get(authorizeURL(env, env.public.ID, "openid"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The new password works.
	loginBody, _ := json.Marshal(map[string]string{
		"username": "testuser",
		"password": "a-fresh-password",
	})
	resp, err = browser.Post(env.server.URL+"/login", "application/json", bytes.NewReader(loginBody))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntegration_AdminClientLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	spec := map[string]any{
		"name":           "Managed App",
		"type":           "confidential",
		"redirect_uris":  []string{testCallback},
		"grant_types":    []string{"authorization_code", "refresh_token"},
		"allowed_scopes": []string{"openid"},
	}
	body, _ := json.Marshal(spec)
	resp, err := http.Post(env.server.URL+"/admin/clients", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created clientView
	decodeJSON(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.Secret, "plaintext secret is returned exactly once")

	// The secret is absent on reads.
	resp, err = http.Get(env.server.URL + "/admin/clients/" + created.ID)
	require.NoError(t, err)
	var fetched clientView
	decodeJSON(t, resp, &fetched)
	assert.Empty(t, fetched.Secret)

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/admin/clients/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntegration_AdminRejectsDangerousScope(t *testing.T) {
	env := setupTestEnv(t)

	body, _ := json.Marshal(map[string]any{"name": "system:wipe"})
	resp, err := http.Post(env.server.URL+"/admin/scopes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)

	var eb errorBody
	decodeJSON(t, resp, &eb)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "dangerous_scope", eb.Error)
}

func TestIntegration_DiscoveryAndJWKS(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.server.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	var metadata ServerMetadata
	decodeJSON(t, resp, &metadata)
	assert.Equal(t, testIssuer, metadata.Issuer)

	resp, err = http.Get(env.server.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	var jwks crypto.JWKS
	decodeJSON(t, resp, &jwks)
	assert.NotEmpty(t, jwks.Keys)
}
