// Package grant implements the token endpoint grant flows: code
// issuance, authorization code exchange, refresh rotation and client
// credentials, plus revocation and introspection.
package grant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/outpost-auth/outpost/internal/authz"
	"github.com/outpost-auth/outpost/internal/crypto"
	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store"
)

// authCodeLength is the length of authorization codes in bytes before
// encoding.
const authCodeLength = 32

// Exchanger implements the grant flows over the store and signer.
type Exchanger struct {
	store         store.Store
	signer        *crypto.Signer
	logger        *slog.Logger
	accessTTL     time.Duration
	refreshTTL    time.Duration
	codeTTL       time.Duration
	rotateRefresh bool
}

// Config holds the exchanger's issuance parameters.
type Config struct {
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	AuthCodeTTL         time.Duration
	RotateRefreshTokens bool
}

// NewExchanger creates an Exchanger.
func NewExchanger(st store.Store, signer *crypto.Signer, cfg Config, logger *slog.Logger) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		store:         st,
		signer:        signer,
		logger:        logger,
		accessTTL:     cfg.AccessTokenTTL,
		refreshTTL:    cfg.RefreshTokenTTL,
		codeTTL:       cfg.AuthCodeTTL,
		rotateRefresh: cfg.RotateRefreshTokens,
	}
}

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IssueCode mints an authorization code for a validated request and an
// authenticated user.
func (e *Exchanger) IssueCode(ctx context.Context, v *authz.Validated, userID string) (*domain.AuthorizationCode, error) {
	value, err := randomToken(authCodeLength)
	if err != nil {
		return nil, outerrors.Internal("failed to generate authorization code", err)
	}

	now := time.Now()
	code := &domain.AuthorizationCode{
		Code:                value,
		ClientID:            v.Client.ID,
		UserID:              userID,
		RedirectURI:         v.RedirectURI,
		Scope:               v.Scope,
		CodeChallenge:       v.CodeChallenge,
		CodeChallengeMethod: v.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.codeTTL),
	}
	if err := e.store.AuthCodes().Create(ctx, code); err != nil {
		return nil, err
	}

	e.logger.Info("authorization code issued", "client_id", v.Client.ID, "user_id", userID)
	return code, nil
}

// ExchangeAuthorizationCode redeems a code for tokens.
//
// The code is consumed first, atomically, so a concurrent duplicate
// redemption loses before any other check runs. Client authentication,
// redirect_uri match and PKCE verification all happen on the consumed
// code; a failure after consumption burns the code, it is never handed
// back.
func (e *Exchanger) ExchangeAuthorizationCode(ctx context.Context, creds *Credentials, codeValue, redirectURI, codeVerifier string) (*TokenResponse, error) {
	if codeValue == "" {
		return nil, outerrors.InvalidRequest("code is required")
	}

	code, err := e.store.AuthCodes().Consume(ctx, codeValue)
	if err != nil {
		return nil, err
	}

	if creds.ClientID != code.ClientID {
		return nil, outerrors.InvalidGrant("authorization code was issued to a different client")
	}
	client, err := e.authenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(domain.GrantAuthorizationCode) {
		return nil, outerrors.UnauthorizedClient("client may not use the authorization_code grant")
	}

	if redirectURI != code.RedirectURI {
		return nil, outerrors.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if code.CodeChallenge != "" {
		if codeVerifier == "" {
			return nil, outerrors.InvalidGrant("code_verifier is required")
		}
		if !authz.ValidPKCEString(codeVerifier) {
			return nil, outerrors.InvalidGrant("code_verifier must be 43-128 characters from the unreserved set")
		}
		if !authz.VerifyPKCE(codeVerifier, code.CodeChallenge) {
			return nil, outerrors.InvalidGrant("code_verifier does not match the code_challenge")
		}
	} else if codeVerifier != "" {
		return nil, outerrors.InvalidGrant("code_verifier provided but no code_challenge was bound to the code")
	}

	var refreshValue string
	if client.HasGrantType(domain.GrantRefreshToken) {
		refresh, err := e.createRefreshToken(ctx, client.ID, code.UserID, code.Scope, "")
		if err != nil {
			return nil, err
		}
		refreshValue = refresh.Value
	}

	resp, err := e.issueAccessToken(ctx, code.UserID, client.ID, code.Scope, refreshValue)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = refreshValue

	e.logger.Info("authorization code exchanged", "client_id", client.ID, "user_id", code.UserID)
	return resp, nil
}

// Refresh rotates a refresh token and issues a fresh access token.
//
// Presenting a revoked refresh token is treated as replay: the whole
// descendant chain is revoked before the request fails, so a stolen
// pre-rotation token cannot keep a lineage alive.
func (e *Exchanger) Refresh(ctx context.Context, creds *Credentials, refreshValue, requestedScope string) (*TokenResponse, error) {
	if refreshValue == "" {
		return nil, outerrors.InvalidRequest("refresh_token is required")
	}

	token, err := e.store.Tokens().GetByValue(ctx, refreshValue)
	if err != nil {
		if outerrors.IsCode(err, outerrors.CodeNotFound) {
			return nil, outerrors.InvalidGrant("invalid refresh token")
		}
		return nil, err
	}
	if token.Kind != domain.TokenKindRefresh {
		return nil, outerrors.InvalidGrant("invalid refresh token")
	}
	if token.Revoked {
		if err := e.store.Tokens().RevokeChain(ctx, token.Value); err != nil {
			e.logger.Error("failed to revoke token chain on replay", "error", err)
		}
		e.logger.Warn("revoked refresh token replayed", "client_id", token.ClientID)
		return nil, outerrors.InvalidGrant("refresh token has been revoked")
	}
	if token.IsExpired() {
		return nil, outerrors.InvalidGrant("refresh token has expired")
	}

	if creds.ClientID != token.ClientID {
		return nil, outerrors.InvalidGrant("refresh token was issued to a different client")
	}
	client, err := e.authenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(domain.GrantRefreshToken) {
		return nil, outerrors.UnauthorizedClient("client may not use the refresh_token grant")
	}

	// Scope may narrow on refresh, never widen.
	scope := token.Scope
	if requestedScope != "" {
		granted, ok := domain.NarrowScope(requestedScope, domain.SplitScope(token.Scope))
		if !ok {
			return nil, outerrors.InvalidScope("requested scope exceeds the scope of the refresh token")
		}
		scope = granted
	}

	newRefreshValue := token.Value
	if e.rotateRefresh {
		if err := e.store.Tokens().Revoke(ctx, token.Value); err != nil {
			return nil, err
		}
		next, err := e.createRefreshToken(ctx, client.ID, token.UserID, scope, token.Value)
		if err != nil {
			return nil, err
		}
		newRefreshValue = next.Value
	}

	resp, err := e.issueAccessToken(ctx, token.UserID, client.ID, scope, newRefreshValue)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = newRefreshValue

	e.logger.Info("refresh token rotated", "client_id", client.ID, "user_id", token.UserID)
	return resp, nil
}

// ClientCredentials issues an access token directly to a confidential
// client. No user is involved and no refresh token is issued.
func (e *Exchanger) ClientCredentials(ctx context.Context, creds *Credentials, requestedScope string) (*TokenResponse, error) {
	client, err := e.authenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, outerrors.UnauthorizedClient("public clients may not use the client_credentials grant")
	}
	if !client.HasGrantType(domain.GrantClientCredentials) {
		return nil, outerrors.UnauthorizedClient("client may not use the client_credentials grant")
	}

	scope := domain.JoinScope(client.AllowedScopes)
	if requestedScope != "" {
		granted, ok := domain.NarrowScope(requestedScope, client.AllowedScopes)
		if !ok {
			return nil, outerrors.InvalidScope("requested scope exceeds the client's allowed scopes")
		}
		scope = granted
	}

	resp, err := e.issueAccessToken(ctx, "", client.ID, scope, "")
	if err != nil {
		return nil, err
	}

	e.logger.Info("client credentials token issued", "client_id", client.ID)
	return resp, nil
}

// Revoke invalidates a token and its descendant chain. Per RFC 7009 an
// unknown token value succeeds silently, and so does a token belonging
// to a different client, so callers cannot probe for token existence.
func (e *Exchanger) Revoke(ctx context.Context, creds *Credentials, tokenValue string) error {
	if tokenValue == "" {
		return outerrors.InvalidRequest("token is required")
	}

	client, err := e.authenticateClient(ctx, creds)
	if err != nil {
		return err
	}

	// Access tokens arrive as JWTs but are stored by jti.
	lookup := tokenValue
	if claims, err := e.signer.VerifyAccessToken(ctx, tokenValue); err == nil {
		lookup = claims.ID
	}

	token, err := e.store.Tokens().GetByValue(ctx, lookup)
	if err != nil {
		if outerrors.IsCode(err, outerrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if token.ClientID != client.ID {
		return nil
	}

	if err := e.store.Tokens().RevokeChain(ctx, token.Value); err != nil {
		return err
	}
	e.logger.Info("token revoked", "client_id", client.ID, "kind", token.Kind)
	return nil
}

// issueAccessToken signs an access JWT and records it by jti so that
// revocation cascades stay observable through introspection.
func (e *Exchanger) issueAccessToken(ctx context.Context, userID, clientID, scope, parentID string) (*TokenResponse, error) {
	signed, jti, expiresAt, err := e.signer.SignAccessToken(userID, clientID, scope, e.accessTTL)
	if err != nil {
		return nil, outerrors.Internal("failed to sign access token", err)
	}

	record := &domain.Token{
		Value:     jti,
		Kind:      domain.TokenKindAccess,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ParentID:  parentID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := e.store.Tokens().Create(ctx, record); err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(e.accessTTL.Seconds()),
		Scope:       scope,
	}, nil
}

// createRefreshToken mints an opaque refresh token. parentID links the
// token into its rotation lineage.
func (e *Exchanger) createRefreshToken(ctx context.Context, clientID, userID, scope, parentID string) (*domain.Token, error) {
	value, err := randomToken(authCodeLength)
	if err != nil {
		return nil, outerrors.Internal("failed to generate refresh token", err)
	}

	now := time.Now()
	token := &domain.Token{
		Value:     value,
		Kind:      domain.TokenKindRefresh,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ParentID:  parentID,
		CreatedAt: now,
		ExpiresAt: now.Add(e.refreshTTL),
	}
	if err := e.store.Tokens().Create(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
