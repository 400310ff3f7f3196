package grant

import (
	"context"

	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

// Introspection is the RFC 7662 response payload. Inactive tokens
// return only {"active": false}.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

var inactive = &Introspection{Active: false}

// Introspect reports the state of a token. The caller must authenticate
// as a registered client; any unverifiable, revoked, expired or unknown
// token comes back {"active": false} rather than an error, so the
// endpoint never explains why a token is dead.
//
// Access tokens are JWTs, but signature validity alone is not enough:
// the jti record must still be live in the store, which is what makes
// revocation and client-deletion cascades visible here. The active
// response is built from the store record, not the embedded claims, so
// scope-deletion cascades that strip a live token's scope set are
// reflected immediately.
func (e *Exchanger) Introspect(ctx context.Context, creds *Credentials, tokenValue string) (*Introspection, error) {
	if _, err := e.authenticateClient(ctx, creds); err != nil {
		return nil, err
	}
	if tokenValue == "" {
		return nil, outerrors.InvalidRequest("token is required")
	}

	if claims, err := e.signer.VerifyAccessToken(ctx, tokenValue); err == nil {
		record, err := e.store.Tokens().GetByValue(ctx, claims.ID)
		if err != nil || !record.IsActive() {
			return inactive, nil
		}
		if !e.clientActive(ctx, record.ClientID) {
			return inactive, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     record.Scope,
			ClientID:  record.ClientID,
			Subject:   record.UserID,
			TokenType: "Bearer",
			ExpiresAt: record.ExpiresAt.Unix(),
			IssuedAt:  record.CreatedAt.Unix(),
			JTI:       record.Value,
		}, nil
	}

	// Not a valid JWT; try the opaque refresh token space.
	record, err := e.store.Tokens().GetByValue(ctx, tokenValue)
	if err != nil {
		if outerrors.IsCode(err, outerrors.CodeNotFound) {
			return inactive, nil
		}
		return nil, err
	}
	if record.Kind != domain.TokenKindRefresh || !record.IsActive() {
		return inactive, nil
	}
	if !e.clientActive(ctx, record.ClientID) {
		return inactive, nil
	}

	return &Introspection{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Subject:   record.UserID,
		TokenType: "refresh_token",
		ExpiresAt: record.ExpiresAt.Unix(),
		IssuedAt:  record.CreatedAt.Unix(),
	}, nil
}

func (e *Exchanger) clientActive(ctx context.Context, clientID string) bool {
	client, err := e.store.Clients().GetByID(ctx, clientID)
	return err == nil && client.Active
}
