package authz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store"
)

// Request represents a parsed authorization request.
type Request struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ParseRequest extracts the authorization parameters from a GET request.
func ParseRequest(r *http.Request) *Request {
	q := r.URL.Query()
	return &Request{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

// Validated is the outcome of a successful validation: everything the
// code-issuance path needs, paired with user authentication by the
// caller.
type Validated struct {
	Client              *domain.Client
	RedirectURI         string
	Scope               string // effective scope, dependencies resolved
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Failure classifies a protocol failure of the validation pipeline.
//
// Redirectable is the load-bearing boundary: it becomes true only once
// the client has resolved AND redirect_uri exactly matched a registered
// URI. Before that point the error must be delivered as a direct
// response, because redirecting to an unvalidated URI is itself an open
// redirect. After that point errors must be delivered by redirect with
// error, error_description and state echoed as query parameters.
type Failure struct {
	Code         string
	Description  string
	State        string
	RedirectURI  string
	Redirectable bool
}

// RedirectURL builds the error redirect for a post-trust failure.
func (f *Failure) RedirectURL() string {
	u, _ := url.Parse(f.RedirectURI)
	q := u.Query()
	q.Set("error", f.Code)
	if f.Description != "" {
		q.Set("error_description", f.Description)
	}
	if f.State != "" {
		q.Set("state", f.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Validator runs the authorization request pipeline against the client
// and scope catalog.
type Validator struct {
	clients store.ClientRepository
	scopes  store.ScopeRepository
}

// NewValidator creates a Validator.
func NewValidator(clients store.ClientRepository, scopes store.ScopeRepository) *Validator {
	return &Validator{clients: clients, scopes: scopes}
}

// Validate runs the staged pipeline. On success it returns a Validated
// context. Protocol failures come back as a Failure; only store
// breakage is returned as err.
func (v *Validator) Validate(ctx context.Context, req *Request) (*Validated, *Failure, error) {
	// Stage 1: structural checks. No client context yet, so failures
	// are direct responses.
	if req.ResponseType == "" {
		return nil, direct(outerrors.CodeInvalidRequest, "response_type is required"), nil
	}
	if req.ResponseType != "code" {
		return nil, direct(outerrors.CodeInvalidRequest, "response_type must be 'code'"), nil
	}
	if req.ClientID == "" {
		return nil, direct(outerrors.CodeInvalidRequest, "client_id is required"), nil
	}

	// Stage 2: client resolution. The client cannot be trusted yet, so
	// neither can any redirect URI it supplied.
	client, err := v.clients.GetByID(ctx, req.ClientID)
	if err != nil {
		if outerrors.IsCode(err, outerrors.CodeNotFound) {
			return nil, direct(outerrors.CodeInvalidClient, "unknown client_id"), nil
		}
		return nil, nil, err
	}
	if !client.Active {
		return nil, direct(outerrors.CodeInvalidClient, "client is inactive"), nil
	}

	// Stage 3: redirect URI. Exact byte match against the registered
	// set; anything else stays a direct error.
	if req.RedirectURI == "" {
		return nil, direct(outerrors.CodeInvalidRequest, "redirect_uri is required"), nil
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, direct(outerrors.CodeInvalidRequest, "redirect_uri is not registered for this client"), nil
	}

	// Stage 4: the redirect target is now trusted. Every remaining
	// failure is delivered by redirecting to it.
	fail := func(code, description string) *Failure {
		return &Failure{
			Code:         code,
			Description:  description,
			State:        req.State,
			RedirectURI:  req.RedirectURI,
			Redirectable: true,
		}
	}

	// Stage 5: scope.
	if req.Scope == "" {
		return nil, fail(outerrors.CodeInvalidScope, "scope is required"), nil
	}
	if hasControlChars(req.Scope) {
		return nil, fail(outerrors.CodeInvalidScope, "scope contains control characters"), nil
	}
	requested := domain.SplitScope(req.Scope)
	if len(requested) == 0 {
		return nil, fail(outerrors.CodeInvalidScope, "scope is required"), nil
	}
	var offending []string
	for _, name := range requested {
		if !client.AllowsScope(name) {
			offending = append(offending, name)
		}
	}
	if len(offending) > 0 {
		return nil, fail(outerrors.CodeInvalidScope,
			fmt.Sprintf("scope not allowed for this client: %s", strings.Join(offending, " "))), nil
	}

	effective, err := v.resolveDependencies(ctx, requested)
	if err != nil {
		return nil, nil, err
	}

	// Stage 6: PKCE.
	if client.PKCERequired() && req.CodeChallenge == "" {
		return nil, fail(outerrors.CodeInvalidRequest, "code_challenge is required for this client"), nil
	}
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "S256" {
			return nil, fail(outerrors.CodeInvalidRequest, "code_challenge_method must be 'S256'"), nil
		}
		if !ValidPKCEString(req.CodeChallenge) {
			return nil, fail(outerrors.CodeInvalidRequest,
				"code_challenge must be 43-128 characters from the unreserved set"), nil
		}
	}

	// Stage 7: validated context.
	return &Validated{
		Client:              client,
		RedirectURI:         req.RedirectURI,
		Scope:               domain.JoinScope(effective),
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}, nil, nil
}

// resolveDependencies expands the requested scope set with the
// transitive closure of scope dependencies. Resolution happens at
// authorization time because dependency scopes may be registered after
// their dependents; names with no catalog entry resolve to themselves.
func (v *Validator) resolveDependencies(ctx context.Context, requested []string) ([]string, error) {
	all, err := v.scopes.List(ctx)
	if err != nil {
		return nil, err
	}
	deps := make(map[string][]string, len(all))
	for _, s := range all {
		deps[s.Name] = s.Dependencies
	}

	seen := make(map[string]bool, len(requested))
	var out []string
	queue := append([]string(nil), requested...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		queue = append(queue, deps[name]...)
	}
	return out, nil
}

func direct(code, description string) *Failure {
	return &Failure{Code: code, Description: description}
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
