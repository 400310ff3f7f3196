package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/outpost-auth/outpost/internal/metrics"
)

// RouteConfig carries the per-endpoint rate limits (requests per
// minute per client IP).
type RouteConfig struct {
	LoginRateLimit int
	TokenRateLimit int
}

// MountRoutes attaches every endpoint to the server's router.
func (s *Server) MountRoutes(
	oauth *OAuthHandler,
	auth *AuthHandler,
	admin *AdminHandler,
	discovery *DiscoveryHandler,
	jwks *JWKSHandler,
	cfg RouteConfig,
) {
	r := s.router

	r.Get("/.well-known/oauth-authorization-server", discovery.Metadata)
	r.Get("/.well-known/jwks.json", jwks.JWKS)

	r.Get("/oauth/authorize", oauth.Authorize)
	r.Group(func(r chi.Router) {
		if cfg.TokenRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.TokenRateLimit, time.Minute))
		}
		r.Post("/oauth/token", oauth.Token)
	})
	r.Post("/oauth/revoke", oauth.Revoke)
	r.Post("/oauth/introspect", oauth.Introspect)

	r.Group(func(r chi.Router) {
		if cfg.LoginRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.LoginRateLimit, time.Minute))
		}
		r.Post("/login", auth.Login)
	})
	r.Post("/logout", auth.Logout)
	r.Post("/password", auth.ChangePassword)

	r.Route("/admin", func(r chi.Router) {
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", admin.ListClients)
			r.Post("/", admin.CreateClient)
			r.Get("/{id}", admin.GetClient)
			r.Put("/{id}", admin.UpdateClient)
			r.Delete("/{id}", admin.DeleteClient)
			r.Post("/{id}/secret", admin.RegenerateClientSecret)
		})
		r.Route("/scopes", func(r chi.Router) {
			r.Get("/", admin.ListScopes)
			r.Post("/", admin.CreateScope)
			r.Get("/{name}", admin.GetScope)
			r.Put("/{name}", admin.UpdateScope)
			r.Delete("/{name}", admin.DeleteScope)
		})
	})

	r.Handle("/metrics", metrics.Handler())
}
