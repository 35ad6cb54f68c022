package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the OAuth endpoints and the hosted
// login form. The MCP handler is mounted by the caller so the server
// package stays transport-agnostic.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/.well-known/oauth-authorization-server", a.handleMetadata)
	r.Get("/health", a.handleHealth)

	r.Post("/oauth/register", a.handleRegister)
	r.Get("/oauth/authorize", a.handleAuthorize)
	r.Get("/oauth/login", a.handleLoginForm)
	r.Post("/oauth/login", a.handleLoginSubmit)
	r.Post("/oauth/token", a.handleToken)
	r.Post("/oauth/revoke", a.handleRevoke)
	r.Post("/oauth/introspect", a.handleIntrospect)

	return r
}
