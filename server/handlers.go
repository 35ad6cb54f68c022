package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"officebridge/upstream"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Clients  *ClientRegistry
	Tokens   *TokenService
	Limiter  *RateLimiter
	Registry *upstream.Registry

	// verifyUpstream confirms the identity's upstream credentials still work
	// before an authorization code is issued. Tests replace it.
	verifyUpstream func(ctx context.Context, pair upstream.CredentialPair) error

	csrf *csrfStore
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger, store Store, registry *upstream.Registry) *App {
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Clients:  NewClientRegistry(store),
		Tokens:   NewTokenService(store, cfg.Tokens),
		Limiter:  NewRateLimiter(cfg.RateLimit.Attempts, cfg.RateLimit.Window.Std()),
		Registry: registry,
		verifyUpstream: func(ctx context.Context, pair upstream.CredentialPair) error {
			return upstream.VerifyLogin(ctx, pair, nil)
		},
		csrf: newCSRFStore(10 * time.Minute),
	}
}

func (a *App) handleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimRight(a.Config.Server.PublicURL, "/")
	writeJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"introspection_endpoint":                issuer + "/oauth/introspect",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	})
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, "", "", "invalid_client_metadata", "malformed registration request")
		return
	}
	resp, err := a.Clients.Register(req)
	if err != nil {
		oauthError(w, "", "", "invalid_client_metadata", err.Error())
		return
	}
	a.Logger.Info("client registered", "client_id", resp.ClientID, "client_name", resp.ClientName)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", "invalid_request", "invalid form")
		return
	}

	client, ok := a.Clients.Get(r.FormValue("client_id"))
	if !ok {
		oauthError(w, "", "", "invalid_request", "unknown client")
		return
	}
	redirectURI := r.FormValue("redirect_uri")
	if !client.ValidRedirect(redirectURI) {
		oauthError(w, "", "", "invalid_request", "redirect_uri not registered")
		return
	}
	state := r.FormValue("state")
	if r.FormValue("response_type") != "code" {
		oauthError(w, redirectURI, state, "unsupported_response_type", "only code is supported")
		return
	}

	challenge := r.FormValue("code_challenge")
	method := r.FormValue("code_challenge_method")
	if challenge != "" && method != "S256" {
		oauthError(w, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}
	if challenge == "" && client.Public {
		oauthError(w, redirectURI, state, "invalid_request", "PKCE required for public clients")
		return
	}

	now := time.Now()
	pending := PendingAuthorization{
		ID:            uuid.NewString(),
		ClientID:      client.ID,
		RedirectURI:   redirectURI,
		Scope:         r.FormValue("scope"),
		State:         state,
		CodeChallenge: challenge,
		CreatedAt:     now,
		ExpiresAt:     now.Add(10 * time.Minute),
	}
	if err := a.Store.SavePending(pending); err != nil {
		oauthError(w, redirectURI, state, "server_error", "failed to start authorization")
		return
	}

	http.Redirect(w, r, "/oauth/login?session_id="+url.QueryEscape(pending.ID), http.StatusFound)
}

func (a *App) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	a.renderLoginForm(w, sessionID, "")
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	if !a.Limiter.Allow(ip) {
		a.Logger.Warn("login rate limited", "remote", ip)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(a.Config.RateLimit.Window.Std().Seconds())))
		http.Error(w, "too many login attempts, try again later", http.StatusTooManyRequests)
		return
	}

	if !a.csrf.consume(r.FormValue("csrf_token"), sessionID) {
		http.Error(w, "invalid or expired form, reload and retry", http.StatusBadRequest)
		return
	}

	pending, ok := a.Store.ConsumePending(sessionID)
	if !ok {
		http.Error(w, "authorization session expired", http.StatusBadRequest)
		return
	}

	identity := r.FormValue("username")
	password := r.FormValue("password")
	if !a.Registry.Verify(identity, password) {
		a.Logger.Warn("login rejected", "identity", identity, "remote", ip)
		a.restorePending(w, pending, "invalid username or password")
		return
	}

	pair, err := a.Registry.Resolve(identity)
	if err != nil {
		a.restorePending(w, pending, "invalid username or password")
		return
	}
	if err := a.verifyUpstream(r.Context(), pair); err != nil {
		a.Logger.Error("upstream verification failed", "identity", identity, "error", err)
		a.restorePending(w, pending, "upstream account rejected the credentials")
		return
	}

	code, err := a.Tokens.NewAuthorizationCode(pending, identity)
	if err != nil {
		oauthError(w, pending.RedirectURI, pending.State, "server_error", "failed to issue code")
		return
	}
	a.Logger.Info("authorization granted", "identity", identity, "client_id", pending.ClientID)

	uri, err := url.Parse(pending.RedirectURI)
	if err != nil {
		oauthError(w, "", "", "server_error", "bad redirect_uri")
		return
	}
	q := uri.Query()
	q.Set("code", code.Code)
	if pending.State != "" {
		q.Set("state", pending.State)
	}
	uri.RawQuery = q.Encode()
	http.Redirect(w, r, uri.String(), http.StatusFound)
}

// restorePending re-saves a consumed pending authorization so the user can
// retry after a failed login, then re-renders the form.
func (a *App) restorePending(w http.ResponseWriter, pending PendingAuthorization, msg string) {
	if err := a.Store.SavePending(pending); err != nil {
		oauthError(w, pending.RedirectURI, pending.State, "server_error", "failed to restore authorization")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	a.renderLoginForm(w, pending.ID, msg)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", "invalid_request", "invalid form")
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
		return
	}

	grant := r.FormValue("grant_type")
	if !client.AllowsGrant(grant) {
		oauthError(w, "", "", "unauthorized_client", "grant type not allowed for client")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	switch grant {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r, client)
	case "refresh_token":
		a.handleTokenRefresh(w, r, client)
	default:
		oauthError(w, "", "", "unsupported_grant_type", "unsupported grant_type")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client Client) {
	code := r.FormValue("code")
	if code == "" {
		oauthError(w, "", "", "invalid_request", "missing code")
		return
	}
	tokens, err := a.Tokens.RedeemCode(code, r.FormValue("redirect_uri"), r.FormValue("code_verifier"), client)
	switch {
	case errors.Is(err, ErrCodeUsed):
		a.Logger.Warn("authorization code replay", "client_id", client.ID)
		oauthError(w, "", "", "invalid_grant", "code already redeemed")
		return
	case errors.Is(err, ErrCodeNotFound):
		oauthError(w, "", "", "invalid_grant", "code invalid or expired")
		return
	case err != nil:
		oauthError(w, "", "", "invalid_grant", err.Error())
		return
	}
	writeJSON(w, tokens)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client Client) {
	value := r.FormValue("refresh_token")
	if value == "" {
		oauthError(w, "", "", "invalid_request", "missing refresh_token")
		return
	}
	tokens, err := a.Tokens.Refresh(value, client)
	switch {
	case errors.Is(err, ErrTokenReused):
		a.Logger.Warn("refresh token replay, family revoked", "client_id", client.ID)
		oauthError(w, "", "", "invalid_grant", "refresh token reuse detected")
		return
	case errors.Is(err, ErrTokenNotFound):
		oauthError(w, "", "", "invalid_grant", "refresh token invalid or expired")
		return
	case err != nil:
		oauthError(w, "", "", "invalid_grant", "refresh failed")
		return
	}
	writeJSON(w, tokens)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", "invalid_request", "invalid form")
		return
	}
	if _, err := a.authenticateClient(r); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
		return
	}
	a.Tokens.Revoke(r.FormValue("token"))
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", "invalid_request", "invalid form")
		return
	}
	if _, err := a.authenticateClient(r); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
		return
	}
	writeJSON(w, a.Tokens.Introspect(r.FormValue("token")))
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) authenticateClient(r *http.Request) (Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(clientID, clientSecret)
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title>
<style>
body { font-family: sans-serif; max-width: 22em; margin: 4em auto; }
label { display: block; margin-top: 1em; }
input { width: 100%; padding: 0.4em; box-sizing: border-box; }
button { margin-top: 1.5em; padding: 0.5em 2em; }
.error { color: #b00; margin-top: 1em; }
</style>
</head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/oauth/login">
<input type="hidden" name="session_id" value="{{.SessionID}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<label>Username<input type="text" name="username" autocomplete="username" autofocus></label>
<label>Password<input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

func (a *App) renderLoginForm(w http.ResponseWriter, sessionID, errMsg string) {
	token := a.csrf.issue(sessionID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, map[string]string{
		"SessionID": sessionID,
		"CSRFToken": token,
		"Error":     errMsg,
	})
}

// csrfStore binds single-use CSRF tokens to pending authorization IDs.
type csrfStore struct {
	mu     sync.Mutex
	tokens map[string]csrfEntry
	ttl    time.Duration
}

type csrfEntry struct {
	sessionID string
	expires   time.Time
}

func newCSRFStore(ttl time.Duration) *csrfStore {
	return &csrfStore{tokens: make(map[string]csrfEntry), ttl: ttl}
}

func (c *csrfStore) issue(sessionID string) string {
	token := oauth2.GenerateVerifier()
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for t, e := range c.tokens {
		if now.After(e.expires) {
			delete(c.tokens, t)
		}
	}
	c.tokens[token] = csrfEntry{sessionID: sessionID, expires: now.Add(c.ttl)}
	return token
}

func (c *csrfStore) consume(token, sessionID string) bool {
	if token == "" {
		return false
	}
	c.mu.Lock()
	entry, ok := c.tokens[token]
	delete(c.tokens, token)
	c.mu.Unlock()
	if !ok || time.Now().After(entry.expires) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(entry.sessionID), []byte(sessionID)) == 1
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	// Never redirect to unsafe URIs, return the error as JSON instead
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
		return
	}

	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
