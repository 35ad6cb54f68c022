package server

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// ErrInvalidClient is returned for unknown clients or failed secret checks.
// The message doubles as the OAuth error code sent on the wire.
var ErrInvalidClient = errors.New("invalid_client")

// RegistrationRequest is the dynamic registration payload (RFC 7591 subset).
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// RegistrationResponse is returned once at registration time. The plaintext
// secret appears here and nowhere else; only its hash is stored.
type RegistrationResponse struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
}

// ClientRegistry issues and authenticates OAuth clients backed by the store.
type ClientRegistry struct {
	store Store
}

// NewClientRegistry builds a registry over the given store.
func NewClientRegistry(store Store) *ClientRegistry {
	return &ClientRegistry{store: store}
}

var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

// Register creates a new client from a dynamic registration request.
func (cr *ClientRegistry) Register(req RegistrationRequest) (RegistrationResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return RegistrationResponse{}, errors.New("redirect_uris required")
	}
	for _, uri := range req.RedirectURIs {
		if !isSafeRedirectURI(uri) {
			return RegistrationResponse{}, fmt.Errorf("unsafe redirect_uri %q", uri)
		}
	}
	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = slices.Clone(defaultGrantTypes)
	}
	for _, g := range grants {
		if !slices.Contains(defaultGrantTypes, g) {
			return RegistrationResponse{}, fmt.Errorf("unsupported grant_type %q", g)
		}
	}

	client := Client{
		ID:           uuid.NewString(),
		Name:         req.ClientName,
		RedirectURIs: slices.Clone(req.RedirectURIs),
		GrantTypes:   grants,
		Public:       req.TokenEndpointAuthMethod == "none",
		CreatedAt:    time.Now(),
	}

	var secret string
	if !client.Public {
		secret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return RegistrationResponse{}, fmt.Errorf("hash client secret: %w", err)
		}
		client.SecretHash = hash
	}

	if err := cr.store.SaveClient(client); err != nil {
		return RegistrationResponse{}, fmt.Errorf("save client: %w", err)
	}

	return RegistrationResponse{
		ClientID:     client.ID,
		ClientSecret: secret,
		ClientName:   client.Name,
		RedirectURIs: client.RedirectURIs,
		GrantTypes:   client.GrantTypes,
	}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (Client, bool) {
	return cr.store.GetClient(id)
}

// Authenticate validates client credentials. Public clients carry no secret
// and rely on PKCE instead.
func (cr *ClientRegistry) Authenticate(id, secret string) (Client, error) {
	client, ok := cr.store.GetClient(id)
	if !ok {
		return Client{}, ErrInvalidClient
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)) != nil {
		return Client{}, ErrInvalidClient
	}
	return client, nil
}

// ValidRedirect ensures the redirect URI is registered and safe.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

// isSafeRedirectURI validates that a redirect URI is safe to use.
// Prevents open redirect vulnerabilities by blocking dangerous schemes and malformed URIs.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	// Block dangerous URI schemes
	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Block protocol-relative URLs that could redirect anywhere
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}

	scheme := uri[:idx]
	rest := uri[idx+3:]

	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// Block URLs with # in the host part (fragment identifier tricks)
	// Format: http://evil.com#http://trusted.com/callback
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart := rest[:slashIdx]
		if strings.Contains(hostPart, "#") {
			return false
		}
	} else {
		if strings.Contains(rest, "#") {
			return false
		}
	}

	return true
}
