package server

import "time"

// Client records OAuth client metadata created by dynamic registration.
// Immutable after registration; the secret is stored only as a bcrypt hash.
type Client struct {
	ID           string
	Name         string
	SecretHash   []byte
	RedirectURIs []string
	GrantTypes   []string
	Public       bool
	CreatedAt    time.Time
}

// PendingAuthorization tracks an /oauth/authorize request awaiting the
// hosted login form.
type PendingAuthorization struct {
	ID            string
	ClientID      string
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// AuthorizationCode is a short-lived single-use code bound to an identity
// and a PKCE challenge. FamilyID is assigned at issuance so that a reuse
// attempt can revoke every token already minted from this code.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	Identity      string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	FamilyID      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Used          bool
}

// AccessToken grants bearer access to the bridge until expiry.
type AccessToken struct {
	Value     string
	ClientID  string
	Identity  string
	Scope     string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken rotates on every redemption. ParentID records the token it
// replaced; Revoked stays set on rotated tokens so reuse is detectable.
type RefreshToken struct {
	Value     string
	ClientID  string
	Identity  string
	Scope     string
	FamilyID  string
	ParentID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
