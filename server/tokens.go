package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// TokenService mints and redeems opaque bearer tokens. Tokens carry no
// claims themselves; every lookup goes through the store, so revocation
// takes effect immediately.
type TokenService struct {
	store      Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
}

// NewTokenService wires the service to its store with the configured TTLs.
func NewTokenService(store Store, cfg TokenConfig) *TokenService {
	return &TokenService{
		store:      store,
		accessTTL:  cfg.AccessTTL.Std(),
		refreshTTL: cfg.RefreshTTL.Std(),
		codeTTL:    cfg.CodeTTL.Std(),
	}
}

// NewAuthorizationCode mints a single-use code for an authenticated identity.
// The code starts a fresh token family.
func (ts *TokenService) NewAuthorizationCode(p PendingAuthorization, identity string) (AuthorizationCode, error) {
	now := time.Now()
	code := AuthorizationCode{
		Code:          oauth2.GenerateVerifier(),
		ClientID:      p.ClientID,
		Identity:      identity,
		RedirectURI:   p.RedirectURI,
		Scope:         p.Scope,
		CodeChallenge: p.CodeChallenge,
		FamilyID:      uuid.NewString(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ts.codeTTL),
	}
	if err := ts.store.SaveAuthCode(code); err != nil {
		return AuthorizationCode{}, fmt.Errorf("save authorization code: %w", err)
	}
	return code, nil
}

// RedeemCode exchanges an authorization code for a token pair. Replaying a
// consumed code revokes every token in its family.
func (ts *TokenService) RedeemCode(code, redirectURI, codeVerifier string, client Client) (TokenResponse, error) {
	auth, err := ts.store.ConsumeAuthCode(code)
	if errors.Is(err, ErrCodeUsed) {
		ts.store.RevokeFamily(auth.FamilyID)
		return TokenResponse{}, ErrCodeUsed
	}
	if err != nil {
		return TokenResponse{}, err
	}
	if auth.ClientID != client.ID {
		return TokenResponse{}, ErrInvalidClient
	}
	if auth.RedirectURI != redirectURI {
		return TokenResponse{}, errors.New("redirect_uri mismatch")
	}
	if auth.CodeChallenge != "" {
		if !verifyPKCE(auth.CodeChallenge, codeVerifier) {
			return TokenResponse{}, errors.New("invalid code_verifier")
		}
	} else if client.Public {
		return TokenResponse{}, errors.New("code_verifier required")
	}
	return ts.issuePair(client.ID, auth.Identity, auth.Scope, auth.FamilyID, "")
}

// Refresh rotates a refresh token and issues a new pair. Presenting an
// already-rotated token is treated as theft and revokes the whole family.
func (ts *TokenService) Refresh(value string, client Client) (TokenResponse, error) {
	now := time.Now()
	successor := RefreshToken{
		Value:     oauth2.GenerateVerifier(),
		ClientID:  client.ID,
		ParentID:  value,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.refreshTTL),
	}
	prev, err := ts.store.RotateRefreshToken(value, client.ID, successor)
	if errors.Is(err, ErrTokenReused) {
		ts.store.RevokeFamily(prev.FamilyID)
		return TokenResponse{}, ErrTokenReused
	}
	if errors.Is(err, ErrInvalidClient) {
		// A token presented by the wrong client is treated as stolen.
		ts.store.RevokeFamily(prev.FamilyID)
		return TokenResponse{}, ErrInvalidClient
	}
	if err != nil {
		return TokenResponse{}, err
	}
	return ts.issuePair(client.ID, prev.Identity, prev.Scope, prev.FamilyID, successor.Value)
}

// issuePair mints an access token and, when successorRefresh is empty, a new
// refresh token. The caller passes successorRefresh when rotation already
// stored one.
func (ts *TokenService) issuePair(clientID, identity, scope, familyID, successorRefresh string) (TokenResponse, error) {
	now := time.Now()
	access := AccessToken{
		Value:     oauth2.GenerateVerifier(),
		ClientID:  clientID,
		Identity:  identity,
		Scope:     scope,
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.accessTTL),
	}
	if err := ts.store.SaveAccessToken(access); err != nil {
		return TokenResponse{}, fmt.Errorf("save access token: %w", err)
	}

	refreshValue := successorRefresh
	if refreshValue == "" {
		refresh := RefreshToken{
			Value:     oauth2.GenerateVerifier(),
			ClientID:  clientID,
			Identity:  identity,
			Scope:     scope,
			FamilyID:  familyID,
			IssuedAt:  now,
			ExpiresAt: now.Add(ts.refreshTTL),
		}
		if err := ts.store.SaveRefreshToken(refresh); err != nil {
			return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
		}
		refreshValue = refresh.Value
	}

	return TokenResponse{
		AccessToken:  access.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: refreshValue,
		Scope:        scope,
	}, nil
}

// Resolve maps a bearer value to the identity it was issued for.
func (ts *TokenService) Resolve(value string) (string, bool) {
	t, ok := ts.store.GetAccessToken(value)
	if !ok {
		return "", false
	}
	return t.Identity, true
}

// Revoke invalidates the presented token. A refresh token takes its whole
// family down; an access token is dropped alone. Unknown tokens are a no-op
// per RFC 7009.
func (ts *TokenService) Revoke(value string) {
	if rt, ok := ts.store.GetRefreshToken(value); ok {
		ts.store.RevokeFamily(rt.FamilyID)
		return
	}
	if at, ok := ts.store.GetAccessToken(value); ok {
		ts.store.DeleteAccessToken(at.Value)
	}
}

// Introspect reports token state per RFC 7662. Inactive tokens yield only
// {"active": false}.
func (ts *TokenService) Introspect(value string) map[string]any {
	if at, ok := ts.store.GetAccessToken(value); ok {
		return map[string]any{
			"active":    true,
			"client_id": at.ClientID,
			"username":  at.Identity,
			"scope":     at.Scope,
			"exp":       at.ExpiresAt.Unix(),
			"iat":       at.IssuedAt.Unix(),
		}
	}
	if rt, ok := ts.store.GetRefreshToken(value); ok && !rt.Revoked && time.Now().Before(rt.ExpiresAt) {
		return map[string]any{
			"active":    true,
			"client_id": rt.ClientID,
			"username":  rt.Identity,
			"scope":     rt.Scope,
			"exp":       rt.ExpiresAt.Unix(),
			"iat":       rt.IssuedAt.Unix(),
		}
	}
	return map[string]any{"active": false}
}

// verifyPKCE checks an S256 code challenge against its verifier.
func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
