package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrAuthentication means the upstream rejected the configured
	// credentials. The manager stays failed until Invalidate is called.
	ErrAuthentication = errors.New("upstream authentication failed")
	// ErrTokenInvalid means the upstream returned no usable bearer token.
	ErrTokenInvalid = errors.New("upstream returned no usable token")
	// ErrUpstreamAuth means a request kept failing auth after a re-login.
	ErrUpstreamAuth = errors.New("upstream rejected request after re-authentication")
)

const (
	loginPath        = "/1.0/auth/login"
	fallbackLifetime = 30 * time.Minute
)

// AuthManager owns the upstream JWT for one identity. Callers get the
// cached token until it nears expiry; a single login runs no matter how
// many callers need a refresh at once.
type AuthManager struct {
	pair   CredentialPair
	client *http.Client
	margin time.Duration

	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
	failed  bool
}

// NewAuthManager builds a manager for one credential pair. margin is how
// long before expiry a token is considered stale.
func NewAuthManager(pair CredentialPair, client *http.Client, margin time.Duration) *AuthManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &AuthManager{pair: pair, client: client, margin: margin}
}

// Token returns a live bearer token, logging in if the cached one is
// missing or near expiry. Concurrent callers share one login attempt.
func (m *AuthManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.failed {
		m.mu.Unlock()
		return "", ErrAuthentication
	}
	if m.token != "" && time.Until(m.expires) > m.margin {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("login", func() (any, error) {
		return m.login(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token and clears a failed state so the next
// Token call logs in again. Called after registry reloads and on auth
// rejections from the API.
func (m *AuthManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expires = time.Time{}
	m.failed = false
	m.mu.Unlock()
}

func (m *AuthManager) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": m.pair.UpstreamUsername,
		"password": m.pair.UpstreamPassword,
	})
	if err != nil {
		return "", fmt.Errorf("encode login request: %w", err)
	}

	url := strings.TrimRight(m.pair.UpstreamAPIURL, "/") + loginPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream login: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		m.mu.Lock()
		m.failed = true
		m.mu.Unlock()
		return "", ErrAuthentication
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream login: unexpected status %d", resp.StatusCode)
	}

	token := bearerFromHeader(resp.Header.Get("Authorization"))
	if token == "" {
		return "", ErrTokenInvalid
	}

	m.mu.Lock()
	m.token = token
	m.expires = tokenExpiry(token)
	m.failed = false
	m.mu.Unlock()
	return token, nil
}

// VerifyLogin performs a one-off login to confirm a credential pair works.
// The token is discarded; the long-lived manager in the session store does
// its own login when the identity first calls the API.
func VerifyLogin(ctx context.Context, pair CredentialPair, client *http.Client) error {
	_, err := NewAuthManager(pair, client, 0).Token(ctx)
	return err
}

func bearerFromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// tokenExpiry reads the exp claim without verifying the signature. The
// upstream signs with a key we never hold; expiry is the only claim used.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Now().Add(fallbackLifetime)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(fallbackLifetime)
	}
	return exp.Time
}
