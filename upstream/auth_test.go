package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice@corp",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// fakeUpstream counts logins and hands out a bearer token on the
// Authorization response header, the way the back-office does.
func fakeUpstream(t *testing.T, logins *atomic.Int64, token string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		logins.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if token != "" {
			w.Header().Set("Authorization", "Bearer "+token)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testPair(apiURL string) CredentialPair {
	return CredentialPair{
		Identity:         "opA",
		UpstreamUsername: "alice@corp",
		UpstreamPassword: "secret",
		UpstreamAPIURL:   apiURL,
	}
}

func TestTokenLoginAndCache(t *testing.T) {
	var logins atomic.Int64
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := fakeUpstream(t, &logins, token, http.StatusOK)

	m := NewAuthManager(testPair(srv.URL), srv.Client(), time.Minute)

	got, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != token {
		t.Fatalf("unexpected token")
	}

	// Cached until near expiry, no second login.
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token (cached): %v", err)
	}
	if logins.Load() != 1 {
		t.Fatalf("expected 1 login, got %d", logins.Load())
	}
}

func TestTokenSingleLoginUnderConcurrency(t *testing.T) {
	var logins atomic.Int64
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := fakeUpstream(t, &logins, token, http.StatusOK)

	m := NewAuthManager(testPair(srv.URL), srv.Client(), time.Minute)

	const callers = 12
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Token(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Token: %v", err)
		}
	}
	if logins.Load() != 1 {
		t.Fatalf("expected 1 shared login, got %d", logins.Load())
	}
}

func TestTokenFailFastAfterAuthFailure(t *testing.T) {
	var logins atomic.Int64
	srv := fakeUpstream(t, &logins, "", http.StatusUnauthorized)

	m := NewAuthManager(testPair(srv.URL), srv.Client(), time.Minute)

	if _, err := m.Token(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	// The failed state short-circuits without touching the upstream again.
	if _, err := m.Token(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected fail-fast ErrAuthentication, got %v", err)
	}
	if logins.Load() != 1 {
		t.Fatalf("expected 1 login attempt, got %d", logins.Load())
	}

	// Invalidate clears the failed state and triggers a fresh attempt.
	m.Invalidate()
	m.Token(context.Background())
	if logins.Load() != 2 {
		t.Fatalf("expected retry after Invalidate, got %d logins", logins.Load())
	}
}

func TestTokenMissingBearer(t *testing.T) {
	var logins atomic.Int64
	srv := fakeUpstream(t, &logins, "", http.StatusOK)

	m := NewAuthManager(testPair(srv.URL), srv.Client(), time.Minute)
	if _, err := m.Token(context.Background()); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestTokenExpiryFallback(t *testing.T) {
	// Opaque (non-JWT) tokens get the fallback lifetime.
	got := tokenExpiry("not-a-jwt")
	min := time.Now().Add(fallbackLifetime - time.Minute)
	max := time.Now().Add(fallbackLifetime + time.Minute)
	if got.Before(min) || got.After(max) {
		t.Fatalf("fallback expiry out of range: %v", got)
	}

	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	token := signedToken(t, exp)
	if got := tokenExpiry(token); !got.Equal(exp) {
		t.Fatalf("expiry = %v, want %v", got, exp)
	}
}
