package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"officebridge/browser"
	"officebridge/server"
	"officebridge/upstream"
)

func toolRequest(args map[string]any) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Arguments = args
	return request
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	return text.Text
}

// newTestBridge wires a bridge against a fake back-office API.
func newTestBridge(t *testing.T, api http.HandlerFunc) *Bridge {
	t.Helper()
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := jwtToken.SignedString([]byte("key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1.0/auth/login" {
			w.Header().Set("Authorization", "Bearer "+signed)
			w.WriteHeader(http.StatusOK)
			return
		}
		api(w, r)
	}))
	t.Cleanup(srv.Close)

	registry := upstream.NewStaticRegistry(upstream.CredentialPair{
		Identity: "opA", Password: "p",
		UpstreamUsername: "alice@corp", UpstreamPassword: "s",
		UpstreamAPIURL: srv.URL,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions := upstream.NewSessionStore(registry, upstream.SessionStoreOptions{
		HTTPClient:  srv.Client(),
		TokenMargin: time.Minute,
		IdleTimeout: time.Hour,
		Logger:      logger,
	})
	t.Cleanup(sessions.Close)

	browserStore := browser.NewStore(browser.Options{IdleTimeout: time.Hour, Logger: logger})
	t.Cleanup(browserStore.CloseAll)

	return New(Deps{
		Sessions:       sessions,
		Browser:        browserStore,
		Registry:       registry,
		Logger:         logger,
		StaticIdentity: "opA",
	})
}

func identityCtx(identity string) context.Context {
	return server.ContextWithIdentity(context.Background(), identity)
}

func TestToolsRequireIdentity(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {})

	result, err := b.handleAPIPing(context.Background(), toolRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result without identity")
	}
}

func TestAPIPing(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1.0/ping" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"pong":true}`)
	})

	result, err := b.handleAPIPing(identityCtx("opA"), toolRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("ping failed: %s", resultText(t, result))
	}
}

func TestUserList(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1.0/users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "3" || r.URL.Query().Get("limit") != "10" {
			t.Errorf("pagination not forwarded: %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `[{"id":"u1"},{"id":"u2"}]`)
	})

	result, err := b.handleUserList(identityCtx("opA"), toolRequest(map[string]any{
		"page":  3,
		"limit": 10,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("user_list failed: %s", resultText(t, result))
	}
	var users []map[string]string
	if err := json.Unmarshal([]byte(resultText(t, result)), &users); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestUserGet(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/u42") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":"u42"}`)
	})

	result, err := b.handleUserGet(identityCtx("opA"), toolRequest(map[string]any{"user_id": "u42"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("user_get failed: %s", resultText(t, result))
	}

	// Missing argument surfaces as a tool error, not a transport error.
	missing, err := b.handleUserGet(identityCtx("opA"), toolRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !missing.IsError {
		t.Fatalf("expected error result for missing user_id")
	}
}

func TestBrowserCloseWithoutContext(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {})

	result, err := b.handleBrowserClose(identityCtx("opA"), toolRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("browser_close should not error: %s", resultText(t, result))
	}
	if got := resultText(t, result); !strings.Contains(got, "not_open") {
		t.Fatalf("expected not_open status, got %s", got)
	}
}

func TestBrowserOpenUnknownIdentity(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {})

	result, err := b.handleBrowserOpen(identityCtx("ghost"), toolRequest(nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error for unregistered identity")
	}
}
