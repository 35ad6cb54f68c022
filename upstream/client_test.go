package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// apiServer is a fake back-office: logins come in on loginPath, API calls
// anywhere else.
func apiServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *atomic.Int64) {
	t.Helper()
	var logins atomic.Int64
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			logins.Add(1)
			w.Header().Set("Authorization", "Bearer "+token)
			w.WriteHeader(http.StatusOK)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	pair := testPair(srv.URL)
	auth := NewAuthManager(pair, srv.Client(), time.Minute)
	return NewClient(pair, auth, srv.Client()), &logins
}

func TestGetInjectsBearer(t *testing.T) {
	client, _ := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("query not forwarded: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	})

	data, err := client.Get(context.Background(), "/1.0/users", map[string]string{"page": "2"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var out map[string]bool
	if err := json.Unmarshal(data, &out); err != nil || !out["ok"] {
		t.Fatalf("unexpected body: %s", data)
	}
}

func TestRetryOnceAfterAuthRejection(t *testing.T) {
	var apiCalls atomic.Int64
	client, logins := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		// First API call is rejected, the retry succeeds.
		if apiCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	})

	if _, err := client.Get(context.Background(), "/1.0/users", nil); err != nil {
		t.Fatalf("Get with retry: %v", err)
	}
	if apiCalls.Load() != 2 {
		t.Fatalf("expected 2 API calls, got %d", apiCalls.Load())
	}
	if logins.Load() != 2 {
		t.Fatalf("expected re-login before retry, got %d logins", logins.Load())
	}
}

func TestNoSecondRetry(t *testing.T) {
	var apiCalls atomic.Int64
	client, _ := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	if _, err := client.Get(context.Background(), "/1.0/users", nil); !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}
	if apiCalls.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", apiCalls.Load())
	}
}

func TestAPIErrorExcerpt(t *testing.T) {
	long := strings.Repeat("x", 2000)
	client, _ := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, long)
	})

	_, err := client.Get(context.Background(), "/1.0/users", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", apiErr.Status)
	}
	if len(apiErr.Body) != errorBodyLimit {
		t.Fatalf("body excerpt length = %d, want %d", len(apiErr.Body), errorBodyLimit)
	}
}

func TestTruncateArray(t *testing.T) {
	item := map[string]string{"name": strings.Repeat("n", 1000)}
	var items []map[string]string
	for i := 0; i < 1200; i++ {
		items = append(items, item)
	}
	big, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(big) <= maxResponseBytes {
		t.Fatalf("test payload not big enough: %d", len(big))
	}

	out := truncateArray(big)
	if len(out) > maxResponseBytes {
		t.Fatalf("truncated output still too large: %d", len(out))
	}

	var decoded []json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("truncated output is not valid JSON: %v", err)
	}
	var marker struct {
		Truncated bool `json:"_truncated"`
		Shown     int  `json:"_shown_items"`
		Total     int  `json:"_total_items"`
	}
	if err := json.Unmarshal(decoded[len(decoded)-1], &marker); err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if !marker.Truncated || marker.Total != 1200 || marker.Shown != len(decoded)-1 {
		t.Fatalf("unexpected marker: %+v", marker)
	}
}

func TestTruncateArrayPassThrough(t *testing.T) {
	small := []byte(`[{"a":1},{"b":2}]`)
	if got := truncateArray(small); string(got) != string(small) {
		t.Fatalf("small payload must pass through")
	}

	// Oversized non-array payloads pass through untouched.
	object := []byte(`{"blob":"` + strings.Repeat("y", maxResponseBytes) + `"}`)
	if got := truncateArray(object); len(got) != len(object) {
		t.Fatalf("non-array payload must pass through")
	}
}
