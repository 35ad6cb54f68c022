package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestSessionStore(t *testing.T, idle time.Duration) *SessionStore {
	t.Helper()
	registry := NewStaticRegistry(
		CredentialPair{
			Identity: "opA", Password: "a",
			UpstreamUsername: "alice@corp", UpstreamPassword: "sa",
			UpstreamAPIURL: "http://upstream.test",
		},
		CredentialPair{
			Identity: "opB", Password: "b",
			UpstreamUsername: "bob@corp", UpstreamPassword: "sb",
			UpstreamAPIURL: "http://upstream.test",
		},
	)
	store := NewSessionStore(registry, SessionStoreOptions{
		IdleTimeout: idle,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(store.Close)
	return store
}

func TestClientPerIdentity(t *testing.T) {
	store := newTestSessionStore(t, time.Hour)
	ctx := context.Background()

	a1, err := store.Client(ctx, "opA")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	a2, err := store.Client(ctx, "opA")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("same identity must share one client")
	}

	b, err := store.Client(ctx, "opB")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if b == a1 {
		t.Fatalf("identities must not share clients")
	}
	if b.Identity() != "opB" {
		t.Fatalf("client bound to wrong identity: %s", b.Identity())
	}
}

func TestClientUnknownIdentity(t *testing.T) {
	store := newTestSessionStore(t, time.Hour)
	if _, err := store.Client(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientConcurrentCreation(t *testing.T) {
	store := newTestSessionStore(t, time.Hour)
	ctx := context.Background()

	const callers = 16
	clients := make([]*Client, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := store.Client(ctx, "opA")
			if err != nil {
				t.Errorf("Client: %v", err)
				return
			}
			clients[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if clients[i] != clients[0] {
			t.Fatalf("concurrent callers got different clients")
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", store.Len())
	}
}

func TestSweepEvictsIdle(t *testing.T) {
	store := newTestSessionStore(t, 10*time.Millisecond)
	ctx := context.Background()

	old, err := store.Client(ctx, "opA")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// opB stays fresh, opA idles out.
	if _, err := store.Client(ctx, "opB"); err != nil {
		t.Fatalf("Client: %v", err)
	}
	if got := store.Sweep(); got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", store.Len())
	}

	// A returning identity gets a fresh client.
	fresh, err := store.Client(ctx, "opA")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if fresh == old {
		t.Fatalf("evicted identity must get a new client")
	}
}

func TestEvict(t *testing.T) {
	store := newTestSessionStore(t, time.Hour)
	ctx := context.Background()

	if _, err := store.Client(ctx, "opA"); err != nil {
		t.Fatalf("Client: %v", err)
	}
	store.Evict("opA")
	if store.Len() != 0 {
		t.Fatalf("expected empty store after Evict")
	}
}

func TestCloseDrains(t *testing.T) {
	store := newTestSessionStore(t, time.Hour)
	ctx := context.Background()

	store.Client(ctx, "opA")
	store.Client(ctx, "opB")
	store.Close()
	if store.Len() != 0 {
		t.Fatalf("expected all sessions dropped on Close")
	}
}
