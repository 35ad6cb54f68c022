package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type sessionEntry struct {
	client   *Client
	lastUsed time.Time
}

// SessionStore hands out one upstream Client per identity, created lazily
// and evicted after the idle timeout. Eviction invalidates the cached
// upstream token so a returning identity logs in fresh.
type SessionStore struct {
	registry    *Registry
	httpClient  *http.Client
	tokenMargin time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// SessionStoreOptions tunes the store.
type SessionStoreOptions struct {
	HTTPClient    *http.Client
	TokenMargin   time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// NewSessionStore builds the store. A positive SweepInterval starts the
// background sweeper; zero disables it (tests call Sweep directly).
func NewSessionStore(registry *Registry, opts SessionStoreOptions) *SessionStore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &SessionStore{
		registry:    registry,
		httpClient:  opts.HTTPClient,
		tokenMargin: opts.TokenMargin,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		sessions:    make(map[string]*sessionEntry),
		stopSweep:   make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go s.sweeper(opts.SweepInterval)
	}
	return s
}

// Client returns the upstream client for an identity, creating it on first
// use. Creation is double-checked so concurrent first calls share one
// client.
func (s *SessionStore) Client(ctx context.Context, identity string) (*Client, error) {
	s.mu.Lock()
	if entry, ok := s.sessions[identity]; ok {
		entry.lastUsed = time.Now()
		client := entry.client
		s.mu.Unlock()
		return client, nil
	}
	s.mu.Unlock()

	pair, err := s.registry.Resolve(identity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[identity]; ok {
		entry.lastUsed = time.Now()
		return entry.client, nil
	}
	auth := NewAuthManager(pair, s.httpClient, s.tokenMargin)
	client := NewClient(pair, auth, s.httpClient)
	s.sessions[identity] = &sessionEntry{client: client, lastUsed: time.Now()}
	s.logger.Info("upstream session created", "identity", identity)
	return client, nil
}

// Evict drops an identity's session immediately.
func (s *SessionStore) Evict(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[identity]; ok {
		entry.client.Invalidate()
		delete(s.sessions, identity)
	}
}

// Sweep evicts sessions idle past the timeout and returns how many went.
func (s *SessionStore) Sweep() int {
	cutoff := time.Now().Add(-s.idleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for identity, entry := range s.sessions {
		if entry.lastUsed.Before(cutoff) {
			entry.client.Invalidate()
			delete(s.sessions, identity)
			count++
		}
	}
	if count > 0 {
		s.logger.Info("upstream sessions evicted", "count", count)
	}
	return count
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// Close stops the sweeper and drops every session.
func (s *SessionStore) Close() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for identity, entry := range s.sessions {
		entry.client.Invalidate()
		delete(s.sessions, identity)
	}
}
