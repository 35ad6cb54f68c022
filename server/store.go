package server

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCodeNotFound is returned when an authorization code is unknown or expired.
	ErrCodeNotFound = errors.New("authorization code not found")
	// ErrCodeUsed is returned when an authorization code has already been consumed.
	ErrCodeUsed = errors.New("authorization code already used")
	// ErrTokenNotFound is returned when a refresh token is unknown or expired.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenReused is returned when an already-rotated refresh token is presented again.
	ErrTokenReused = errors.New("refresh token already rotated")
)

// Store persists OAuth state: clients, pending authorizations, codes, and
// tokens. The consume/rotate operations are atomic: under concurrent
// redemption exactly one caller succeeds.
type Store interface {
	SaveClient(client Client) error
	GetClient(id string) (Client, bool)

	SavePending(p PendingAuthorization) error
	ConsumePending(id string) (PendingAuthorization, bool)

	SaveAuthCode(code AuthorizationCode) error
	// ConsumeAuthCode marks the code used and returns it. A second call for
	// the same code returns the record with ErrCodeUsed so the caller can
	// revoke the token family minted from it.
	ConsumeAuthCode(code string) (AuthorizationCode, error)

	SaveAccessToken(t AccessToken) error
	GetAccessToken(value string) (AccessToken, bool)
	DeleteAccessToken(value string) error

	SaveRefreshToken(t RefreshToken) error
	GetRefreshToken(value string) (RefreshToken, bool)
	// RotateRefreshToken atomically marks the presented token revoked and
	// stores its successor, copying the presented token's identity, scope,
	// and family onto it. Returns the presented token's record;
	// ErrTokenReused if it was already rotated or revoked; ErrInvalidClient
	// if it belongs to a different client, in which case nothing is
	// persisted.
	RotateRefreshToken(old, clientID string, successor RefreshToken) (RefreshToken, error)

	// RevokeFamily invalidates every access and refresh token carrying the
	// family ID. Returns the number of tokens touched.
	RevokeFamily(familyID string) int

	// PurgeExpired drops expired codes, pendings, and tokens. Returns the
	// number of records removed.
	PurgeExpired() int

	Close() error
}

// OpenStore builds the configured backend.
func OpenStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case StoreMemory:
		return NewMemoryStore(cfg.CleanupInterval.Std()), nil
	case StoreBolt:
		return OpenBoltStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

// MemoryStore keeps all OAuth state in process memory. Suitable for the
// default single-instance deployment; a janitor goroutine purges expired
// records.
type MemoryStore struct {
	mu            sync.RWMutex
	clients       map[string]Client
	pending       map[string]PendingAuthorization
	authCodes     map[string]AuthorizationCode
	accessTokens  map[string]AccessToken
	refreshTokens map[string]RefreshToken

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStore constructs the store. A positive cleanupInterval starts the
// janitor; zero disables it (tests call PurgeExpired directly).
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		clients:       make(map[string]Client),
		pending:       make(map[string]PendingAuthorization),
		authCodes:     make(map[string]AuthorizationCode),
		accessTokens:  make(map[string]AccessToken),
		refreshTokens: make(map[string]RefreshToken),
		stopJanitor:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.janitor(cleanupInterval)
	}
	return s
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.PurgeExpired()
		case <-s.stopJanitor:
			return
		}
	}
}

// SaveClient stores a registered client.
func (s *MemoryStore) SaveClient(client Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
	return nil
}

// GetClient retrieves a client by ID.
func (s *MemoryStore) GetClient(id string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// SavePending stores an authorization awaiting the login form.
func (s *MemoryStore) SavePending(p PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.ID] = p
	return nil
}

// ConsumePending retrieves and removes a pending authorization.
func (s *MemoryStore) ConsumePending(id string) (PendingAuthorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return PendingAuthorization{}, false
	}
	delete(s.pending, id)
	if time.Now().After(p.ExpiresAt) {
		return PendingAuthorization{}, false
	}
	return p, true
}

// SaveAuthCode persists an authorization code.
func (s *MemoryStore) SaveAuthCode(code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
	return nil
}

// ConsumeAuthCode atomically marks a code used. Used codes stay in the map
// until expiry so a replay is distinguishable from an unknown code.
func (s *MemoryStore) ConsumeAuthCode(code string) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, ErrCodeNotFound
	}
	if time.Now().After(auth.ExpiresAt) {
		delete(s.authCodes, code)
		return AuthorizationCode{}, ErrCodeNotFound
	}
	if auth.Used {
		return auth, ErrCodeUsed
	}
	auth.Used = true
	s.authCodes[code] = auth
	return auth, nil
}

// SaveAccessToken stores an access token record.
func (s *MemoryStore) SaveAccessToken(t AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[t.Value] = t
	return nil
}

// GetAccessToken fetches a live access token. Expired tokens are not returned.
func (s *MemoryStore) GetAccessToken(value string) (AccessToken, bool) {
	s.mu.RLock()
	t, ok := s.accessTokens[value]
	s.mu.RUnlock()
	if !ok || time.Now().After(t.ExpiresAt) {
		return AccessToken{}, false
	}
	return t, true
}

// DeleteAccessToken removes an access token.
func (s *MemoryStore) DeleteAccessToken(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, value)
	return nil
}

// SaveRefreshToken stores or replaces a refresh token record.
func (s *MemoryStore) SaveRefreshToken(t RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[t.Value] = t
	return nil
}

// GetRefreshToken fetches a refresh token record, revoked or not.
func (s *MemoryStore) GetRefreshToken(value string) (RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refreshTokens[value]
	return t, ok
}

// RotateRefreshToken performs the rotation under one lock so concurrent
// redemptions of the same token cannot both succeed. The ownership check
// happens here so a mismatch never leaves a successor behind.
func (s *MemoryStore) RotateRefreshToken(old, clientID string, successor RefreshToken) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.refreshTokens[old]
	if !ok {
		return RefreshToken{}, ErrTokenNotFound
	}
	if prev.Revoked {
		return prev, ErrTokenReused
	}
	if time.Now().After(prev.ExpiresAt) {
		delete(s.refreshTokens, old)
		return RefreshToken{}, ErrTokenNotFound
	}
	if prev.ClientID != clientID {
		return prev, ErrInvalidClient
	}
	prev.Revoked = true
	s.refreshTokens[old] = prev
	successor.Identity = prev.Identity
	successor.Scope = prev.Scope
	successor.FamilyID = prev.FamilyID
	s.refreshTokens[successor.Value] = successor
	return prev, nil
}

// RevokeFamily drops every token in the family. Rotated refresh tokens are
// kept (already revoked) so later reuse attempts still hit ErrTokenReused.
func (s *MemoryStore) RevokeFamily(familyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for v, t := range s.accessTokens {
		if t.FamilyID == familyID {
			delete(s.accessTokens, v)
			count++
		}
	}
	for v, t := range s.refreshTokens {
		if t.FamilyID == familyID && !t.Revoked {
			t.Revoked = true
			s.refreshTokens[v] = t
			count++
		}
	}
	return count
}

// PurgeExpired removes expired records from all tables.
func (s *MemoryStore) PurgeExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for k, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, k)
			count++
		}
	}
	for k, c := range s.authCodes {
		if now.After(c.ExpiresAt) {
			delete(s.authCodes, k)
			count++
		}
	}
	for k, t := range s.accessTokens {
		if now.After(t.ExpiresAt) {
			delete(s.accessTokens, k)
			count++
		}
	}
	for k, t := range s.refreshTokens {
		if now.After(t.ExpiresAt) {
			delete(s.refreshTokens, k)
			count++
		}
	}
	return count
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
	return nil
}
