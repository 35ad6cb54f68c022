// Package upstream manages authentication and API access to the back-office
// service on behalf of bridge identities. Each identity maps to its own
// upstream credential pair; upstream passwords never leave this package.
package upstream

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when an identity has no registry entry.
var ErrNotFound = errors.New("identity not found")

// CredentialPair binds a bridge identity to its upstream account.
type CredentialPair struct {
	Identity         string `yaml:"-"`
	Password         string `yaml:"password"`
	UpstreamUsername string `yaml:"upstream_username"`
	UpstreamPassword string `yaml:"upstream_password"`
	UpstreamAPIURL   string `yaml:"upstream_api_url"`
	UpstreamWebURL   string `yaml:"upstream_web_url"`
}

type registryFile struct {
	Identities map[string]CredentialPair `yaml:"identities"`
}

// Registry is the identity-to-credential mapping, loaded from a YAML file.
// Reload swaps the mapping atomically so in-flight lookups see a consistent
// view.
type Registry struct {
	mu    sync.RWMutex
	path  string
	pairs map[string]CredentialPair
}

// LoadRegistry reads the registry file and validates every entry.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry builds a registry from in-memory pairs. Used for the
// stdio transport and in tests.
func NewStaticRegistry(pairs ...CredentialPair) *Registry {
	m := make(map[string]CredentialPair, len(pairs))
	for _, p := range pairs {
		m[p.Identity] = p
	}
	return &Registry{pairs: m}
}

// Reload re-reads the registry file and atomically replaces the mapping.
func (r *Registry) Reload() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}
	if len(file.Identities) == 0 {
		return errors.New("registry has no identities")
	}
	pairs := make(map[string]CredentialPair, len(file.Identities))
	for identity, pair := range file.Identities {
		if pair.Password == "" {
			return fmt.Errorf("identity %q: password required", identity)
		}
		if pair.UpstreamUsername == "" || pair.UpstreamPassword == "" {
			return fmt.Errorf("identity %q: upstream credentials required", identity)
		}
		if pair.UpstreamAPIURL == "" {
			return fmt.Errorf("identity %q: upstream_api_url required", identity)
		}
		pair.Identity = identity
		pairs[identity] = pair
	}

	r.mu.Lock()
	r.pairs = pairs
	r.mu.Unlock()
	return nil
}

// Resolve returns the credential pair for an identity.
func (r *Registry) Resolve(identity string) (CredentialPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pair, ok := r.pairs[identity]
	if !ok {
		return CredentialPair{}, ErrNotFound
	}
	return pair, nil
}

// Verify checks an identity's bridge password in constant time.
func (r *Registry) Verify(identity, password string) bool {
	r.mu.RLock()
	pair, ok := r.pairs[identity]
	r.mu.RUnlock()
	if !ok {
		// Burn comparable time for unknown identities.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pair.Password), []byte(password)) == 1
}

// Identities lists the registered identity names.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pairs))
	for name := range r.pairs {
		names = append(names, name)
	}
	return names
}
