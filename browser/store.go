// Package browser manages shared headless-browser automation for the
// upstream web UI. One browser process is shared; each key gets its own
// incognito context so identities never see each other's cookies.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrLaunch means the shared browser process could not be started.
var ErrLaunch = errors.New("browser launch failed")

// Context is one isolated browser context, keyed by identity.
type Context struct {
	Key           string
	Authenticated bool

	browser  *rod.Browser
	close    func() error
	lastUsed time.Time
}

// Options tunes the store.
type Options struct {
	Headless      bool
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Store hands out incognito contexts backed by a lazily launched shared
// browser. Idle contexts are closed by a background sweep.
type Store struct {
	headless    bool
	idleTimeout time.Duration
	logger      *slog.Logger

	mu            sync.Mutex
	shared        *rod.Browser
	sharedCleanup func()
	entries       map[string]*Context

	// newContext creates an isolated context. Tests replace it to avoid
	// launching a real browser.
	newContext func(ctx context.Context) (*rod.Browser, func() error, error)

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewStore builds the store. The browser itself is not launched until the
// first Context call. A positive SweepInterval starts the sweeper.
func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		headless:    opts.Headless,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		entries:     make(map[string]*Context),
		stopSweep:   make(chan struct{}),
	}
	s.newContext = s.incognito
	if opts.SweepInterval > 0 {
		go s.sweeper(opts.SweepInterval)
	}
	return s
}

// Context returns the browser context for a key, creating it on first use.
func (s *Store) Context(ctx context.Context, key string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry, nil
	}

	browser, closeFn, err := s.newContext(ctx)
	if err != nil {
		return nil, err
	}
	entry := &Context{
		Key:      key,
		browser:  browser,
		close:    closeFn,
		lastUsed: time.Now(),
	}
	s.entries[key] = entry
	s.logger.Info("browser context created", "key", key)
	return entry, nil
}

// incognito launches the shared browser if needed and opens an isolated
// context on it. Caller holds s.mu. The launch and connect run under the
// caller's ctx so a hung browser start can be cancelled; the retained shared
// handle is re-scoped afterwards so it does not die with that caller.
func (s *Store) incognito(ctx context.Context) (*rod.Browser, func() error, error) {
	if s.shared == nil {
		l := launcher.New().Headless(s.headless).Context(ctx)
		controlURL, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
		b := rod.New().ControlURL(controlURL).Context(ctx)
		if err := b.Connect(); err != nil {
			l.Cleanup()
			return nil, nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
		shared := b.Context(context.Background())
		s.shared = shared
		s.sharedCleanup = func() {
			_ = shared.Close()
			l.Cleanup()
		}
	}
	inc, err := s.shared.Context(ctx).Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("open incognito context: %w", err)
	}
	inc = inc.Context(context.Background())
	return inc, inc.Close, nil
}

// Login drives the upstream web login form inside the context and marks it
// authenticated.
func (s *Store) Login(ctx context.Context, entry *Context, webURL, username, password string) error {
	page, err := entry.browser.Page(proto.TargetCreateTarget{URL: webURL})
	if err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	page = page.Context(ctx)
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("load login page: %w", err)
	}

	userField, err := page.Element(`input[name="username"]`)
	if err != nil {
		return fmt.Errorf("find username field: %w", err)
	}
	if err := userField.Input(username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	passField, err := page.Element(`input[name="password"]`)
	if err != nil {
		return fmt.Errorf("find password field: %w", err)
	}
	if err := passField.Input(password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	submit, err := page.Element(`button[type="submit"]`)
	if err != nil {
		return fmt.Errorf("find submit button: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("post-login load: %w", err)
	}

	entry.Authenticated = true
	s.logger.Info("browser login complete", "key", entry.Key)
	return nil
}

// Close drops one context.
func (s *Store) Close(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	if err := entry.close(); err != nil {
		s.logger.Warn("browser context close failed", "key", key, "error", err)
	}
	return true
}

// Sweep closes contexts idle past the timeout and returns how many went.
func (s *Store) Sweep() int {
	cutoff := time.Now().Add(-s.idleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, entry := range s.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(s.entries, key)
			if err := entry.close(); err != nil {
				s.logger.Warn("browser context close failed", "key", key, "error", err)
			}
			count++
		}
	}
	if count > 0 {
		s.logger.Info("browser contexts evicted", "count", count)
	}
	return count
}

// Len reports the number of live contexts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) sweeper(interval time.Duration) {
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

// CloseAll stops the sweeper, closes every context, and tears down the
// shared browser.
func (s *Store) CloseAll() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		delete(s.entries, key)
		_ = entry.close()
	}
	if s.sharedCleanup != nil {
		s.sharedCleanup()
		s.shared = nil
		s.sharedCleanup = nil
	}
}
