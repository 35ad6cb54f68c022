package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and cache defaults
const (
	DefaultAccessTTL     = time.Hour
	DefaultRefreshTTL    = 24 * time.Hour
	DefaultCodeTTL       = 5 * time.Minute
	DefaultSessionIdle   = 30 * time.Minute
	DefaultBrowserIdle   = 15 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultLoginAttempts = 5
	DefaultLoginWindow   = time.Minute
)

// Transport modes recognized by the entrypoint.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// Duration wraps time.Duration so YAML configs can say "30m" or "90s".
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Registry  RegistryConfig  `yaml:"registry"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Browser   BrowserConfig   `yaml:"browser"`
}

// ServerConfig controls listener and transport concerns.
type ServerConfig struct {
	PublicURL      string `yaml:"public_url"`
	ListenAddr     string `yaml:"listen_addr"`
	Transport      string `yaml:"transport"`
	StaticIdentity string `yaml:"static_identity"`
}

// RegistryConfig points at the identity-to-credential mapping file.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig tunes outbound calls to the back-office API.
type UpstreamConfig struct {
	RequestTimeout Duration `yaml:"request_timeout"`
	TokenMargin    Duration `yaml:"token_margin"`
}

// TokenConfig holds the independently configurable OAuth lifetimes.
type TokenConfig struct {
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
	CodeTTL    Duration `yaml:"code_ttl"`
}

// StoreConfig selects the OAuth state backend.
type StoreConfig struct {
	Backend         string   `yaml:"backend"`
	Path            string   `yaml:"path"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// RateLimitConfig guards the login endpoint.
type RateLimitConfig struct {
	Attempts int      `yaml:"attempts"`
	Window   Duration `yaml:"window"`
}

// SessionConfig controls idle eviction of upstream sessions.
type SessionConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// BrowserConfig controls the browser-context store.
type BrowserConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
	Headless      bool     `yaml:"headless"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling so typos surface at startup, not at 3am.
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:      "http://127.0.0.1:8080",
			ListenAddr:     "127.0.0.1:8080",
			Transport:      TransportHTTP,
			StaticIdentity: "local",
		},
		Registry: RegistryConfig{Path: "data/registry.yaml"},
		Upstream: UpstreamConfig{
			RequestTimeout: Duration(60 * time.Second),
			TokenMargin:    Duration(time.Minute),
		},
		Tokens: TokenConfig{
			AccessTTL:  Duration(DefaultAccessTTL),
			RefreshTTL: Duration(DefaultRefreshTTL),
			CodeTTL:    Duration(DefaultCodeTTL),
		},
		Store: StoreConfig{
			Backend:         StoreMemory,
			Path:            "data/oauth.db",
			CleanupInterval: Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			Attempts: DefaultLoginAttempts,
			Window:   Duration(DefaultLoginWindow),
		},
		Sessions: SessionConfig{
			IdleTimeout:   Duration(DefaultSessionIdle),
			SweepInterval: Duration(DefaultSweepInterval),
		},
		Browser: BrowserConfig{
			IdleTimeout:   Duration(DefaultBrowserIdle),
			SweepInterval: Duration(DefaultSweepInterval),
			Headless:      true,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OFFICEBRIDGE_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"OFFICEBRIDGE_LISTEN_ADDR":     func(v string) { cfg.Server.ListenAddr = v },
		"OFFICEBRIDGE_TRANSPORT":       func(v string) { cfg.Server.Transport = v },
		"OFFICEBRIDGE_STATIC_IDENTITY": func(v string) { cfg.Server.StaticIdentity = v },
		"OFFICEBRIDGE_REGISTRY_PATH":   func(v string) { cfg.Registry.Path = v },
		"OFFICEBRIDGE_STORE_BACKEND":   func(v string) { cfg.Store.Backend = v },
		"OFFICEBRIDGE_STORE_PATH":      func(v string) { cfg.Store.Path = v },
		"OFFICEBRIDGE_ACCESS_TTL":      func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"OFFICEBRIDGE_REFRESH_TTL":     func(v string) { cfg.Tokens.RefreshTTL = parseDuration(v, cfg.Tokens.RefreshTTL) },
		"OFFICEBRIDGE_CODE_TTL":        func(v string) { cfg.Tokens.CodeTTL = parseDuration(v, cfg.Tokens.CodeTTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback Duration) Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return Duration(d)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("server.transport must be %q or %q, got: %s", TransportStdio, TransportHTTP, c.Server.Transport)
	}

	if c.Server.Transport == TransportStdio && c.Server.StaticIdentity == "" {
		return errors.New("server.static_identity is required in stdio mode")
	}
	if c.Registry.Path == "" {
		return errors.New("registry.path is required")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreBolt:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got: %s", StoreMemory, StoreBolt, c.Store.Backend)
	}

	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 || c.Tokens.CodeTTL <= 0 {
		return errors.New("tokens.access_ttl, tokens.refresh_ttl and tokens.code_ttl must be positive")
	}
	if c.RateLimit.Attempts <= 0 {
		return errors.New("rate_limit.attempts must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.Sessions.IdleTimeout <= 0 || c.Browser.IdleTimeout <= 0 {
		return errors.New("sessions.idle_timeout and browser.idle_timeout must be positive")
	}

	return nil
}
