package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"officebridge/bridge"
	"officebridge/browser"
	"officebridge/server"
	"officebridge/upstream"
)

func main() {
	configPath := flag.String("config", os.Getenv("OFFICEBRIDGE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized", "path", configFile)
			return
		case "validate":
			if _, err := loadConfig(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Server.Transport == server.TransportStdio {
		// stdout carries the MCP protocol stream on stdio.
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	store, err := server.OpenStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	registry, err := upstream.LoadRegistry(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	sessions := upstream.NewSessionStore(registry, upstream.SessionStoreOptions{
		HTTPClient:    &http.Client{Timeout: cfg.Upstream.RequestTimeout.Std()},
		TokenMargin:   cfg.Upstream.TokenMargin.Std(),
		IdleTimeout:   cfg.Sessions.IdleTimeout.Std(),
		SweepInterval: cfg.Sessions.SweepInterval.Std(),
		Logger:        logger,
	})
	defer sessions.Close()

	browserStore := browser.NewStore(browser.Options{
		Headless:      cfg.Browser.Headless,
		IdleTimeout:   cfg.Browser.IdleTimeout.Std(),
		SweepInterval: cfg.Browser.SweepInterval.Std(),
		Logger:        logger,
	})
	defer browserStore.CloseAll()

	app := server.NewApp(cfg, logger, store, registry)
	br := bridge.New(bridge.Deps{
		Sessions:       sessions,
		Browser:        browserStore,
		Registry:       registry,
		Logger:         logger,
		StaticIdentity: cfg.Server.StaticIdentity,
	})

	switch cfg.Server.Transport {
	case server.TransportStdio:
		return runStdio(ctx, br, logger)
	case server.TransportHTTP:
		return runHTTP(ctx, cfg, app, br, logger)
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}
}

func runStdio(ctx context.Context, br *bridge.Bridge, logger *slog.Logger) error {
	logger.Info("serving MCP over stdio")
	errCh := make(chan error, 1)
	go func() { errCh <- br.ServeStdio() }()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func runHTTP(ctx context.Context, cfg server.Config, app *server.App, br *bridge.Bridge, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", server.BearerAuthMiddleware(app.Tokens)(br.ServeHTTP()))
	mux.Handle("/", app.Routes())

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	logger.Info("server listening", "addr", cfg.Server.ListenAddr, "public_url", cfg.Server.PublicURL)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	data, err := yaml.Marshal(server.DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
