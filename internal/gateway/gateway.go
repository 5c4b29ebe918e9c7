// ABOUTME: Gateway orchestrator wiring store, sessions, routing, and the HTTP API
// ABOUTME: Manages listener setup (TCP or Tailscale) and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/tetherhq/tether-gateway/internal/config"
	"github.com/tetherhq/tether-gateway/internal/connector/matrix"
	"github.com/tetherhq/tether-gateway/internal/dedupe"
	"github.com/tetherhq/tether-gateway/internal/forward"
	"github.com/tetherhq/tether-gateway/internal/httpapi"
	"github.com/tetherhq/tether-gateway/internal/media"
	"github.com/tetherhq/tether-gateway/internal/router"
	"github.com/tetherhq/tether-gateway/internal/session"
	"github.com/tetherhq/tether-gateway/internal/store"
)

// typingInterval is how often the typing indicator is refreshed while a
// forward call is in flight.
const typingInterval = 3 * time.Second

// Gateway owns the tether-gateway server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	registry    *session.Registry
	dedupe      *dedupe.Cache
	media       *media.Store
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TETHER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	sqlStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	dedupeCache := dedupe.New(5*time.Minute, 100_000) // TTL 5min, max 100k entries

	mediaStore, err := media.NewStore(cfg.Media.Dir, cfg.Media.TTL, logger.With("component", "media"))
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("initializing media store: %w", err)
	}

	forwarder := forward.New(cfg.AI.RequestTimeout, logger.With("component", "forward"))
	typing := router.NewTypingCoordinator(typingInterval, logger.With("component", "typing"))
	msgRouter := router.New(forwarder, mediaStore, dedupeCache, typing, logger.With("component", "router"))

	dialer := matrix.NewDialer(matrix.Config{
		Homeserver:       cfg.Connector.Homeserver,
		CredentialsDir:   cfg.Connector.CredentialsDir,
		ProvisionBaseURL: cfg.Connector.ProvisionBaseURL,
		Logger:           logger,
	})

	registry := session.NewRegistry(session.RegistryConfig{
		Store:  sqlStore,
		Dialer: dialer,
		Router: msgRouter,
		Timings: session.Timings{
			PairingExpiry:      cfg.Pairing.Expiry,
			PairingWaitTimeout: cfg.Pairing.WaitTimeout,
			ReconnectTimeout:   cfg.Pairing.ReconnectTimeout,
		},
		AIBaseURL:  cfg.AI.BaseURL,
		AppBaseURL: cfg.App.BaseURL,
		Logger:     logger,
	})

	api := httpapi.NewServer(registry, sqlStore, cfg.CORS.AllowedOrigins, logger)

	gw := &Gateway{
		config:   cfg,
		store:    sqlStore,
		registry: registry,
		dedupe:   dedupeCache,
		media:    mediaStore,
		logger:   logger.With("component", "gateway"),
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Registry exposes the session registry, mainly for bootstrap.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// Run starts the gateway and blocks until the context is canceled or the
// server fails. Stored sessions are restored before serving.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.registry.Bootstrap(ctx); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if
// not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tether-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on :80.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, disposes live connections without
// terminating their records, and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.Close(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()
	g.media.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
