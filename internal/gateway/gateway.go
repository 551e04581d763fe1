// ABOUTME: Gateway orchestrator that wires the store, presence, channel, and engines
// ABOUTME: Manages the HTTP server, background loops, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fleetforge/fleet-gateway/internal/auth"
	"github.com/fleetforge/fleet-gateway/internal/channel"
	"github.com/fleetforge/fleet-gateway/internal/config"
	"github.com/fleetforge/fleet-gateway/internal/engine"
	"github.com/fleetforge/fleet-gateway/internal/packstore"
	"github.com/fleetforge/fleet-gateway/internal/presence"
	"github.com/fleetforge/fleet-gateway/internal/registry"
	"github.com/fleetforge/fleet-gateway/internal/schedule"
	"github.com/fleetforge/fleet-gateway/internal/store"
)

// Gateway orchestrates the fleet-gateway server components. It owns the HTTP
// server for the operator API and agent websocket connections, and the
// background loops for heartbeat expiry and schedule sweeps.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	tracker    *presence.Tracker
	hub        *channel.Hub
	engine     *engine.Engine
	schedules  *schedule.Engine
	packages   packstore.Store
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initPackages selects the package registry backend from config.
func initPackages(cfg *config.Config, logger *slog.Logger) packstore.Store {
	if cfg.Packages.BaseURL != "" {
		logger.Info("using remote package registry", "base_url", cfg.Packages.BaseURL)
		return packstore.NewHTTPStore(cfg.Packages.BaseURL)
	}
	logger.Warn("packages.base_url not configured, using in-memory package registry")
	return packstore.NewMemory()
}

// authMiddleware returns the API middleware for the configured auth mode.
func authMiddleware(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Auth.JWTSecret != "" {
		logger.Info("HTTP auth middleware enabled")
		return auth.HTTPAuthMiddleware(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)))
	}
	logger.Warn("HTTP auth disabled - no jwt_secret configured")
	return auth.DevAuthMiddleware()
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(s, logger.With("component", "registry"))
	tracker := presence.NewTracker(reg, s, logger)
	hub := channel.NewHub(logger)
	packages := initPackages(cfg, logger)
	eng := engine.New(s, tracker, hub, packages, logger)
	schedules := schedule.New(s, eng, packages, logger)

	g := &Gateway{
		config:    cfg,
		store:     s,
		registry:  reg,
		tracker:   tracker,
		hub:       hub,
		engine:    eng,
		schedules: schedules,
		packages:  packages,
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	// Agent websocket - authenticated by per-agent credential, not JWT
	mux.HandleFunc("/ws/agent", g.handleAgentSocket)

	// Operator API - JWT scoped to the token's tenant, or dev mode
	mw := authMiddleware(cfg, logger)
	mux.Handle("/api/agents", mw(http.HandlerFunc(g.handleAgents)))
	mux.Handle("/api/agents/", mw(http.HandlerFunc(g.handleAgentRoutes)))
	mux.Handle("/api/executions", mw(http.HandlerFunc(g.handleExecutions)))
	// Execution subroutes also accept agent credentials: the status-report
	// fallback is agent-facing.
	mux.Handle("/api/executions/", g.agentOrOperator(mw, http.HandlerFunc(g.handleExecutionRoutes)))
	mux.Handle("/api/schedules", mw(http.HandlerFunc(g.handleSchedules)))
	mux.Handle("/api/schedules/", mw(http.HandlerFunc(g.handleScheduleRoutes)))

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the gateway's HTTP handler, for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the gateway server and background loops, blocking until the
// context is canceled. Returns nil on graceful shutdown or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go g.tracker.Monitor(loopCtx, g.config.Agents.HeartbeatInterval, g.config.Agents.HeartbeatTimeout, g.dropConnections)
	go g.schedules.Run(loopCtx, g.config.Scheduler.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
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

// dropConnections tears down the channel connections of heartbeat-expired
// agents. Their write pumps close the sockets, prompting a reconnect.
func (g *Gateway) dropConnections(agentIDs []string) {
	for _, id := range agentIDs {
		g.hub.Drop(id)
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Tell connected agents the gateway is draining so they can reconnect
	// elsewhere instead of waiting out the heartbeat timeout.
	for _, tenantID := range g.hub.Tenants() {
		g.hub.Broadcast(ctx, tenantID, &channel.Notification{
			Type:    "gateway_draining",
			Message: "gateway shutting down",
		})
	}

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListTenantsWithSchedules(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
