// ABOUTME: Gateway orchestrator wiring store, presence registry, relay, and HTTP server
// ABOUTME: Manages startup, the websocket endpoint, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/wallboard-gateway/internal/auth"
	"github.com/2389/wallboard-gateway/internal/config"
	"github.com/2389/wallboard-gateway/internal/presence"
	"github.com/2389/wallboard-gateway/internal/relay"
	"github.com/2389/wallboard-gateway/internal/session"
	"github.com/2389/wallboard-gateway/internal/store"
)

// Gateway orchestrates the wallboard-gateway server components: the
// persistence store, the presence registry, the relay, and the HTTP server
// carrying the websocket endpoint and the CRUD collaborator routes.
type Gateway struct {
	cfg        *config.Config
	store      store.Store
	registry   *presence.Registry
	relay      *relay.Relay
	verifier   auth.TokenVerifier
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Gateway from configuration, initializing the store and the
// in-memory coordination state.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	registry := presence.NewRegistry(cfg.Presence.DefaultStatus, logger)
	rl := relay.New(registry, st, relay.Config{
		BroadcastAudience:  cfg.Relay.BroadcastAudience,
		BroadcastEcho:      cfg.Relay.BroadcastEcho == nil || *cfg.Relay.BroadcastEcho,
		ObserverTeamFilter: cfg.Relay.ObserverTeamFilter,
		Statuses:           cfg.Presence.Statuses,
	}, logger)

	g := &Gateway{
		cfg:      cfg,
		store:    st,
		registry: registry,
		relay:    rl,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:   logger.With("component", "gateway"),
	}
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}
	return g, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /api/inbox", g.handleInbox)
	mux.HandleFunc("POST /api/messages/{id}/read", g.handleMarkRead)
	mux.HandleFunc("GET /api/wallboard", g.handleWallboard)
	return mux
}

// Handler exposes the HTTP handler, primarily for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// everything down: stop accepting, kick all live connections, close the
// store last.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}

	g.registry.Shutdown()

	if err := g.store.Close(); err != nil {
		g.logger.Warn("store close", "error", err)
	}
	return nil
}

// handleWS authenticates the upgrade request, accepts the websocket, and
// runs the session for the connection's whole lifetime.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	subject, err := g.authenticate(r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}

	sess := session.New(r.Context(), session.NewWebsocketTransport(conn),
		g.registry, g.relay, subject, session.Config{
			WriteTimeout: g.cfg.Session.WriteTimeout,
			SendBuffer:   g.cfg.Session.SendBuffer,
		}, g.logger)
	sess.Run()
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": g.registry.Len(),
	})
}
