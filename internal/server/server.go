package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/metrics"
	"github.com/alanyoungcy/algobot/internal/server/handler"
	"github.com/alanyoungcy/algobot/internal/server/middleware"
	"github.com/alanyoungcy/algobot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is the per-client request budget per minute; zero disables
	// it. It needs Limiter.
	RateLimit int
	Limiter   domain.RateLimiter
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Orders    *handler.OrderHandler
	PnL       *handler.PnLHandler
	Webhook   *handler.WebhookHandler
	Strategy  *handler.StrategyHandler
}

// Server is the HTTP + WebSocket API server of the risk engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths bypass API-key auth. Webhooks carry their own HMAC signature.
var publicPaths = []string{"/api/health", "/api/webhook/", "/metrics"}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/risk/status", handlers.Status.GetStatus)

	// Positions and groups.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/orders", handlers.Orders.ListByPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
	mux.HandleFunc("GET /api/groups/{id}", handlers.Positions.GetGroup)

	// Orders.
	mux.HandleFunc("GET /api/orders/pending", handlers.Orders.ListPending)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)

	// Strategies.
	mux.HandleFunc("GET /api/strategies", handlers.Strategy.ListStrategies)
	mux.HandleFunc("GET /api/strategies/{id}", handlers.Strategy.GetStrategy)
	mux.HandleFunc("PUT /api/strategies/{id}", handlers.Strategy.UpsertStrategy)
	mux.HandleFunc("PUT /api/strategies/{id}/mappings/{mapping_id}", handlers.Strategy.UpsertMapping)
	mux.HandleFunc("POST /api/strategies/{id}/close-all", handlers.Positions.CloseAll)
	mux.HandleFunc("PUT /api/credentials/{user_id}", handlers.Strategy.PutCredentials)

	// PnL.
	mux.HandleFunc("GET /api/pnl", handlers.PnL.History)
	mux.HandleFunc("POST /api/pnl/snapshot", handlers.PnL.Snapshot)
	mux.HandleFunc("GET /api/pnl/archives", handlers.PnL.Archives)

	mux.HandleFunc("POST /api/webhook/{strategy_id}", handlers.Webhook.Receive)
	mux.Handle("GET /metrics", metrics.Handler())

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if cfg.RateLimit > 0 && cfg.Limiter != nil {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
