package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/server/handler"
	"github.com/alanyoungcy/campusclash/internal/server/middleware"
	"github.com/alanyoungcy/campusclash/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKeyHash is a bcrypt hash; empty disables API key checks.
	APIKeyHash     string
	IdentityHeader string
	// WagerRateLimit is the number of wagers a caller may place per minute;
	// 0 disables the limit.
	WagerRateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Users      *handler.UserHandler
	Markets    *handler.MarketHandler
	Positions  *handler.PositionHandler
	Settlement *handler.SettlementHandler
}

// Server is the HTTP + WebSocket API of the ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// wsHub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	throttle := middleware.RateLimit(limiter, cfg.WagerRateLimit, time.Minute, logger)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/users", handlers.Users.Register)
	mux.HandleFunc("GET /api/users/{id}", handlers.Users.GetUser)
	mux.HandleFunc("GET /api/users/{id}/positions", handlers.Positions.ListUserPositions)
	mux.HandleFunc("POST /api/users/{id}/withdrawals", handlers.Users.Withdraw)
	mux.HandleFunc("POST /api/users/{id}/adjustments", handlers.Users.Adjust)

	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/pool", handlers.Markets.GetPool)

	mux.Handle("POST /api/markets/{id}/wagers", throttle(http.HandlerFunc(handlers.Positions.PlaceWager)))
	mux.HandleFunc("GET /api/markets/{id}/positions", handlers.Positions.ListMarketPositions)

	mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Settlement.Settle)
	mux.HandleFunc("GET /api/markets/{id}/receipt", handlers.Settlement.Receipt)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	identity := cfg.IdentityHeader
	if identity == "" {
		identity = middleware.DefaultIdentityHeader
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKeyHash, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Identity(identity)(h)
	h = middleware.CORS(cfg.CORSOrigins, identity)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
