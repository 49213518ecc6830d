// Package server is the HTTP and websocket API for trading, market admin and
// the operator dashboard.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/config"
	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/server/handler"
	"github.com/alanyoungcy/ammhedge/internal/server/middleware"
	"github.com/alanyoungcy/ammhedge/internal/server/ws"
)

// Handlers aggregates the route handlers. Hub may be nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Trades  *handler.TradeHandler
	Markets *handler.MarketHandler
	Risk    *handler.RiskHandler
	Hub     *ws.Hub
}

// Server wraps http.Server with the API routes and middleware chain.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, access logging
// and API key auth. limiter may be nil to disable trade rate limiting.
func NewServer(cfg config.ServerConfig, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	var trade http.Handler = http.HandlerFunc(h.Trades.Submit)
	if limiter != nil && cfg.TradeRateLimit > 0 {
		trade = middleware.RateLimit(limiter, "trades", cfg.TradeRateLimit, cfg.TradeRateWindow.Duration, logger)(trade)
	}

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	// Trading
	mux.Handle("POST /api/trades", trade)
	mux.HandleFunc("POST /api/quotes", h.Trades.Quote)
	mux.HandleFunc("GET /api/orders", h.Trades.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.Trades.GetOrder)
	mux.HandleFunc("GET /api/users/{id}", h.Trades.Account)
	mux.HandleFunc("POST /api/users/{id}/deposits", h.Trades.Fund)

	// Markets
	mux.HandleFunc("POST /api/markets", h.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	mux.HandleFunc("PUT /api/markets/{id}/mapping", h.Markets.PutMapping)
	mux.HandleFunc("POST /api/markets/{id}/resolve", h.Markets.Resolve)
	mux.HandleFunc("POST /api/markets/{id}/cancel", h.Markets.Cancel)
	mux.HandleFunc("GET /api/markets/{id}/prices", h.Markets.Prices)

	// Operator dashboard
	mux.HandleFunc("GET /api/risk", h.Risk.Risk)
	mux.HandleFunc("GET /api/risk/history", h.Risk.RiskHistory)
	mux.HandleFunc("GET /api/hedges", h.Risk.ListHedges)
	mux.HandleFunc("GET /api/hedges/stats", h.Risk.HedgeStats)
	mux.HandleFunc("GET /api/hedges/journal", h.Risk.Journal)
	mux.HandleFunc("GET /api/hedge-config", h.Risk.GetHedgeConfig)
	mux.HandleFunc("PUT /api/hedge-config", h.Risk.PutHedgeConfig)
	mux.HandleFunc("GET /api/audit", h.Risk.AuditLog)

	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.Auth(cfg.APIKeys)(root)
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Trades wait on the venue fill.
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
