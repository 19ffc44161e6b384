// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kite/internal/alerts"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/ledger"
	"github.com/opensource-finance/kite/internal/risk"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, ledgerSvc *ledger.Service, alertMgr *alerts.Manager, engine *risk.Engine, store domain.LedgerStore, counters domain.CounterStore, bus domain.EventBus, version string) *Server {
	handler := NewHandler(ledgerSvc, alertMgr, engine, store, counters, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Transaction ledger
	router.Post("/transactions", handler.CreateTransaction)
	router.Get("/transactions/{id}", handler.GetTransaction)
	router.Post("/transfers", handler.Transfer)

	// Per-user views
	router.Get("/users/{id}/transactions", handler.ListTransactions)
	router.Get("/users/{id}/balance", handler.GetBalance)
	router.Get("/users/{id}/alerts", handler.ListAlerts)
	router.Delete("/users/{id}/alerts", handler.ClearAlerts)

	// Risk rule overlay management
	router.Post("/risk/rules/reload", handler.ReloadRiskRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
