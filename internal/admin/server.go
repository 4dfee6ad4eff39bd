// Package admin exposes the trading engine's operational surface: a
// JSON status endpoint describing live intents and balances, and a
// Prometheus /metrics endpoint, for the ops dashboard/alerting spec.md
// §6 calls for without mandating a particular UI.
//
// Grounded on the teacher's internal/api/server.go mux-plus-handlers
// shape, with the bare net/http.ServeMux the teacher used replaced by
// gorilla/mux (routed the way uhyunpark-hyperlicked/pkg/api/server.go
// subroutes its REST surface) and rs/cors for the allowed-origins check,
// since the teacher's dashboard was same-origin and never needed one.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/arbot/tradecore/internal/config"
)

// Server runs the admin HTTP surface.
type Server struct {
	cfg      config.AdminConfig
	handlers *handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the admin HTTP surface, wiring provider as the source
// of truth for the /status endpoint's live snapshot.
func NewServer(cfg config.AdminConfig, provider StatusProvider, fullCfg config.Config, logger *slog.Logger) *Server {
	h := newHandlers(provider, fullCfg, logger)

	router := mux.NewRouter()
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: h,
		server:   httpServer,
		logger:   logger.With("component", "admin-server"),
	}
}

// Start runs the admin HTTP server until Stop is called or it fails.
func (s *Server) Start() error {
	s.logger.Info("admin server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
