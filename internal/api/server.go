// Package api is the admin HTTP surface: status and control endpoints,
// a websocket event stream, and Prometheus metrics. It talks to the
// engine only through the Source interface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/internal/config"
)

// Server owns the listener, the websocket hub and the event fan-out.
type Server struct {
	cfg      config.AdminConfig
	src      Source
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. Start must be called to serve.
func NewServer(cfg config.AdminConfig, src Source, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(src, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("POST /api/baskets", handlers.HandleCreateBasket)
	mux.HandleFunc("POST /api/start", handlers.HandleStart)
	mux.HandleFunc("POST /api/stop", handlers.HandleStop)
	mux.HandleFunc("POST /api/emergency-close", handlers.HandleEmergencyClose)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		cfg:      cfg,
		src:      src,
		hub:      hub,
		handlers: handlers,
		logger:   logger.With("component", "api-server"),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until Stop. It blocks; run it in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("admin server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents fans the engine's event stream out to every websocket
// client.
func (s *Server) consumeEvents() {
	for evt := range s.src.Events() {
		s.hub.BroadcastEvent(evt)
	}
}
