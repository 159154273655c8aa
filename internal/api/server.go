// Package api serves the observability surface: /health with a
// per-component verdict, /metrics as a plain-text document, /api/snapshot
// with the full status, and /ws streaming bus events to observers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mercury/internal/bus"
	"mercury/internal/config"
)

// Server runs the HTTP/WebSocket observability API.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	bridge   *Bridge
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the observability server. The bus may be nil when event
// streaming is not wanted (tests).
func NewServer(
	cfg config.ServerConfig,
	fullCfg config.Config,
	providers Providers,
	b *bus.Bus,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(providers, fullCfg, hub, logger)

	var bridge *Bridge
	if b != nil {
		bridge = NewBridge(b, hub, logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/metrics", handlers.HandleMetrics)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		bridge:   bridge,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// Start attaches the bus bridge and runs the listener. Blocks until the
// server shuts down.
func (s *Server) Start() error {
	if s.bridge != nil {
		s.bridge.Start()
	}

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server and detaches from the bus.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	if s.bridge != nil {
		s.bridge.Stop()
	}
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
