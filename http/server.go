// Package http serves the matching and training API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"recordlink/logging"
	"recordlink/monitor"
)

// Server wraps the API's http.Server.
type Server struct {
	server *http.Server
	config ServerConfig
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
}

// DefaultServerConfig returns the standard server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        30 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// NewServer builds the API server. A nil hub disables the websocket
// endpoint.
func NewServer(config ServerConfig, hub *monitor.Hub) *Server {
	mux := http.NewServeMux()
	RegisterHandlers(mux)
	RegisterTrainingHandlers(mux)

	chain := Chain(
		RecoveryMiddleware,
		LoggerMiddleware,
		SecurityHeadersMiddleware,
		CORSMiddleware(config.AllowedOrigins),
		TimeoutMiddleware(config.Timeout),
	)

	// The websocket route stays outside the chain: the upgrade needs to
	// hijack the raw connection and must not be bounded by the request
	// timeout.
	root := http.NewServeMux()
	root.Handle("/", chain(mux))
	if hub != nil {
		root.HandleFunc("GET /api/ws", hub.HandleWebSocket)
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      root,
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
			IdleTimeout:  120 * time.Second,
		},
		config: config,
	}
}

// Start blocks serving requests until the server shuts down.
func (s *Server) Start() error {
	logging.Infof("starting HTTP server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logging.Infof("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
