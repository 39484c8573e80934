// Package server exposes the HTTP API: session management, NDJSON
// turn streaming, canvas reads and usage reporting.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draftwise/draftwise/internal/canvas"
	"github.com/draftwise/draftwise/internal/quota"
	"github.com/draftwise/draftwise/internal/session"
)

// Config configures the HTTP server.
type Config struct {
	Host        string
	HTTPPort    int
	MetricsPort int
}

// Server serves the draftwise HTTP API.
type Server struct {
	runtime *session.Runtime
	canvas  *canvas.Manager
	gate    *quota.Gate
	logger  *slog.Logger
	config  Config

	httpServer    *http.Server
	metricsServer *http.Server
}

// New wires the API server from its collaborators.
func New(runtime *session.Runtime, cm *canvas.Manager, gate *quota.Gate, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runtime: runtime,
		canvas:  cm,
		gate:    gate,
		logger:  logger.With("component", "server"),
		config:  config,
	}
}

// Handler returns the API routes. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleOpenSession)
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleHistory)
	mux.HandleFunc("GET /v1/documents/{id}", s.handleDocument)
	mux.HandleFunc("GET /v1/tenants/{tenant}/usage", s.handleUsage)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start begins serving. It returns once the listeners are bound; serve
// errors are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", addr)

	if s.config.MetricsPort > 0 && s.config.MetricsPort != s.config.HTTPPort {
		metricsAddr := fmt.Sprintf("%s:%d", s.config.Host, s.config.MetricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("starting metrics server", "addr", metricsAddr)
	}

	return nil
}

// Shutdown drains the servers.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown error", "error", err)
		}
	}
}
