package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apisetup "voice-gateway/internal/api"
	"voice-gateway/internal/bootstrap"
	"voice-gateway/internal/config"
	"voice-gateway/internal/observability"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	// shutdownTimeout bounds closing live calls and in-flight requests.
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server owns the HTTP listener that serves Twilio and the handover API.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	deps       *bootstrap.Dependencies
	config     *config.Config
	logger     *observability.Logger

	// serveErr receives the listener's terminal error.
	serveErr chan error
}

// New creates a new Server instance
func New(cfg *config.Config, deps *bootstrap.Dependencies, logger *observability.Logger) *Server {
	return &Server{
		config:   cfg,
		deps:     deps,
		logger:   logger,
		serveErr: make(chan error, 1),
	}
}

// Setup builds the router. The lookup API is called server to server, so
// CORS only matters for /health checks from dashboards.
func (s *Server) Setup() {
	s.router = gin.New()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}

	s.router.Use(gin.Recovery())
	s.router.Use(cors.New(corsConfig))
	s.router.Use(observability.Middleware(s.logger))

	var calls apisetup.CallCounter
	if s.deps.Sessions != nil {
		calls = s.deps.Sessions
	}
	api := apisetup.New(
		s.router.Group("/"),
		s.deps.VoiceCallHandler,
		s.deps.HandoverHandler,
		calls,
	)
	api.RegisterRoutes()
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the port and serves in the background. A bind failure is
// returned directly; later listener failures end WaitForShutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.logger.Info(ctx, fmt.Sprintf("Server listening on %s", listener.Addr()))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT, SIGTERM or a listener failure, then
// closes live calls before the listener and the backends.
func (s *Server) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-sigCtx.Done():
		s.logger.Info(ctx, "Shutting down server...")
	case serveErr = <-s.serveErr:
		s.logger.Error(ctx, "server stopped unexpectedly", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	// http.Server.Shutdown does not wait for hijacked websockets.
	if err := s.deps.Shutdown(shutdownCtx); err != nil {
		s.logger.WarnWithError(ctx, "dependencies did not shut down cleanly", err)
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.deps.Cleanup()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.deps.Cleanup()

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	s.logger.Info(ctx, "Server exited gracefully")
	return nil
}
