package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/ignite/sparkpost-monitor/internal/auth"
	"github.com/ignite/sparkpost-monitor/internal/config"
	"github.com/redis/go-redis/v9"
)

// Server is the Operator Surface's HTTP server: the chi router plus the
// dependencies its route groups (health checks, the Job Controller) are
// wired against as they're registered.
type Server struct {
	config      config.ServerConfig
	handler     http.Handler
	server      *http.Server
	authManager *auth.AuthManager
	router      *chi.Mux
	apiRouter   chi.Router // sub-router for /api (carries auth middleware)
	mailingDB   *sql.DB

	// S3 client/bucket for the Job Archive, wired in by SetArchiveStorage so
	// the health checker can HeadBucket it.
	s3Client     *s3.Client
	archiveBucket string

	// Redis client, checked by the health routes
	redisClient *redis.Client
}

// NewServer creates an API server with no authentication (local/dev use).
func NewServer(cfg config.ServerConfig) *Server {
	router, apiRouter := SetupRoutes(nil)

	return &Server{
		config:    cfg,
		handler:   router,
		router:    router,
		apiRouter: apiRouter,
	}
}

// NewServerWithAuth creates an API server with Google OAuth authentication
// guarding the /api route group.
func NewServerWithAuth(cfg config.ServerConfig, authManager *auth.AuthManager) *Server {
	router, apiRouter := SetupRoutes(authManager)

	return &Server{
		config:      cfg,
		handler:     router,
		authManager: authManager,
		router:      router,
		apiRouter:   apiRouter,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Timeouts are generous to support large accounting log uploads and
		// long-polled job status. Individual endpoints use context deadlines
		// for tighter control.
		ReadTimeout:       5 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
