// Package api exposes the plugin control surface over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kmorwood/stevedore/internal/events"
	"github.com/kmorwood/stevedore/internal/journal"
	"github.com/kmorwood/stevedore/internal/registry"
)

// Controller is the plugin control router the API delegates to.
type Controller interface {
	Start(ctx context.Context, path string) ([]registry.Status, error)
	StartDir(ctx context.Context, dir string) ([]registry.Status, error)
	Rescan(ctx context.Context) ([]registry.Status, error)
	Stop(ctx context.Context, nameOrPath string) (string, error)
	List() []registry.Status
}

// JournalReader serves the lifecycle audit log. May be nil.
type JournalReader interface {
	Tail(ctx context.Context, limit int) ([]journal.Record, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token required on every non-healthz route.
	APIKey string
}

// Server is the HTTP control server.
type Server struct {
	config    Config
	control   Controller
	journal   JournalReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. hub may be nil to disable /events.
func New(config Config, control Controller, jr JournalReader, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		control:   control,
		journal:   jr,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// start/startdir/rescan suspend until every handshake in the batch
		// reports; the write timeout must outlast the manifest watchdog.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected control surface.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/plugin/start", s.handleStart)
		r.Post("/plugin/startdir", s.handleStartDir)
		r.Post("/plugin/rescan", s.handleRescan)
		r.Post("/plugin/stop", s.handleStop)
		r.Get("/plugins", s.handleList)
		r.Get("/journal", s.handleJournal)
		if s.events != nil {
			r.Get("/events", s.handleEvents)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
