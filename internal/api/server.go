// Package api exposes the daemon's HTTP surface: schedule management,
// ad-hoc scan submission, snapshot browsing, diffs, and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/diff"
	"github.com/TakashiAihara/nmapper-sub001/internal/dispatch"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
	"github.com/TakashiAihara/nmapper-sub001/internal/metrics"
	"github.com/TakashiAihara/nmapper-sub001/internal/scheduler"
	"github.com/TakashiAihara/nmapper-sub001/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP API front end over the daemon's subsystems.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	cfg        config.APIConfig
	queue      *dispatch.Queue
	sched      *scheduler.Scheduler
	store      *storage.Store
	differ     *diff.Engine
	metrics    *metrics.Metrics
	logger     *logging.Logger
	version    string
	startTime  time.Time
}

// New creates the API server over the given subsystems. The store may
// be nil when persistence is disabled; snapshot endpoints then return
// not-found.
func New(cfg config.APIConfig, queue *dispatch.Queue, sched *scheduler.Scheduler,
	store *storage.Store, differ *diff.Engine, m *metrics.Metrics, version string) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		cfg:       cfg,
		queue:     queue,
		sched:     sched,
		store:     store,
		differ:    differ,
		metrics:   m,
		logger:    logging.Default().WithComponent("api"),
		version:   version,
		startTime: time.Now(),
	}
	s.setupRoutes()
	s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:           cfg.Address(),
		Handler:        s.router,
		ReadTimeout:    cfg.RequestTimeout,
		WriteTimeout:   cfg.RequestTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Router returns the configured router, used by tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api.HandleFunc("/scans", s.handleSubmitScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", s.handleListScans).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleQueueStatus).Methods(http.MethodGet)

	api.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", s.handleUpdateSchedule).Methods(http.MethodPut)
	api.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/enable", s.handleEnableSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/disable", s.handleDisableSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/run", s.handleRunSchedule).Methods(http.MethodPost)

	api.HandleFunc("/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/latest", s.handleLatestSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/{id}", s.handleGetSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/diff", s.handleDiff).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	if s.cfg.EnableCORS {
		origins := s.cfg.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		s.router.Use(handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		))
	}
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in request handler",
					"panic", fmt.Sprintf("%v", rec),
					"path", r.URL.Path)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String())
	})
}
