// Package api exposes the operator entrypoints over HTTP: cluster view,
// plan, execute, backup and restore. GetClusterView and Plan have no side
// effects; everything irreversible goes through the executor's
// confirmation gate.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/backup"
	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
	"github.com/fairhold/fleetwatch/internal/executor"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the operator-facing HTTP server.
type Server struct {
	cfg        config.ServerConfig
	spec       cluster.Spec
	driver     *cluster.Driver
	exec       *executor.Executor
	backups    *backup.Manager
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the operator API.
func NewServer(cfg config.ServerConfig, spec cluster.Spec, driver *cluster.Driver,
	exec *executor.Executor, backups *backup.Manager, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		spec:      spec,
		driver:    driver,
		exec:      exec,
		backups:   backups,
		logger:    logger,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // execute can wait on convergence
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/cluster", s.handleGetCluster)
		r.Get("/cluster/poll", s.handlePollCluster)
		r.Get("/plan", s.handleGetPlan)
		r.Post("/execute", s.handleExecute)
		r.Get("/backups", s.handleListBackups)
		r.Post("/backups", s.handleCreateBackup)
		r.Post("/restore", s.handleRestore)
	})
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("operator API listening", zap.Int("port", s.cfg.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
