package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves the prometheus scrape endpoint on its own port so
// monitoring never competes with operator traffic.
type MetricsServer struct {
	logger     *zap.Logger
	httpServer *http.Server
}

// NewMetricsServer builds the scrape endpoint server.
func NewMetricsServer(port int, logger *zap.Logger) *MetricsServer {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods("GET")

	return &MetricsServer{
		logger: logger,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start runs the server until Shutdown.
func (m *MetricsServer) Start() error {
	m.logger.Info("metrics listening", zap.String("addr", m.httpServer.Addr))
	if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.httpServer.Shutdown(ctx)
}
