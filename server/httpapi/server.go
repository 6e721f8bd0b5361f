// Package httpapi serves the operational HTTP surface: Prometheus
// metrics, a liveness check and a queue status snapshot. It carries no
// user-facing mail functionality.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kitemail/kite/logger"
)

// Backend is the slice of the store the status endpoints need.
type Backend interface {
	Ping(ctx context.Context) error
	GetQueueStats(ctx context.Context) (map[string]int64, error)
}

// Server is the status/metrics HTTP listener.
type Server struct {
	addr    string
	backend Backend
	httpSrv *http.Server
}

// New creates the listener. It does not bind until Start.
func New(addr string, backend Backend) *Server {
	s := &Server{addr: addr, backend: backend}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop or a listener error. Blocks; run it in its
// own goroutine.
func (s *Server) Start() error {
	logger.Info("StatusServer: listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.backend.Ping(ctx); err != nil {
		logger.WarnContext(ctx, "StatusServer: health check failed", "error", err)
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := s.backend.GetQueueStats(ctx)
	if err != nil {
		logger.WarnContext(ctx, "StatusServer: queue stats failed", "error", err)
		http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"outbound_queue": stats,
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}
