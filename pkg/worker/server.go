package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPort is the operational HTTP port when none is configured.
const DefaultPort = 3002

// StatusReporter is the runtime surface the HTTP server reads from.
type StatusReporter interface {
	Status() map[string]EnvStatus
	StartedAt() time.Time
}

// Server exposes the operational endpoints: /health and /metrics.
// Everything else is 404; the worker has no request-serving surface.
type Server struct {
	runtime StatusReporter
	httpSrv *http.Server
	logger  *log.Logger
}

// healthResponse is the /health body.
type healthResponse struct {
	Status       string               `json:"status"`
	Uptime       string               `json:"uptime"`
	Environments map[string]EnvStatus `json:"environments"`
}

// NewServer builds the operational HTTP server on the given port.
func NewServer(rt StatusReporter, metrics *Metrics, port int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		runtime: rt,
		logger:  logger.WithPrefix("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving the operational endpoints.
func (s *Server) ListenAndServe() error {
	s.logger.Info("operational endpoints up", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Uptime:       time.Since(s.runtime.StartedAt()).Round(time.Second).String(),
		Environments: s.runtime.Status(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("health encode failed", "err", err)
	}
}
