package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SourceReport is the per-source slice of the detailed health report.
type SourceReport struct {
	ID          uint64 `json:"id"`
	URI         string `json:"uri"`
	State       string `json:"state"`
	Health      Status `json:"health"`
	Breaker     string `json:"breaker"`
	Recovery    string `json:"recovery"`
	Attempt     int    `json:"attempt,omitempty"`
	Quarantined bool   `json:"quarantined"`
	LastError   string `json:"last_error,omitempty"`
}

// Reporter produces the detailed report; implemented by the controller.
type Reporter interface {
	HealthReport(ctx context.Context) []SourceReport
}

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	reporter Reporter
	server   *http.Server
}

// NewServer creates a new health server.
func NewServer(reporter Reporter, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		reporter: reporter,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.reporter.HealthReport(r.Context())

	// Worst case wins.
	status := StatusHealthy
	for _, src := range report {
		if src.Health == StatusUnhealthy {
			status = StatusUnhealthy
			break
		}
		if src.Health == StatusDegraded {
			status = StatusDegraded
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.reporter.HealthReport(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
