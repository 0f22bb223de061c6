package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/swarmsh/swarmsh/pkg/metrics"
)

// Server exposes a Monitor's most recent Report over HTTP, plus the
// Prometheus /metrics surface, for a long-lived Scheduler process.
type Server struct {
	monitor *Monitor
	mux     *http.ServeMux

	mu   sync.RWMutex
	last *Report
}

// NewServer wires /healthz and /metrics onto a fresh mux.
func NewServer(monitor *Monitor) *Server {
	s := &Server{monitor: monitor, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.healthzHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// ListenAndServe blocks serving the health/metrics mux on addr.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the mux for embedding into another server.
func (s *Server) Handler() http.Handler { return s.mux }

// RunAndCache executes one Monitor cycle and caches the Report for
// healthzHandler to serve without recomputing on every scrape.
func (s *Server) RunAndCache(ctx context.Context) (*Report, error) {
	r, err := s.monitor.Run(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
	return r, nil
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	report := s.last
	s.mu.RUnlock()

	if report == nil {
		var err error
		report, err = s.monitor.Run(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	statusCode := http.StatusOK
	if report.Status == StatusCritical {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(report)
}
