package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"execution_core/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exports Prometheus metrics on /metrics and component health on /healthz
type Server struct {
	port     int
	gatherer prometheus.Gatherer
	health   http.Handler
	logger   core.ILogger
	srv      *http.Server
	addr     string
}

// NewServer creates a metrics server. A nil gatherer serves the default registry.
func NewServer(port int, gatherer prometheus.Gatherer, health http.Handler, logger core.ILogger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		port:     port,
		gatherer: gatherer,
		health:   health,
		logger:   logger.WithField("component", "metrics_server"),
	}
}

// Handler returns the server mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.health != nil {
		mux.Handle("/healthz", s.health)
	}
	return mux
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "addr", s.addr)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started
func (s *Server) Addr() string {
	return s.addr
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
