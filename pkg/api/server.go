package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/dyntrack/pkg/capture"
	"github.com/psaab/dyntrack/pkg/conntrack"
	"github.com/psaab/dyntrack/pkg/filter"
	"github.com/psaab/dyntrack/pkg/flowexport"
)

// Config configures the API server.
type Config struct {
	Addr     string
	Auth     *AuthConfig // nil = no authentication
	Engine   *filter.Engine
	GC       *conntrack.GC
	Captures func() []*capture.Capture // running capture loops, may be nil

	FlowExport *flowexport.Exporter // may be nil
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	engine     *filter.Engine
	gc         *conntrack.GC
	captures   func() []*capture.Capture
	exporter   *flowexport.Exporter
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:    cfg.Engine,
		gc:        cfg.GC,
		captures:  cfg.Captures,
		exporter:  cfg.FlowExport,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/dynamic/sessions", s.sessionsHandler)
	mux.HandleFunc("GET /api/v1/dynamic/summary", s.summaryHandler)
	mux.HandleFunc("GET /api/v1/dynamic/rules", s.rulesHandler)
	mux.HandleFunc("GET /api/v1/dynamic/events", s.eventsHandler)

	// Mutations
	mux.HandleFunc("POST /api/v1/dynamic/flush", s.flushHandler)
	mux.HandleFunc("DELETE /api/v1/dynamic/rules/{id}", s.deleteRuleHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/dynamic/events/stream", s.eventStreamHandler)
	mux.HandleFunc("GET /api/v1/logs/stream", s.logStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Streaming handlers end with ctx.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
