package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"chatrelay/internal/bridge"
	"chatrelay/internal/config"
	"chatrelay/internal/metric"
	"chatrelay/internal/registry"
	"chatrelay/internal/store"
	"chatrelay/internal/tasks"
)

// Server wires the core components into an HTTP service. It owns the outer
// surface only; fan-out, replication, and persistence decisions live in the
// registry, bridge, and store it delegates to.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	bridge   *bridge.Bridge
	store    *store.Store
	tasks    *tasks.Manager
	metrics  *metric.Metrics

	// baseCtx outlives individual requests; store and broker operations
	// triggered by a connection use it so a handler return mid-teardown
	// cannot cancel them.
	baseCtx   context.Context
	httpSrv   *http.Server
	startTime time.Time
}

// New assembles the server. ctx bounds all background work the server spawns
// and should be the process's run context.
func New(ctx context.Context, cfg *config.Config, reg *registry.Registry, br *bridge.Bridge, st *store.Store, tm *tasks.Manager, m *metric.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		bridge:    br,
		store:     st,
		tasks:     tm,
		metrics:   m,
		baseCtx:   ctx,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/instance", s.handleInstance)
	mux.HandleFunc("/chat/history", s.handleChatHistory)
	mux.HandleFunc("/tasks", s.handleCreateTask)
	mux.HandleFunc("/ws/", s.handleWebSocket)
	mux.Handle("/metrics", s.metricsHandler())

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe starts serving client traffic. Blocks until the server is
// shut down or fails.
func (s *Server) ListenAndServe() error {
	log.Printf("[Server] Listening on %s", s.cfg.ListenAddr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, waiting up to timeout for
// in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	log.Printf("[Server] Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// metricsHandler serves the Prometheus exposition, refreshing the uptime
// gauge on each scrape.
func (s *Server) metricsHandler() http.Handler {
	inner := s.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Uptime.Set(time.Since(s.startTime).Seconds())
		s.metrics.HTTPRequests.WithLabelValues(r.Method, "/metrics", "200").Inc()
		inner.ServeHTTP(w, r)
	})
}
