// Package api serves the localhost admin and health endpoints: liveness,
// counters, job listings and recent lifecycle events. It is read-only; all
// state changes go through the replication engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/event"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/stats"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/store"
)

// Options wires the server to the service's read surfaces.
type Options struct {
	Listen string
	Store  *store.Store
	Stats  *stats.Collector
	Events *event.Ring
	// TickInterval sizes the liveness window for /healthz.
	TickInterval time.Duration
	Log          *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts Options
	log  *slog.Logger
	srv  *http.Server
	addr string
}

// New builds the server and its routes. It does not listen yet.
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	s := &Server{opts: opts, log: opts.Log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(opts.Log))

	r.GET("/healthz", s.health)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/events", s.listEvents)
	}

	s.srv = &http.Server{
		Addr:              opts.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string { return s.addr }

// Start binds the listen address and serves in the background. The returned
// channel closes when serving stops, yielding the terminal error if any.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("api listen: %w", err)
	}
	s.addr = ln.Addr().String()
	s.log.Info("api listening", "addr", s.addr)

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	return errc, nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requestLogger records each request at debug level. The admin surface is
// low-traffic; anything louder would drown the replication log.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
