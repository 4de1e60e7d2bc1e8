// Package httpapi serves session status, lease tables and Prometheus
// metrics over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modoterra/kclbridge/pkg/leases"
	"github.com/modoterra/kclbridge/pkg/session"
)

// DefaultAddr is used when no address is given.
const DefaultAddr = "127.0.0.1:9477"

// Source provides session snapshots.
type Source interface {
	Snapshot() []session.Status
}

// LeaseLister lists the leases of a stream's application.
type LeaseLister func(ctx context.Context, stream string) ([]leases.Lease, error)

// Options configure a Server.
type Options struct {
	// Leases enables /api/sessions/:stream/leases when set.
	Leases LeaseLister
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	src       Source
	opts      Options
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, src Source, opts Options) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		src:       src,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/sessions", s.handleSessions)
	r.GET("/api/sessions/:stream", s.handleSession)
	r.GET("/api/sessions/:stream/leases", s.handleLeases)
	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.Logger.Error("http server stopped", "err", err)
		}
	}()
	s.opts.Logger.Info("http api listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.src.Snapshot()
	var down []string
	for _, st := range snap {
		if !st.Process.Running() {
			down = append(down, st.Stream)
		}
	}

	code, status := http.StatusOK, "ok"
	if len(down) > 0 {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(code, gin.H{
		"status":   status,
		"uptime":   time.Since(s.startTime).String(),
		"sessions": len(snap),
		"down":     down,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.src.Snapshot()})
}

func (s *Server) find(stream string) (session.Status, bool) {
	for _, st := range s.src.Snapshot() {
		if st.Stream == stream {
			return st, true
		}
	}
	return session.Status{}, false
}

func (s *Server) handleSession(c *gin.Context) {
	st, ok := s.find(c.Param("stream"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for stream"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleLeases(c *gin.Context) {
	stream := c.Param("stream")
	if _, ok := s.find(stream); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for stream"})
		return
	}
	if s.opts.Leases == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "lease lookup is not configured"})
		return
	}

	list, err := s.opts.Leases(c.Request.Context(), stream)
	switch {
	case errors.Is(err, leases.ErrNoTable):
		c.JSON(http.StatusOK, gin.H{"leases": []leases.Lease{}, "owners": gin.H{}})
		return
	case err != nil:
		s.opts.Logger.Warn("lease lookup failed", "stream", stream, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read lease table"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leases": list,
		"owners": leases.Owners(list),
	})
}
