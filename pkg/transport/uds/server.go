package uds

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// Callback receives every well-formed value read from any connection. It
// runs on the connection's goroutine, so calls from different connections
// may be concurrent.
type Callback func(v any)

// ServerOptions tune a Server.
type ServerOptions struct {
	// MaxConns bounds concurrently served connections; 0 means unbounded.
	MaxConns int
	// MaxLineSize bounds one message line (default DefaultMaxLineSize).
	// Longer lines are skipped and counted as malformed.
	MaxLineSize int
}

// Stats are cumulative counters for one Server.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
	Active    int64  `json:"active"`
	Delivered uint64 `json:"delivered"`
	Malformed uint64 `json:"malformed"`
}

// Server listens on a Unix domain socket and hands each NDJSON line to a
// callback.
type Server struct {
	socketPath string
	callback   Callback
	opts       ServerOptions
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	started  bool
	stopped  atomic.Bool
	done     chan struct{}

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	active    atomic.Int64
	delivered atomic.Uint64
	malformed atomic.Uint64
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, cb Callback, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cb == nil {
		cb = func(any) {}
	}
	return &Server{
		socketPath: socketPath,
		callback:   cb,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// WithOptions applies opts before Start.
func (s *Server) WithOptions(opts ServerOptions) *Server {
	s.opts = opts
	return s
}

// SocketPath returns the path the server binds.
func (s *Server) SocketPath() string { return s.socketPath }

// Start binds the socket and serves in the background. The returned channel
// is closed once, after the listener exists and before the first accept.
// Bind errors are returned directly. Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return nil, ErrBusStopped
	}
	if s.started {
		return nil, ErrAlreadyStarted
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.listener = ln
	s.started = true
	s.logger.Info("event bus listening", "socket", s.socketPath)

	ready := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	go s.serve(ln, ready)
	return ready, nil
}

// Done is closed when the accept loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Stop stops accepting connections and removes the socket file. Connections
// already being served finish their current line and then exit. Safe to
// call more than once.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	ln := s.listener
	started := s.started
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if !started {
		close(s.done)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove socket", "socket", s.socketPath, "err", err)
	}
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped.Load()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:  s.accepted.Load(),
		Rejected:  s.rejected.Load(),
		Active:    s.active.Load(),
		Delivered: s.delivered.Load(),
		Malformed: s.malformed.Load(),
	}
}

func (s *Server) serve(ln net.Listener, ready chan<- struct{}) {
	defer close(s.done)
	close(ready)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		if s.stopped.Load() {
			conn.Close()
			return
		}
		if s.opts.MaxConns > 0 && s.active.Load() >= int64(s.opts.MaxConns) {
			s.rejected.Add(1)
			s.logger.Warn("connection limit reached, rejecting", "max_conns", s.opts.MaxConns)
			conn.Close()
			continue
		}
		s.accepted.Add(1)
		s.active.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.active.Add(-1)
	}()

	maxLine := s.opts.MaxLineSize
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	r := bufio.NewReaderSize(conn, InitialBufSize)

	for {
		raw, err := ReadLine(r, maxLine)
		if s.stopped.Load() {
			return
		}
		if errors.Is(err, ErrLineTooLong) {
			s.malformed.Add(1)
			s.logger.Warn("message too long, skipped", "limit", maxLine)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("connection read error", "err", err)
			}
			return
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		v, err := DecodeLine(line)
		if err != nil {
			s.malformed.Add(1)
			s.logger.Warn("malformed message", "err", err, "line", truncate(line, 200))
			continue
		}
		s.callback(v)
		s.delivered.Add(1)
	}
}
