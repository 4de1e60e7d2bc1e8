package uds

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// DialOptions control how a Client connects.
type DialOptions struct {
	// Attempts is the total number of connection attempts (default 3).
	Attempts int
	// Delay is the fixed pause between attempts (default 2s).
	Delay  time.Duration
	Logger *slog.Logger
}

func (o *DialOptions) defaults() {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Delay <= 0 {
		o.Delay = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client writes NDJSON lines to an event bus.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// Dial connects to the bus socket, retrying with a fixed delay.
func Dial(ctx context.Context, socketPath string, opts DialOptions) (*Client, error) {
	opts.defaults()
	b := &backoff.Backoff{Min: opts.Delay, Max: opts.Delay, Factor: 1}

	var d net.Dialer
	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		conn, err := d.DialContext(ctx, "unix", socketPath)
		if err == nil {
			return &Client{conn: conn}, nil
		}
		lastErr = err
		opts.Logger.Warn("connect to event bus failed",
			"socket", socketPath, "attempt", attempt, "of", opts.Attempts, "err", err)
		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", socketPath, opts.Attempts, lastErr)
}

// Send writes v as one line.
func (c *Client) Send(v any) error {
	line, err := EncodeLine(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
