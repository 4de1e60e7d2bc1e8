package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/modoterra/kclbridge/pkg/core"
)

// Manager owns several sessions, keyed by stream name.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Start listens on opts.Stream and registers the session.
func (m *Manager) Start(ctx context.Context, opts Options) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[opts.Stream]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %q already has a session", opts.Stream)
	}
	// Reserve the name while Listen runs.
	m.sessions[opts.Stream] = nil
	m.mu.Unlock()

	s, err := Listen(ctx, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.sessions, opts.Stream)
		return nil, fmt.Errorf("stream %s: %w", opts.Stream, err)
	}
	m.sessions[opts.Stream] = s
	m.order = append(m.order, opts.Stream)
	return s, nil
}

// Get returns the session for stream.
func (m *Manager) Get(stream string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[stream]
	return s, ok && s != nil
}

// Sessions returns running sessions in start order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name])
	}
	return out
}

// Snapshot returns the status of every session.
func (m *Manager) Snapshot() []Status {
	sessions := m.Sessions()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Remove closes the session for stream and unregisters it. Unknown
// streams are a no-op.
func (m *Manager) Remove(stream string) error {
	m.mu.Lock()
	s := m.sessions[stream]
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, stream)
	m.order = slices.DeleteFunc(m.order, func(name string) bool { return name == stream })
	m.mu.Unlock()

	if err := s.Close(); err != nil {
		return fmt.Errorf("stream %s: %w", stream, err)
	}
	return nil
}

// Close closes every session, newest first.
func (m *Manager) Close() error {
	m.mu.Lock()
	order := slices.Clone(m.order)
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := sessions[order[i]].Close(); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

// WaitAny blocks until the daemon of any session exits and returns that
// session's stream name.
func (m *Manager) WaitAny(ctx context.Context) (string, error) {
	sessions := m.Sessions()
	if len(sessions) == 0 {
		return "", errors.New("no sessions")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exited := make(chan string, len(sessions))
	for _, s := range sessions {
		go func(s *Session) {
			select {
			case <-s.Process().Done():
				exited <- s.Info().Name
			case <-ctx.Done():
			}
		}(s)
	}
	select {
	case name := <-exited:
		return name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Change is a daemon status transition observed by Watch.
type Change struct {
	Stream string      `json:"stream"`
	From   core.Status `json:"from"`
	To     core.Status `json:"to"`
	Status Status      `json:"status"`
}

// Watch polls every session each interval and reports status transitions
// to fn. Blocks until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, fn func(Change)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]core.Status)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range m.tick(last) {
				m.logger.Info("daemon status changed", "stream", c.Stream, "from", c.From, "to", c.To)
				if fn != nil {
					fn(c)
				}
			}
		}
	}
}

func (m *Manager) tick(last map[string]core.Status) []Change {
	var changes []Change
	for _, st := range m.Snapshot() {
		prev, seen := last[st.Stream]
		cur := st.Process.Status
		last[st.Stream] = cur
		if seen && prev != cur {
			changes = append(changes, Change{Stream: st.Stream, From: prev, To: cur, Status: st})
		}
	}
	return changes
}
