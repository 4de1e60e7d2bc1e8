// Package monitor republishes interesting consumer-daemon log lines through
// the host logger.
//
// The daemon writes multi-line records (a header line followed by the
// message), so lines are judged in fixed-size groups: if any line of a group
// carries a qualifying "LEVEL:" marker the whole group is emitted, otherwise
// the group is dropped.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/logs/filetail"
)

const (
	DefaultPrefix    = "KCL: "
	DefaultGroupSize = 2
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("log monitor already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("log monitor stopped")
)

// Sink receives every emitted line along with its detected level.
type Sink func(level core.Level, line string)

// Options tune a Monitor.
type Options struct {
	// MinLevel is the lowest level that makes a group interesting
	// (default WARNING).
	MinLevel  core.Level
	Prefix    string
	GroupSize int
	// Stream is attached to every emitted record when set.
	Stream       string
	PollInterval time.Duration
	Sink         Sink
}

// Monitor follows one log file.
type Monitor struct {
	logger  *slog.Logger
	opts    Options
	pattern *regexp.Regexp
	names   []string

	mu      sync.Mutex
	buf     []string
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// New creates a monitor. Nothing is read until Start.
func New(logger *slog.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinLevel == core.LevelNone {
		opts.MinLevel = core.LevelWarning
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = DefaultGroupSize
	}

	names := core.AtOrAbove(opts.MinLevel)
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	m := &Monitor{
		logger: logger,
		opts:   opts,
		names:  names,
		buf:    make([]string, 0, opts.GroupSize),
	}
	if len(names) > 0 {
		m.pattern = regexp.MustCompile("(?:" + strings.Join(quoted, "|") + "):")
	}
	return m
}

// Start begins following path from its current end.
func (m *Monitor) Start(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	lines, err := filetail.Follow(ctx, path, filetail.Options{
		PollInterval: m.opts.PollInterval,
		Logger:       m.logger,
	})
	if err != nil {
		cancel()
		return err
	}
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for line := range lines {
			m.Feed(line)
		}
	}()
	m.logger.Debug("log monitor started", "path", path, "min_level", m.opts.MinLevel.String())
	return nil
}

// Stop stops following. A partially filled group is discarded. Safe to call
// more than once; after Stop the monitor cannot be started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Feed pushes one raw line through the grouping filter.
func (m *Monitor) Feed(line string) {
	m.mu.Lock()
	m.buf = append(m.buf, line)
	if len(m.buf) < m.opts.GroupSize {
		m.mu.Unlock()
		return
	}
	group := m.buf
	m.buf = make([]string, 0, m.opts.GroupSize)
	m.mu.Unlock()

	level, ok := m.classify(group)
	if !ok {
		m.dropped.Add(1)
		return
	}
	for _, l := range group {
		m.emit(level, l)
	}
}

// Emitted returns how many lines have been republished.
func (m *Monitor) Emitted() uint64 { return m.emitted.Load() }

// Dropped returns how many groups were discarded as uninteresting.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// classify returns the level of the first qualifying line in group. The
// level is the highest qualifying marker present in that line.
func (m *Monitor) classify(group []string) (core.Level, bool) {
	if m.pattern == nil {
		return core.LevelNone, false
	}
	for _, line := range group {
		if !m.pattern.MatchString(line) {
			continue
		}
		for i := len(core.Levels) - 1; i >= 0; i-- {
			l := core.Levels[i]
			if l < m.opts.MinLevel {
				break
			}
			if strings.Contains(line, l.String()+":") {
				return l, true
			}
		}
	}
	return core.LevelNone, false
}

func (m *Monitor) emit(level core.Level, line string) {
	attrs := []any{"kcl_level", level.String()}
	if m.opts.Stream != "" {
		attrs = append(attrs, "stream", m.opts.Stream)
	}
	m.logger.Log(context.Background(), level.Slog(), m.opts.Prefix+line, attrs...)
	m.emitted.Add(1)
	if m.opts.Sink != nil {
		m.opts.Sink(level, line)
	}
}
