// Package session wires one stream subscription together: the event bus
// the record processors report to, the generated processor script, the
// daemon log monitor and the daemon process itself.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modoterra/kclbridge/pkg/bridge"
	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/kcl"
	"github.com/modoterra/kclbridge/pkg/logs/monitor"
	"github.com/modoterra/kclbridge/pkg/transport/uds"
)

// DefaultStopTimeout bounds how long Close waits for the daemon to exit.
const DefaultStopTimeout = 10 * time.Second

// Listener receives each batch forwarded by a record processor: the JSON
// array of records, decoded with numbers kept as json.Number.
type Listener func(records any)

// Options configure Listen.
type Options struct {
	Stream   string
	Listener Listener

	// TmpDir holds every generated file (default os.TempDir()).
	TmpDir string
	// SocketPath, LogFilePath and ProcessorScript are generated when empty.
	SocketPath      string
	LogFilePath     string
	ProcessorScript string
	// Executable is the binary the processor script runs (default: self).
	Executable        string
	DisableCheckpoint bool

	Region           string
	EndpointURL      string
	LeaseTableSuffix string
	LocalHost        string
	KinesisPort      int
	ShardCount       *int
	Properties       map[string]string
	EnvOverrides     map[string]string

	// LogLevel is the minimum daemon log level republished (default
	// WARNING). DisableLogMonitor skips the monitor entirely.
	LogLevel          core.Level
	DisableLogMonitor bool
	LogSink           monitor.Sink

	JavaBin          string
	ClassPath        string
	MainClass        string
	Command          []string
	DynamoDBEndpoint string

	MaxConns    int
	StopTimeout time.Duration
	// KeepFiles leaves generated files in place on Close.
	KeepFiles bool

	Logger    *slog.Logger
	Environ   func() []string
	LookupEnv func(string) (string, bool)
}

// Session is one running stream subscription.
type Session struct {
	id          string
	info        core.StreamInfo
	socketPath  string
	scriptPath  string
	bus         *uds.Server
	monitor     *monitor.Monitor
	proc        *kcl.Process
	listener    Listener
	logger      *slog.Logger
	stopTimeout time.Duration
	keepFiles   bool

	mu    sync.Mutex
	files []string

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	batches     atomic.Uint64
	records     atomic.Uint64
	lastBatchMs atomic.Int64
}

// Listen starts a subscription to opts.Stream. It returns once the daemon
// has been launched. On any failure everything already started is torn
// down again.
func Listen(ctx context.Context, opts Options) (*Session, error) {
	if opts.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	if opts.LogLevel == core.LevelNone {
		opts.LogLevel = core.LevelWarning
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	uid := core.ShortUID()
	s := &Session{
		id:          core.SessionID(opts.Stream, uid),
		listener:    opts.Listener,
		logger:      opts.Logger.With("stream", opts.Stream),
		stopTimeout: opts.StopTimeout,
		keepFiles:   opts.KeepFiles,
		closed:      make(chan struct{}),
	}

	if err := s.start(ctx, uid, opts); err != nil {
		if cerr := s.Close(); cerr != nil {
			s.logger.Warn("cleanup after failed start", "err", cerr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context, uid string, opts Options) error {
	// 1. socket and log file locations
	s.socketPath = opts.SocketPath
	if s.socketPath == "" {
		s.socketPath = filepath.Join(opts.TmpDir, fmt.Sprintf("kclipy.%s.fifo", uid))
		s.track(s.socketPath)
	}
	logPath := opts.LogFilePath
	if logPath == "" && !opts.DisableLogMonitor {
		logPath = filepath.Join(opts.TmpDir, fmt.Sprintf("kclipy.%s.log", uid))
		s.track(logPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	// 2. event bus
	s.bus = uds.NewServer(s.socketPath, s.deliver, s.logger).
		WithOptions(uds.ServerOptions{MaxConns: opts.MaxConns})
	ready, err := s.bus.Start(context.Background())
	if err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	// 3. processor script
	s.scriptPath = opts.ProcessorScript
	if s.scriptPath == "" {
		s.scriptPath, err = bridge.Generate(opts.TmpDir, bridge.ScriptOptions{
			SocketPath:        s.socketPath,
			LogFilePath:       opts.LogFilePath,
			Executable:        opts.Executable,
			DisableCheckpoint: opts.DisableCheckpoint,
		})
		if err != nil {
			return err
		}
		s.track(s.scriptPath)
	}

	// 4. daemon log monitor
	if !opts.DisableLogMonitor {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("create daemon log: %w", err)
		}
		f.Close()
		s.monitor = monitor.New(s.logger, monitor.Options{
			MinLevel: opts.LogLevel,
			Stream:   opts.Stream,
			Sink:     opts.LogSink,
		})
		if err := s.monitor.Start(logPath); err != nil {
			return fmt.Errorf("start log monitor: %w", err)
		}
	}

	// 5. daemon
	s.info, err = core.NewStreamInfo(opts.Stream, core.StreamOptions{
		Region:           opts.Region,
		EndpointURL:      opts.EndpointURL,
		LeaseTableSuffix: opts.LeaseTableSuffix,
		LogFilePath:      logPath,
		TmpDir:           opts.TmpDir,
		ShardCount:       opts.ShardCount,
		EnvOverrides:     opts.EnvOverrides,
		LocalHost:        opts.LocalHost,
		KinesisPort:      opts.KinesisPort,
	})
	if err != nil {
		return err
	}
	s.track(s.info.ConfigFilePath)
	if logPath == "" {
		s.track(s.info.LogFilePath)
	}

	s.proc, err = kcl.Configure(s.info, kcl.Options{
		Executable:       s.scriptPath,
		Properties:       opts.Properties,
		Command:          opts.Command,
		JavaBin:          opts.JavaBin,
		ClassPath:        opts.ClassPath,
		MainClass:        opts.MainClass,
		DynamoDBEndpoint: opts.DynamoDBEndpoint,
		Logger:           s.logger,
		Environ:          opts.Environ,
		LookupEnv:        opts.LookupEnv,
	})
	if err != nil {
		return fmt.Errorf("configure daemon: %w", err)
	}
	if err := s.proc.Launch(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	s.logger.Info("session started", "id", s.id, "socket", s.socketPath, "app", s.info.AppName)
	return nil
}

func (s *Session) track(path string) {
	s.mu.Lock()
	s.files = append(s.files, path)
	s.mu.Unlock()
}

// deliver runs on the bus connection goroutine. A misbehaving listener
// only loses its own batch.
func (s *Session) deliver(v any) {
	s.batches.Add(1)
	if batch, ok := v.([]any); ok {
		s.records.Add(uint64(len(batch)))
	}
	s.lastBatchMs.Store(time.Now().UnixMilli())
	if s.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("listener failed", "panic", r)
		}
	}()
	s.listener(v)
}

// Close stops the daemon, the event bus and the log monitor, in that
// order, then removes the files the session generated. Safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		defer close(s.closed)
		var errs []error

		if s.proc != nil {
			if err := s.proc.Stop(); err != nil {
				errs = append(errs, err)
			}
			select {
			case <-s.proc.Done():
			case <-time.After(s.stopTimeout):
				s.logger.Warn("daemon still running after stop timeout", "timeout", s.stopTimeout)
			}
		}
		if s.bus != nil {
			s.bus.Stop()
		}
		if s.monitor != nil {
			s.monitor.Stop()
		}
		if !s.keepFiles {
			s.mu.Lock()
			files := s.files
			s.mu.Unlock()
			for _, f := range files {
				if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
					s.logger.Debug("remove session file", "path", f, "err", err)
				}
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("session closed", "id", s.id)
	})
	return s.closeErr
}

// Closed is closed once Close has finished.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) ID() string                { return s.id }
func (s *Session) Info() core.StreamInfo     { return s.info }
func (s *Session) Process() *kcl.Process     { return s.proc }
func (s *Session) Bus() *uds.Server          { return s.bus }
func (s *Session) Monitor() *monitor.Monitor { return s.monitor }
func (s *Session) SocketPath() string        { return s.socketPath }
func (s *Session) ScriptPath() string        { return s.scriptPath }

// Files returns the files the session generated and will remove.
func (s *Session) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Status is a point-in-time view of a session.
type Status struct {
	ID          string            `json:"id"`
	Stream      string            `json:"stream"`
	AppName     string            `json:"app_name"`
	Region      string            `json:"region"`
	Socket      string            `json:"socket"`
	LogFile     string            `json:"log_file"`
	Process     core.ProcessState `json:"process"`
	Resources   core.ProcessStats `json:"resources"`
	Bus         uds.Stats         `json:"bus"`
	Batches     uint64            `json:"batches"`
	Records     uint64            `json:"records"`
	LastBatchAt *time.Time        `json:"last_batch_at,omitempty"`
	LogEmitted  uint64            `json:"log_lines_emitted"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{
		ID:      s.id,
		Stream:  s.info.Name,
		AppName: s.info.AppName,
		Region:  s.info.Region,
		Socket:  s.socketPath,
		LogFile: s.info.LogFilePath,
		Batches: s.batches.Load(),
		Records: s.records.Load(),
	}
	if s.proc != nil {
		st.Process = s.proc.Status()
		st.Resources = s.proc.Stats()
	}
	if s.bus != nil {
		st.Bus = s.bus.Stats()
	}
	if s.monitor != nil {
		st.LogEmitted = s.monitor.Emitted()
	}
	if ms := s.lastBatchMs.Load(); ms > 0 {
		t := time.UnixMilli(ms)
		st.LastBatchAt = &t
	}
	return st
}
