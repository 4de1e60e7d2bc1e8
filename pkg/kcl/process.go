// Package kcl configures and runs the consumer daemon (the Java KCL
// MultiLangDaemon) as a child process.
package kcl

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/modoterra/kclbridge/pkg/core"
)

const (
	DefaultJavaBin   = "java"
	DefaultMainClass = "com.atlassian.KinesisStarter"
)

var (
	ErrAlreadyLaunched = errors.New("daemon already launched")
	ErrNotLaunched     = errors.New("daemon not launched")
)

// Options configure a daemon process.
type Options struct {
	// Executable is the record-processor program the daemon spawns per shard.
	Executable string
	// Properties are written verbatim over the generated configuration.
	Properties map[string]string
	// Command replaces the default java invocation.
	Command   []string
	JavaBin   string
	ClassPath string
	MainClass string
	Dir       string
	// DynamoDBEndpoint overrides the lease table endpoint for local
	// connections (default host:4569).
	DynamoDBEndpoint string
	Logger           *slog.Logger

	Environ   func() []string
	LookupEnv func(string) (string, bool)
}

// Process is a handle on one daemon subprocess.
type Process struct {
	info    core.StreamInfo
	opts    Options
	env     map[string]string
	props   map[string]string
	command []string
	logger  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	state    core.ProcessState
	launched bool
	stopped  bool
	done     chan struct{}
	waitErr  error
}

// Configure writes the daemon properties file for info and returns a
// process ready to launch.
func Configure(info core.StreamInfo, opts Options) (*Process, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if opts.Executable == "" {
		return nil, errors.New("record processor executable is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.JavaBin == "" {
		opts.JavaBin = DefaultJavaBin
	}
	if opts.MainClass == "" {
		opts.MainClass = DefaultMainClass
	}

	creds := resolveCredentials(opts.LookupEnv, info.EnvOverrides, opts.Logger)
	env := maps.Clone(creds.env)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, info.EnvOverrides)

	props := buildProperties(info, opts, creds.provider)
	if err := WriteProperties(info.ConfigFilePath, props); err != nil {
		return nil, err
	}

	command := slices.Clone(opts.Command)
	if len(command) == 0 {
		command = []string{opts.JavaBin}
		if opts.ClassPath != "" {
			command = append(command, "-cp", opts.ClassPath)
		}
		command = append(command, opts.MainClass, info.ConfigFilePath)
	}

	return &Process{
		info:    info,
		opts:    opts,
		env:     env,
		props:   props,
		command: command,
		logger:  opts.Logger.With("stream", info.Name),
		state:   core.ProcessState{Status: core.StatusPending, Command: command},
		done:    make(chan struct{}),
	}, nil
}

// Info returns the stream the process consumes.
func (p *Process) Info() core.StreamInfo { return p.info }

// Command returns the argv used to start the daemon.
func (p *Process) Command() []string { return slices.Clone(p.command) }

// Env returns the variables added to the host environment.
func (p *Process) Env() map[string]string { return maps.Clone(p.env) }

// Properties returns the configuration written to the properties file.
func (p *Process) Properties() map[string]string { return maps.Clone(p.props) }

// Launch starts the daemon in its own process group, appending its output
// to the stream's log file. It does not wait for the daemon. A process is
// launched at most once; later calls, and calls after Stop, return
// ErrAlreadyLaunched.
func (p *Process) Launch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.launched || p.stopped {
		return ErrAlreadyLaunched
	}

	logFile, err := os.OpenFile(p.info.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}

	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Dir = p.opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	cmd.Env = p.opts.Environ()
	for _, k := range slices.Sorted(maps.Keys(p.env)) {
		cmd.Env = append(cmd.Env, k+"="+p.env[k])
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		p.state.Status = core.StatusFailed
		return fmt.Errorf("start %q: %w", p.command[0], err)
	}

	p.cmd = cmd
	p.launched = true
	p.state.Status = core.StatusRunning
	p.state.PID = cmd.Process.Pid
	p.state.StartedAt = time.Now()
	p.logger.Info("daemon started", "pid", p.state.PID, "properties", p.info.ConfigFilePath, "log", p.info.LogFilePath)

	go p.wait(cmd, logFile)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	switch {
	case p.stopped:
		p.state.Status = core.StatusStopped
	case exitCode == 0:
		p.state.Status = core.StatusExited
	default:
		p.state.Status = core.StatusFailed
	}
	p.state.ExitCode = &exitCode
	p.waitErr = err
	status := p.state.Status
	p.mu.Unlock()
	close(p.done)

	p.logger.Info("daemon exited", "status", status, "exit_code", exitCode, "err", err)
}

// Stop sends SIGTERM to the daemon's process group. It does not wait for
// the exit and never escalates. Stopping a process that was never launched,
// or already exited, is a no-op.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true

	if !p.launched {
		p.state.Status = core.StatusStopped
		close(p.done)
		return nil
	}
	if p.state.ExitCode != nil {
		return nil
	}

	pid := p.cmd.Process.Pid
	p.logger.Info("stopping daemon", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal daemon group %d: %w", pid, err)
	}
	return nil
}

// Done is closed once the daemon has exited, or Stop was called before
// Launch.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the daemon exits and returns its exit error.
func (p *Process) Wait() error {
	p.mu.Lock()
	if !p.launched && !p.stopped {
		p.mu.Unlock()
		return ErrNotLaunched
	}
	p.mu.Unlock()

	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Status returns a snapshot of the process state.
func (p *Process) Status() core.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	s.Command = slices.Clone(p.command)
	if s.ExitCode != nil {
		code := *s.ExitCode
		s.ExitCode = &code
	}
	return s
}

// Stats reports resource usage of the running daemon. Zero values are
// returned when it is not running or the platform has no /proc.
func (p *Process) Stats() core.ProcessStats {
	st := p.Status()
	if !st.Running() {
		return core.ProcessStats{}
	}
	stats, err := readProcStats(st.PID)
	if err != nil {
		p.logger.Debug("read process stats", "pid", st.PID, "err", err)
		return core.ProcessStats{PID: st.PID}
	}
	return stats
}
