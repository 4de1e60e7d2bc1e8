package core

import (
	"fmt"
	"time"
)

// Status represents the current state of the consumer daemon subprocess.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
)

// ProcessState is a point-in-time snapshot of a subprocess handle.
type ProcessState struct {
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Command   []string  `json:"command,omitempty"`
}

// Running reports whether the process is still alive as far as the handle knows.
func (s ProcessState) Running() bool {
	return s.Status == StatusRunning
}

// Uptime returns how long the process has been running, or zero.
func (s ProcessState) Uptime() time.Duration {
	if s.StartedAt.IsZero() || !s.Running() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// ProcessStats holds best-effort resource usage of a running process.
type ProcessStats struct {
	PID      int    `json:"pid"`
	RSSBytes uint64 `json:"rss_bytes"`
	CPUTicks uint64 `json:"cpu_ticks"`
	Threads  int    `json:"threads"`
}

// SessionID constructs a session ID from its components.
// Format: stream:uid
func SessionID(stream, uid string) string {
	return fmt.Sprintf("%s:%s", stream, uid)
}
