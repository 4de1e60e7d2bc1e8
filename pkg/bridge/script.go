// Package bridge connects daemon-spawned record processors back to the
// listening session.
//
// The daemon runs an executable per shard. Generate writes a small shell
// script that re-executes this binary in processor mode, pointed at the
// session's event bus socket.
package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modoterra/kclbridge/pkg/core"
)

// ScriptOptions describe the processor a generated script starts.
type ScriptOptions struct {
	SocketPath  string
	LogFilePath string
	// Executable is the kclbridge binary (default: the running executable).
	Executable string
	// DisableCheckpoint turns off the checkpoint on shutdown.
	DisableCheckpoint bool
}

// Args returns the processor command line, without the executable.
func (o ScriptOptions) Args() []string {
	args := []string{"processor", "--socket", o.SocketPath}
	if o.LogFilePath != "" {
		args = append(args, "--log-file", o.LogFilePath)
	}
	if o.DisableCheckpoint {
		args = append(args, "--no-checkpoint")
	}
	return args
}

// Generate writes an executable processor script into dir and returns its
// path. The file name carries a fresh random suffix.
func Generate(dir string, opts ScriptOptions) (string, error) {
	if opts.SocketPath == "" {
		return "", errors.New("socket path is required")
	}
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("resolve executable: %w", err)
		}
		opts.Executable = exe
	}
	if dir == "" {
		dir = os.TempDir()
	}

	path := filepath.Join(dir, fmt.Sprintf("kclipy.%s.processor.sh", core.ShortUID()))
	if err := os.WriteFile(path, []byte(Script(opts)), 0o755); err != nil {
		return "", fmt.Errorf("write processor script: %w", err)
	}
	// WriteFile honours the umask; the daemon needs the exec bit.
	if err := os.Chmod(path, 0o755); err != nil {
		return "", fmt.Errorf("chmod processor script: %w", err)
	}
	return path, nil
}

// Script renders the processor script body.
func Script(opts ScriptOptions) string {
	parts := []string{"exec", shellQuote(opts.Executable)}
	for _, a := range opts.Args() {
		parts = append(parts, shellQuote(a))
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# kclbridge record processor; started by the KCL daemon once per shard.\n")
	b.WriteString(strings.Join(parts, " "))
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
