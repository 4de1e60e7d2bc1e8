// Package service manages the kclbridge systemd user service unit.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/modoterra/kclbridge/pkg/core"
)

// UnitName is the name of the installed user unit.
const UnitName = "kclbridge.service"

// UnitOptions describe the service to install.
type UnitOptions struct {
	// Binary is the absolute path of the kclbridge executable.
	Binary string
	// Manifest is the absolute path of the stream manifest to serve.
	Manifest string
	// HTTPAddr enables the HTTP API when set.
	HTTPAddr string
	// Environment lines, KEY=VALUE.
	Environment []string
}

// UnitContents returns the systemd unit file contents.
func UnitContents(opts UnitOptions) string {
	start := fmt.Sprintf("%s listen --manifest %s", opts.Binary, opts.Manifest)
	if opts.HTTPAddr != "" {
		start += " --http-addr " + opts.HTTPAddr
	}

	var env strings.Builder
	for _, e := range opts.Environment {
		fmt.Fprintf(&env, "Environment=%q\n", e)
	}

	return fmt.Sprintf(`[Unit]
Description=kclbridge stream consumers
Documentation=https://github.com/modoterra/kclbridge
After=network-online.target

[Service]
Type=notify
NotifyAccess=main
ExecStart=%s
%sRestart=on-failure
RestartSec=5
TimeoutStopSec=30

[Install]
WantedBy=default.target
`, start, env.String())
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", UnitName), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(opts UnitOptions) error {
	if opts.Binary == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot resolve own path: %w", err)
		}
		opts.Binary = self
	}
	var err error
	if opts.Binary, err = filepath.Abs(opts.Binary); err != nil {
		return fmt.Errorf("cannot resolve binary path: %w", err)
	}
	if opts.Manifest, err = filepath.Abs(opts.Manifest); err != nil {
		return fmt.Errorf("cannot resolve manifest path: %w", err)
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(UnitContents(opts)), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", UnitName)
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall() error {
	// Best-effort stop and disable; ignore errors if not running.
	_ = systemctl("stop", UnitName)
	_ = systemctl("disable", UnitName)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	return systemctl("daemon-reload")
}

// UnitStatus is the state of the installed unit as systemd reports it.
type UnitStatus struct {
	Installed   bool        `json:"installed"`
	ActiveState string      `json:"active_state,omitempty"`
	SubState    string      `json:"sub_state,omitempty"`
	MainPID     int         `json:"main_pid,omitempty"`
	Status      core.Status `json:"status"`
}

func (s UnitStatus) String() string {
	if !s.Installed {
		return "systemd user service: not installed"
	}
	line := fmt.Sprintf("systemd user service: %s (%s)", s.ActiveState, s.SubState)
	if s.MainPID > 0 {
		line += fmt.Sprintf(" pid %d", s.MainPID)
	}
	return line
}

// Status asks the user manager about the unit over D-Bus.
func Status(ctx context.Context) (UnitStatus, error) {
	unitPath, err := UnitPath()
	if err != nil {
		return UnitStatus{}, err
	}
	if _, err := os.Stat(unitPath); err != nil {
		return UnitStatus{Status: core.StatusStopped}, nil
	}

	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return UnitStatus{Installed: true}, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, UnitName)
	if err != nil {
		return UnitStatus{Installed: true}, fmt.Errorf("unit properties: %w", err)
	}
	st := UnitStatus{Installed: true}
	st.ActiveState, _ = props["ActiveState"].(string)
	st.SubState, _ = props["SubState"].(string)
	if svc, err := conn.GetUnitTypePropertiesContext(ctx, UnitName, "Service"); err == nil {
		if pid, ok := svc["MainPID"].(uint32); ok && pid > 0 {
			st.MainPID = int(pid)
		}
	}
	st.Status = mapStatus(st.ActiveState)
	return st, nil
}

// Restart restarts the unit and waits for the job to finish.
func Restart(ctx context.Context) error {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, UnitName, "replace", ch); err != nil {
		return fmt.Errorf("systemd restart %s: %w", UnitName, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("systemd restart %s: job result %q", UnitName, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mapStatus(active string) core.Status {
	switch active {
	case "active", "reloading":
		return core.StatusRunning
	case "activating":
		return core.StatusPending
	case "failed":
		return core.StatusFailed
	default:
		return core.StatusStopped
	}
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
