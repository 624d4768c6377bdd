// Package launch starts the fabric server from client-side tooling (CLI and
// MCP bridge) and waits for its ready signal.
package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/continuum-dev/jtag/pkg/config"
)

// DefaultReadyTimeout bounds how long EnsureServer waits for the spawned
// server to publish its ready signal.
const DefaultReadyTimeout = 90 * time.Second

// ServerBinary is the daemon executable looked up on PATH, overridable for
// development trees via JTAG_SERVER_BIN.
const (
	ServerBinary    = "jtagd"
	EnvVarServerBin = "JTAG_SERVER_BIN"
)

// EnsureServer makes sure a fabric server runs for this instance: when the
// ready signal is already published the call is a no-op, otherwise the
// daemon is spawned detached and the call blocks until it is ready or ctx
// expires. The returned status is shaped for tool output.
func EnsureServer(ctx context.Context, cfg *config.Config) (map[string]any, error) {
	if sig, err := config.ReadReadySignal(cfg.ReadySignalPath()); err == nil {
		if processAlive(sig.PID) {
			return map[string]any{
				"alreadyRunning": true,
				"pid":            sig.PID,
				"port":           sig.Port,
			}, nil
		}
		// Stale signal from a dead server; clear it and start fresh.
		cfg.ClearReadySignal()
	}

	if err := cfg.EnsureStateDirs(); err != nil {
		return nil, err
	}

	pid, err := spawn(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Spawned fabric server", "pid", pid, "instance", cfg.Instance)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultReadyTimeout)
		defer cancel()
	}
	sig, err := config.WaitForReady(ctx, cfg.ReadySignalPath())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"alreadyRunning": false,
		"pid":            sig.PID,
		"port":           sig.Port,
	}, nil
}

// spawn launches the daemon detached, with its output appended to the
// instance log.
func spawn(cfg *config.Config) (int, error) {
	bin := os.Getenv(EnvVarServerBin)
	if bin == "" {
		path, err := exec.LookPath(ServerBinary)
		if err != nil {
			return 0, fmt.Errorf("server binary %q not found on PATH: %w", ServerBinary, err)
		}
		bin = path
	}

	logPath := filepath.Join(cfg.LogsDir(), "jtagd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening server log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(bin)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), config.EnvVarInstance+"="+cfg.Instance)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	// Detach: the daemon outlives this process.
	_ = cmd.Process.Release()
	return pid, nil
}

// processAlive reports whether a PID refers to a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without touching the process.
	return proc.Signal(syscall.Signal(0)) == nil
}
