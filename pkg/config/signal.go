package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReadySignal is the contents of signals/system-ready.json. Written once the
// server is accepting connections; removed on shutdown.
type ReadySignal struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Instance  string    `json:"instance"`
	StartedAt time.Time `json:"startedAt"`
}

// WriteReadySignal publishes the ready signal for this instance.
func (c *Config) WriteReadySignal() error {
	sig := ReadySignal{
		PID:       os.Getpid(),
		Port:      c.ActivePort(),
		Instance:  c.Instance,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing ready signal: %w", err)
	}
	if err := os.MkdirAll(c.SignalsDir(), 0o755); err != nil {
		return fmt.Errorf("creating signals dir: %w", err)
	}
	if err := os.WriteFile(c.ReadySignalPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing ready signal: %w", err)
	}
	return nil
}

// ClearReadySignal removes the ready signal. Missing file is fine.
func (c *Config) ClearReadySignal() {
	_ = os.Remove(c.ReadySignalPath())
}

// ReadReadySignal loads the current ready signal, if any.
func ReadReadySignal(path string) (*ReadySignal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sig ReadySignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("parsing ready signal %s: %w", path, err)
	}
	return &sig, nil
}

// WaitForReady polls for the ready signal until it appears or ctx expires.
// Used by the CLI and the MCP bridge after spawning the server.
func WaitForReady(ctx context.Context, path string) (*ReadySignal, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sig, err := ReadReadySignal(path); err == nil {
			return sig, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("server did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
