// Package config loads the fabric's configuration: ports, instance identity,
// state directory layout, and tuning knobs. Sources are merged in order of
// precedence: environment variables over jtag.yaml over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Environment names. Test gets its own port so a test fabric can run next to
// the production one on the same host.
const (
	EnvProduction = "production"
	EnvTest       = "test"
)

// Default ports.
const (
	DefaultServerPort     = 9001
	DefaultTestServerPort = 9002
	DefaultUIPort         = 9000
)

// Environment variable names. NODE_ENV is kept for compatibility with the
// browser-side tooling that already switches on it.
const (
	EnvVarNodeEnv        = "NODE_ENV"
	EnvVarServerPort     = "JTAG_SERVER_PORT"
	EnvVarUIPort         = "JTAG_UI_PORT"
	EnvVarTestServerPort = "JTAG_TEST_SERVER_PORT"
	EnvVarInstance       = "JTAG_INSTANCE"
)

// ReadySignalFile is written under SignalsDir once the server accepts
// connections. Supervisors and the CLI poll for it.
const ReadySignalFile = "system-ready.json"

// Config is the resolved runtime configuration.
type Config struct {
	// Instance isolates state on disk; "default" unless overridden.
	Instance    string
	Environment string

	ServerPort     int
	UIPort         int
	TestServerPort int

	// FallbackURL is where HTTP-fallback clients POST envelopes.
	FallbackURL string

	DedupWindow   time.Duration
	QueueCapacity int
	DrainTimeout  time.Duration

	// StateBase is the root under which per-instance state lives.
	StateBase string
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Instance:       "default",
		Environment:    EnvProduction,
		ServerPort:     DefaultServerPort,
		UIPort:         DefaultUIPort,
		TestServerPort: DefaultTestServerPort,
		DedupWindow:    2 * time.Second,
		QueueCapacity:  256,
		DrainTimeout:   2 * time.Second,
		StateBase:      defaultStateBase(),
	}
}

func defaultStateBase() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".continuum", "jtag")
}

// ActivePort is the port the server binds: the test port when running under
// NODE_ENV=test, the production port otherwise.
func (c *Config) ActivePort() int {
	if c.Environment == EnvTest {
		return c.TestServerPort
	}
	return c.ServerPort
}

// ResolvedFallbackURL returns the configured fallback URL, or one derived
// from the active port.
func (c *Config) ResolvedFallbackURL() string {
	if c.FallbackURL != "" {
		return c.FallbackURL
	}
	return fmt.Sprintf("http://localhost:%d/api/jtag/message", c.ActivePort())
}

// ServerURL returns the WebSocket URL of the active server.
func (c *Config) ServerURL() string {
	return fmt.Sprintf("ws://localhost:%d/ws", c.ActivePort())
}

// InstanceDir is the per-instance state root: <state_base>/<instance>/.
func (c *Config) InstanceDir() string { return filepath.Join(c.StateBase, c.Instance) }

// SignalsDir holds lifecycle signal files.
func (c *Config) SignalsDir() string { return filepath.Join(c.InstanceDir(), "signals") }

// ReadySignalPath is the file whose existence means the server is accepting
// connections.
func (c *Config) ReadySignalPath() string { return filepath.Join(c.SignalsDir(), ReadySignalFile) }

// LogsDir holds server log files.
func (c *Config) LogsDir() string { return filepath.Join(c.InstanceDir(), "logs") }

// ScreenshotsDir holds captured screenshots.
func (c *Config) ScreenshotsDir() string { return filepath.Join(c.InstanceDir(), "screenshots") }

// ArtifactsDir holds command output artifacts.
func (c *Config) ArtifactsDir() string { return filepath.Join(c.InstanceDir(), "artifacts") }

// CatalogDir is where the generated command catalog is written.
func (c *Config) CatalogDir() string { return c.InstanceDir() }

// EnsureStateDirs creates the instance directory tree.
func (c *Config) EnsureStateDirs() error {
	for _, dir := range []string{
		c.InstanceDir(), c.SignalsDir(), c.LogsDir(), c.ScreenshotsDir(), c.ArtifactsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating state dir %s: %w", dir, err)
		}
	}
	return nil
}

// validate rejects configurations that cannot work.
func (c *Config) validate() error {
	if c.Environment != EnvProduction && c.Environment != EnvTest {
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	for name, port := range map[string]int{
		"server": c.ServerPort, "ui": c.UIPort, "test server": c.TestServerPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s port %d out of range", name, port)
		}
	}
	if c.ServerPort == c.TestServerPort {
		return fmt.Errorf("server and test server ports collide on %d", c.ServerPort)
	}
	if c.DedupWindow < 0 {
		return fmt.Errorf("dedup window must not be negative")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	return nil
}
