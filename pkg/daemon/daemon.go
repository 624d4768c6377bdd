// Package daemon hosts long-lived server components. A daemon registers its
// commands on start and releases them on stop; the shell runs them in order
// and tears them down in reverse.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/continuum-dev/jtag/pkg/config"
	"github.com/continuum-dev/jtag/pkg/registry"
	"github.com/continuum-dev/jtag/pkg/router"
)

// ConnectionCounter reports live transport connections. Implemented by the
// WebSocket server; nil in processes without one.
type ConnectionCounter interface {
	ActiveConnections() int
}

// Deps is what every daemon gets to work with.
type Deps struct {
	Config      *config.Config
	Router      *router.Router
	Registry    *registry.Registry
	Connections ConnectionCounter
}

// Daemon is one long-lived server component.
type Daemon interface {
	Name() string
	Start(ctx context.Context, deps Deps) error
	Stop(ctx context.Context) error
}

// Shell owns the daemon set for one server process.
type Shell struct {
	deps    Deps
	daemons []Daemon
	started []Daemon
}

// NewShell creates a daemon shell.
func NewShell(deps Deps) *Shell {
	return &Shell{deps: deps}
}

// Add appends a daemon to the start order.
func (s *Shell) Add(d Daemon) {
	s.daemons = append(s.daemons, d)
}

// StartAll starts every daemon in order. On failure the already-started ones
// are stopped before returning.
func (s *Shell) StartAll(ctx context.Context) error {
	for _, d := range s.daemons {
		if err := d.Start(ctx, s.deps); err != nil {
			slog.Error("Daemon failed to start", "daemon", d.Name(), "error", err)
			s.StopAll(ctx)
			return fmt.Errorf("starting daemon %s: %w", d.Name(), err)
		}
		s.started = append(s.started, d)
		slog.Info("Daemon started", "daemon", d.Name())
	}
	return nil
}

// StopAll stops started daemons in reverse order.
func (s *Shell) StopAll(ctx context.Context) {
	for i := len(s.started) - 1; i >= 0; i-- {
		d := s.started[i]
		if err := d.Stop(ctx); err != nil {
			slog.Warn("Daemon stop failed", "daemon", d.Name(), "error", err)
		}
	}
	s.started = nil
}
