// jtag-mcp bridges the fabric's command catalog to MCP over stdio, so agent
// runtimes can invoke fabric commands as tools.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/continuum-dev/jtag/pkg/client"
	"github.com/continuum-dev/jtag/pkg/config"
	"github.com/continuum-dev/jtag/pkg/launch"
	"github.com/continuum-dev/jtag/pkg/mcpbridge"
	"github.com/continuum-dev/jtag/pkg/registry"
)

func main() {
	// stdio carries the MCP protocol; all logging must stay on stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	configDir := flag.String("config-dir", ".", "Path to configuration directory")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// The catalog file may not exist yet when the server has never run;
	// the bridge then starts with just the meta-tools and jtag_system_start
	// brings the server (and a fresh catalog) up.
	catalogPath := filepath.Join(cfg.CatalogDir(), registry.CatalogFileName)
	catalog, err := registry.LoadCatalog(catalogPath)
	if err != nil {
		slog.Warn("No command catalog yet; only meta-tools available until the server starts",
			"path", catalogPath)
	}

	caller := &lazyCaller{cfg: cfg}
	defer caller.close()

	starter := func(ctx context.Context) (map[string]any, error) {
		return launch.EnsureServer(ctx, cfg)
	}

	bridge := mcpbridge.New(caller, starter, catalog)
	slog.Info("MCP bridge serving", "tools", len(catalog)+2, "instance", cfg.Instance)
	if err := bridge.Run(ctx); err != nil {
		slog.Error("MCP bridge terminated", "error", err)
		os.Exit(1)
	}
}

// lazyCaller defers the fabric connection until the first tool call, so the
// bridge can come up before the server does.
type lazyCaller struct {
	cfg *config.Config

	mu sync.Mutex
	c  *client.Client
}

func (l *lazyCaller) Call(ctx context.Context, endpoint string, params map[string]any) (map[string]any, error) {
	c, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, endpoint, params)
}

func (l *lazyCaller) connect(ctx context.Context) (*client.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil && l.c.IsConnected() {
		return l.c, nil
	}

	c, err := client.Connect(ctx, client.Options{
		ServerURL:      l.cfg.ServerURL(),
		FallbackURL:    l.cfg.ResolvedFallbackURL(),
		EnableFallback: true,
	})
	if err != nil {
		return nil, err
	}
	l.c = c
	return c, nil
}

func (l *lazyCaller) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil {
		_ = l.c.Disconnect(context.Background())
		l.c = nil
	}
}
