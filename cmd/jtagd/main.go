// jtagd is the fabric server — it owns the router, accepts WebSocket and
// HTTP-fallback peers, serves the builtin commands, and publishes the
// command catalog and ready signal.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/continuum-dev/jtag/pkg/api"
	"github.com/continuum-dev/jtag/pkg/config"
	"github.com/continuum-dev/jtag/pkg/daemon"
	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/registry"
	"github.com/continuum-dev/jtag/pkg/router"
	"github.com/continuum-dev/jtag/pkg/transport"
	"github.com/continuum-dev/jtag/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("JTAG_CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration and state directories
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureStateDirs(); err != nil {
		slog.Error("Failed to create state directories", "error", err)
		os.Exit(1)
	}

	// 2. Restart-stable identity
	identity, err := config.LoadOrCreateIdentity(cfg.InstanceDir())
	if err != nil {
		slog.Error("Failed to load server identity", "error", err)
		os.Exit(1)
	}
	self := message.Context{
		UniqueID:    identity.UniqueID,
		Environment: message.EnvServer,
	}
	slog.Info("Starting jtagd",
		"version", version.Full(),
		"unique_id", self.UniqueID,
		"instance", cfg.Instance,
		"port", cfg.ActivePort())

	// 3. Router core
	rt := router.New(self, router.Options{DedupWindow: cfg.DedupWindow})
	rt.Start()

	// 4. Transports and registry
	wsServer := transport.NewWSServer(rt, self, transport.ServerConfig{
		QueueCapacity: cfg.QueueCapacity,
	})
	reg := registry.New(rt, self)

	// 5. Builtin daemons
	shell := daemon.NewShell(daemon.Deps{
		Config:      cfg,
		Router:      rt,
		Registry:    reg,
		Connections: wsServer,
	})
	shell.Add(daemon.NewSystemDaemon())
	if err := shell.StartAll(ctx); err != nil {
		slog.Error("Failed to start daemons", "error", err)
		os.Exit(1)
	}

	// 6. Export the command catalog for CLI and MCP consumers
	if err := reg.WriteCatalog(cfg.CatalogDir()); err != nil {
		slog.Error("Failed to write command catalog", "error", err)
		os.Exit(1)
	}

	// 7. HTTP server (non-blocking)
	httpServer := api.NewServer(self, rt, wsServer, reg)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.ActivePort())
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 8. Publish the ready signal once the listener is up
	if err := cfg.WriteReadySignal(); err != nil {
		slog.Error("Failed to write ready signal", "error", err)
	}
	slog.Info("jtagd started successfully", "instance", cfg.Instance)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: signal first, then drain, then tear down
	cfg.ClearReadySignal()

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	rt.Drain(drainCtx)
	drainCancel()

	shell.StopAll(ctx)
	wsServer.Shutdown(ctx)

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	rt.Stop()

	slog.Info("Shutdown complete")
}
