// jtag is the command-line client for the fabric: it invokes any registered
// command as `jtag <endpoint> --param=value`, lists the catalog, and starts
// the server on demand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/continuum-dev/jtag/pkg/client"
	"github.com/continuum-dev/jtag/pkg/config"
	"github.com/continuum-dev/jtag/pkg/launch"
	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/registry"
)

const usage = `usage:
  jtag <endpoint> [--param=value ...]   invoke a command
  jtag list [--query=q] [--category=c]  list registered commands
  jtag system/start                     start the server and wait until ready

reserved flags: --config-dir=DIR --timeout=DURATION --target=server|browser|any
`

func main() {
	// CLI output goes to stdout; keep logs on stderr and quiet by default.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "help" {
		fmt.Print(usage)
		return nil
	}

	endpoint := args[0]
	params, opts, err := parseArgs(args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Initialize(context.Background(), opts.configDir)
	if err != nil {
		return err
	}

	switch endpoint {
	case "list":
		return runList(cfg, params)
	case "system/start":
		return runSystemStart(cfg)
	default:
		return runInvoke(cfg, endpoint, params, opts)
	}
}

// runInvoke connects, calls one command, and prints its result as JSON.
func runInvoke(cfg *config.Config, endpoint string, params map[string]any, opts cliOptions) error {
	ctx := context.Background()
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Connect(connectCtx, client.Options{
		ServerURL:         cfg.ServerURL(),
		FallbackURL:       cfg.ResolvedFallbackURL(),
		EnableFallback:    true,
		TargetEnvironment: message.Target(opts.target),
	})
	if err != nil {
		return fmt.Errorf("connecting to server (is it running? try `jtag system/start`): %w", err)
	}
	defer func() { _ = c.Disconnect(ctx) }()

	callCtx := ctx
	if opts.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	result, err := c.Call(callCtx, endpoint, params)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// runList asks the live server for its catalog, falling back to the
// generated catalog file when no server is reachable.
func runList(cfg *config.Config, params map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Connect(ctx, client.Options{
		ServerURL:      cfg.ServerURL(),
		FallbackURL:    cfg.ResolvedFallbackURL(),
		EnableFallback: true,
	})
	if err == nil {
		defer func() { _ = c.Disconnect(context.Background()) }()
		result, err := c.Call(ctx, "jtag/list", params)
		if err == nil {
			return printJSON(result)
		}
	}

	// Offline: serve from the generated catalog.
	catalogPath := filepath.Join(cfg.CatalogDir(), registry.CatalogFileName)
	commands, err := registry.LoadCatalog(catalogPath)
	if err != nil {
		return fmt.Errorf("no server reachable and no catalog at %s: %w", catalogPath, err)
	}
	return printJSON(map[string]any{"commands": commands, "source": "catalog-file"})
}

func runSystemStart(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), launch.DefaultReadyTimeout)
	defer cancel()

	status, err := launch.EnsureServer(ctx, cfg)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
