// Package mcpbridge exposes the fabric's command catalog as MCP tools over
// stdio, so agent runtimes can drive the fabric without speaking its
// protocol. Each catalog entry becomes one tool; two meta-tools handle
// server startup and catalog search.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/continuum-dev/jtag/pkg/registry"
	"github.com/continuum-dev/jtag/pkg/version"
)

// ToolPrefix marks bridged tool descriptions so agents can tell fabric
// commands from other MCP servers' tools.
const ToolPrefix = "[JTAG]"

// Caller invokes fabric commands. Satisfied by the client façade.
type Caller interface {
	Call(ctx context.Context, endpoint string, params map[string]any) (map[string]any, error)
}

// Starter launches the fabric server and blocks until it is ready or the
// context expires. Idempotent when the server already runs.
type Starter func(ctx context.Context) (map[string]any, error)

// Bridge is one MCP server bridging the catalog to the fabric.
type Bridge struct {
	caller  Caller
	starter Starter
	catalog []registry.Descriptor
	server  *mcpsdk.Server
}

// New builds the bridge with every catalog command plus the meta-tools
// registered.
func New(caller Caller, starter Starter, catalog []registry.Descriptor) *Bridge {
	b := &Bridge{
		caller:  caller,
		starter: starter,
		catalog: catalog,
		server: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    version.AppName,
			Version: version.GitCommit,
		}, nil),
	}
	b.registerMetaTools()
	for _, d := range catalog {
		b.registerCommandTool(d)
	}
	return b
}

// Run serves MCP over stdio until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	return b.Serve(ctx, &mcpsdk.StdioTransport{})
}

// Serve runs the bridge over an arbitrary transport.
func (b *Bridge) Serve(ctx context.Context, t mcpsdk.Transport) error {
	return b.server.Run(ctx, t)
}

// ToolName maps a fabric endpoint to an MCP tool name: slashes become
// underscores (MCP names reject '/').
func ToolName(endpoint string) string {
	return strings.ReplaceAll(endpoint, "/", "_")
}

func (b *Bridge) registerCommandTool(d registry.Descriptor) {
	schema, err := inputSchema(d)
	if err != nil {
		slog.Warn("Skipping command with unbuildable schema", "endpoint", d.Endpoint, "error", err)
		return
	}
	b.server.AddTool(&mcpsdk.Tool{
		Name:        ToolName(d.Endpoint),
		Description: fmt.Sprintf("%s %s", ToolPrefix, d.Description),
		InputSchema: schema,
	}, b.commandHandler(d))
}

// inputSchema translates a descriptor's parameter specs into a JSON Schema
// object, 1:1 by name.
func inputSchema(d registry.Descriptor) (json.RawMessage, error) {
	properties := make(map[string]any, len(d.Params))
	var required []string
	for name, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

func (b *Bridge) commandHandler(d registry.Descriptor) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		params := make(map[string]any)
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
				return errorResult(d.Endpoint, fmt.Errorf("malformed arguments: %w", err)), nil
			}
		}

		result, err := b.caller.Call(ctx, d.Endpoint, params)
		if err != nil {
			return errorResult(d.Endpoint, err), nil
		}
		return successResult(result), nil
	}
}

// successResult renders a command result for an agent: JSON text, plus an
// inline image when the result points at one on disk.
func successResult(result map[string]any) *mcpsdk.CallToolResult {
	content := []mcpsdk.Content{textContent(result)}
	if path, ok := imagePath(result); ok {
		if img, err := loadInlineImage(path); err == nil {
			content = append(content, img)
		} else {
			slog.Debug("Result image could not be inlined", "path", path, "error", err)
		}
	}
	return &mcpsdk.CallToolResult{Content: content}
}

// errorResult is the uniform failure shape: {"error": ..., "command": ...}.
func errorResult(endpoint string, err error) *mcpsdk.CallToolResult {
	data, merr := json.Marshal(map[string]any{
		"error":   err.Error(),
		"command": endpoint,
	})
	if merr != nil {
		data = []byte(fmt.Sprintf(`{"error":%q,"command":%q}`, err.Error(), endpoint))
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		IsError: true,
	}
}

func textContent(v any) mcpsdk.Content {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	return &mcpsdk.TextContent{Text: string(data)}
}
