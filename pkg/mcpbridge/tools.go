package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/continuum-dev/jtag/pkg/registry"
)

// StartTimeout bounds how long jtag_system_start waits for the server to
// publish its ready signal.
const StartTimeout = 90 * time.Second

// Meta-tool names. Underscore-prefixed with jtag_ so they sort next to the
// bridged commands.
const (
	ToolSystemStart = "jtag_system_start"
	ToolSearchTools = "jtag_search_tools"
)

func (b *Bridge) registerMetaTools() {
	b.server.AddTool(&mcpsdk.Tool{
		Name: ToolSystemStart,
		Description: ToolPrefix + " Start the jtag server if it is not already running " +
			"and wait until it accepts connections",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, b.systemStartHandler)

	b.server.AddTool(&mcpsdk.Tool{
		Name: ToolSearchTools,
		Description: ToolPrefix + " Search the command catalog by keyword and category " +
			"instead of scrolling the full tool list",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Keyword matched against endpoint and description"},
				"category": {"type": "string", "description": "Restrict to one category (first endpoint segment)"}
			}
		}`),
	}, b.searchToolsHandler)
}

func (b *Bridge) systemStartHandler(ctx context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if b.starter == nil {
		return errorResult(ToolSystemStart, fmt.Errorf("server startup is not available in this bridge")), nil
	}

	startCtx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()
	status, err := b.starter(startCtx)
	if err != nil {
		return errorResult(ToolSystemStart, err), nil
	}
	return successResult(status), nil
}

func (b *Bridge) searchToolsHandler(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Query    string `json:"query"`
		Category string `json:"category"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(ToolSearchTools, fmt.Errorf("malformed arguments: %w", err)), nil
		}
	}

	matches := searchCatalog(b.catalog, args.Query, args.Category)
	hits := make([]map[string]any, 0, len(matches))
	for _, d := range matches {
		hits = append(hits, map[string]any{
			"tool":        ToolName(d.Endpoint),
			"endpoint":    d.Endpoint,
			"description": d.Description,
		})
	}
	return successResult(map[string]any{"matches": hits, "total": len(hits)}), nil
}

// searchCatalog mirrors the registry's search semantics against the static
// catalog snapshot the bridge was built with.
func searchCatalog(catalog []registry.Descriptor, query, category string) []registry.Descriptor {
	query = strings.ToLower(query)
	category = strings.ToLower(category)

	var out []registry.Descriptor
	for _, d := range catalog {
		cat := d.Category
		if cat == "" {
			if i := strings.IndexByte(d.Endpoint, '/'); i > 0 {
				cat = d.Endpoint[:i]
			} else {
				cat = d.Endpoint
			}
		}
		if category != "" && strings.ToLower(cat) != category {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(d.Endpoint), query) &&
			!strings.Contains(strings.ToLower(d.Description), query) {
			continue
		}
		out = append(out, d)
	}
	return out
}
