package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuum-dev/jtag/pkg/registry"
)

type fakeCaller struct {
	lastEndpoint string
	lastParams   map[string]any
	result       map[string]any
	err          error
}

func (f *fakeCaller) Call(_ context.Context, endpoint string, params map[string]any) (map[string]any, error) {
	f.lastEndpoint = endpoint
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

var testCatalog = []registry.Descriptor{
	{
		Endpoint:    "screenshot/capture",
		Description: "Capture a screenshot of the current page",
		Params: map[string]registry.ParamSpec{
			"selector": {Type: "string", Required: false, Description: "CSS selector to capture"},
			"fullPage": {Type: "boolean", Required: true},
		},
	},
	{
		Endpoint:    "dom/query",
		Description: "Query the DOM by selector",
		Params: map[string]registry.ParamSpec{
			"selector": {Type: "string", Required: true},
		},
	},
}

// connect builds a bridge and a live in-memory MCP session against it.
func connect(t *testing.T, caller Caller, starter Starter) *mcpsdk.ClientSession {
	t.Helper()
	b := New(caller, starter, testCatalog)

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Serve(ctx, serverTransport) }()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "bridge-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func textOf(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "screenshot_capture", ToolName("screenshot/capture"))
	assert.Equal(t, "system_start", ToolName("system/start"))
	assert.Equal(t, "list", ToolName("list"))
}

func TestBridge_ListsCatalogAndMetaTools(t *testing.T) {
	session := connect(t, &fakeCaller{}, nil)

	listed, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	byName := make(map[string]*mcpsdk.Tool, len(listed.Tools))
	for _, tool := range listed.Tools {
		byName[tool.Name] = tool
	}

	require.Contains(t, byName, "screenshot_capture")
	require.Contains(t, byName, "dom_query")
	require.Contains(t, byName, ToolSystemStart)
	require.Contains(t, byName, ToolSearchTools)

	capture := byName["screenshot_capture"]
	assert.True(t, strings.HasPrefix(capture.Description, ToolPrefix),
		"bridged tools carry the catalog prefix")

	schema, err := json.Marshal(capture.InputSchema)
	require.NoError(t, err)
	var parsed struct {
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	require.NoError(t, json.Unmarshal(schema, &parsed))
	assert.Equal(t, "string", parsed.Properties["selector"]["type"])
	assert.Equal(t, []string{"fullPage"}, parsed.Required)
}

func TestBridge_CallTranslatesParams(t *testing.T) {
	caller := &fakeCaller{result: map[string]any{"found": true}}
	session := connect(t, caller, nil)

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "dom_query",
		Arguments: map[string]any{"selector": "#app"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "dom/query", caller.lastEndpoint)
	assert.Equal(t, "#app", caller.lastParams["selector"])
	assert.Contains(t, textOf(t, result), `"found": true`)
}

func TestBridge_CallErrorShape(t *testing.T) {
	caller := &fakeCaller{err: fmt.Errorf("NoHandler: no terminal subscriber")}
	session := connect(t, caller, nil)

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name: "dom_query",
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var body struct {
		Error   string `json:"error"`
		Command string `json:"command"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &body))
	assert.Equal(t, "dom/query", body.Command)
	assert.Contains(t, body.Error, "NoHandler")
}

func TestBridge_SearchTools(t *testing.T) {
	session := connect(t, &fakeCaller{}, nil)

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      ToolSearchTools,
		Arguments: map[string]any{"query": "screenshot"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var body struct {
		Matches []map[string]any `json:"matches"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "screenshot_capture", body.Matches[0]["tool"])
}

func TestBridge_SystemStart(t *testing.T) {
	t.Run("no starter configured", func(t *testing.T) {
		session := connect(t, &fakeCaller{}, nil)
		result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
			Name: ToolSystemStart,
		})
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("starter reports status", func(t *testing.T) {
		starter := func(_ context.Context) (map[string]any, error) {
			return map[string]any{"alreadyRunning": true, "port": 9001}, nil
		}
		session := connect(t, &fakeCaller{}, starter)
		result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
			Name: ToolSystemStart,
		})
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.Contains(t, textOf(t, result), "alreadyRunning")
	})
}

func writeTestPNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shot.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
	require.NoError(t, f.Close())
	return path
}

func TestBridge_InlinesResultImages(t *testing.T) {
	path := writeTestPNG(t, 64, 48)
	caller := &fakeCaller{result: map[string]any{"path": path}}
	session := connect(t, caller, nil)

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "screenshot_capture",
		Arguments: map[string]any{"fullPage": true},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 2)

	img, ok := result.Content[1].(*mcpsdk.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.NotEmpty(t, img.Data)
}

func TestDownscaleFitsBox(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 2400, 1600))
	small := downscale(big, maxInlineWidth, maxInlineHeight)
	assert.Equal(t, 1200, small.Bounds().Dx())
	assert.Equal(t, 800, small.Bounds().Dy())

	tall := image.NewRGBA(image.Rect(0, 0, 400, 1600))
	fitted := downscale(tall, maxInlineWidth, maxInlineHeight)
	assert.Equal(t, 800, fitted.Bounds().Dy())
	assert.Equal(t, 200, fitted.Bounds().Dx())

	tiny := image.NewRGBA(image.Rect(0, 0, 100, 100))
	assert.Equal(t, tiny, downscale(tiny, maxInlineWidth, maxInlineHeight))
}

func TestImagePathDetection(t *testing.T) {
	path := writeTestPNG(t, 8, 8)

	_, ok := imagePath(map[string]any{"message": "done"})
	assert.False(t, ok)

	_, ok = imagePath(map[string]any{"path": "/nonexistent/shot.png"})
	assert.False(t, ok)

	got, ok := imagePath(map[string]any{"path": path})
	require.True(t, ok)
	assert.Equal(t, path, got)
}
