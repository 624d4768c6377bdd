package daemon

import (
	"context"
	"time"

	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/registry"
)

// SystemDaemon serves the builtin commands every server carries: liveness,
// status, and catalog listing.
type SystemDaemon struct {
	deps      Deps
	startedAt time.Time
	endpoints []string
}

// NewSystemDaemon creates the builtin system daemon.
func NewSystemDaemon() *SystemDaemon {
	return &SystemDaemon{}
}

func (d *SystemDaemon) Name() string { return "system" }

// Start registers the builtin commands.
func (d *SystemDaemon) Start(_ context.Context, deps Deps) error {
	d.deps = deps
	d.startedAt = time.Now()

	commands := []struct {
		desc    registry.Descriptor
		handler func(context.Context, *message.Envelope) (any, error)
	}{
		{
			desc: registry.Descriptor{
				Endpoint:    "system/ping",
				Description: "Liveness probe; returns pong and the server time",
				Result: map[string]registry.ParamSpec{
					"pong":     {Type: "boolean", Required: true},
					"serverMs": {Type: "number", Required: true},
				},
			},
			handler: d.ping,
		},
		{
			desc: registry.Descriptor{
				Endpoint:    "system/status",
				Description: "Server status: uptime, connections, and endpoint count",
				Result: map[string]registry.ParamSpec{
					"uptimeSec":   {Type: "number", Required: true},
					"connections": {Type: "number", Required: true},
					"endpoints":   {Type: "number", Required: true},
					"instance":    {Type: "string", Required: true},
					"environment": {Type: "string", Required: true},
				},
			},
			handler: d.status,
		},
		{
			desc: registry.Descriptor{
				Endpoint:    "jtag/list",
				Description: "List every registered command with its schema",
				Params: map[string]registry.ParamSpec{
					"query":    {Type: "string", Required: false, Description: "Keyword filter"},
					"category": {Type: "string", Required: false, Description: "Category filter"},
				},
			},
			handler: d.list,
		},
	}

	for _, cmd := range commands {
		if err := d.deps.Registry.Register(cmd.desc, cmd.handler); err != nil {
			return err
		}
		d.endpoints = append(d.endpoints, cmd.desc.Endpoint)
	}
	return nil
}

// Stop releases the builtin commands.
func (d *SystemDaemon) Stop(_ context.Context) error {
	for _, endpoint := range d.endpoints {
		d.deps.Registry.Unregister(endpoint)
	}
	d.endpoints = nil
	return nil
}

func (d *SystemDaemon) ping(_ context.Context, _ *message.Envelope) (any, error) {
	return map[string]any{
		"pong":     true,
		"serverMs": time.Now().UnixMilli(),
	}, nil
}

func (d *SystemDaemon) status(_ context.Context, _ *message.Envelope) (any, error) {
	conns := 0
	if d.deps.Connections != nil {
		conns = d.deps.Connections.ActiveConnections()
	}
	return map[string]any{
		"uptimeSec":   int64(time.Since(d.startedAt) / time.Second),
		"connections": conns,
		"endpoints":   len(d.deps.Router.Enumerate()),
		"instance":    d.deps.Config.Instance,
		"environment": d.deps.Config.Environment,
	}, nil
}

func (d *SystemDaemon) list(_ context.Context, env *message.Envelope) (any, error) {
	params, err := env.PayloadMap()
	if err != nil {
		return nil, err
	}
	query, _ := params["query"].(string)
	category, _ := params["category"].(string)
	return map[string]any{
		"commands": d.deps.Registry.Search(query, category),
	}, nil
}
