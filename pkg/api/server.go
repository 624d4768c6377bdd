// Package api exposes the fabric over HTTP: the WebSocket upgrade endpoint,
// the single-envelope HTTP fallback, the command catalog, and a health probe.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/registry"
	"github.com/continuum-dev/jtag/pkg/router"
	"github.com/continuum-dev/jtag/pkg/transport"
)

// DefaultRequestTimeout bounds a request posted through the HTTP fallback.
const DefaultRequestTimeout = 30 * time.Second

// Server is the HTTP surface of one fabric server process.
type Server struct {
	self     message.Context
	router   *router.Router
	wsServer *transport.WSServer
	registry *registry.Registry

	requestTimeout time.Duration
	startedAt      time.Time

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer wires the HTTP surface to the router, WebSocket transport, and
// command catalog.
func NewServer(self message.Context, r *router.Router, ws *transport.WSServer, reg *registry.Registry) *Server {
	s := &Server{
		self:           self,
		router:         r,
		wsServer:       ws,
		registry:       reg,
		requestTimeout: DefaultRequestTimeout,
		startedAt:      time.Now(),
	}
	s.echo = s.buildRoutes()
	return s
}

func (s *Server) buildRoutes() *echo.Echo {
	e := echo.New()
	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	e.POST("/api/jtag/message", s.messageHandler)
	e.GET("/api/jtag/commands", s.commandsHandler)
	return e
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves HTTP on addr. Blocks until Shutdown or a listen error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections and drains in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
