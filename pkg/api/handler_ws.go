package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and hands them to the
// transport layer. HandleConnection blocks until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.wsServer == nil {
		return echo.NewHTTPError(503, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Local tooling fabric: peers connect from localhost browsers and
		// CLIs, so origin checking stays off.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.wsServer.HandleConnection(c.Request().Context(), conn)
	return nil
}
