package api

import (
	"context"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/continuum-dev/jtag/pkg/message"
)

// maxEnvelopeBytes caps the HTTP fallback request body.
const maxEnvelopeBytes = 32 << 20

// messageHandler handles POST /api/jtag/message, the degraded single-envelope
// fallback for peers that cannot hold a WebSocket. Requests block until the
// response envelope is ready and return it in the body; events are accepted
// and dispatched without a body. Routing failures still produce an
// error-response envelope (HTTP 200) so fallback clients have one decode path.
func (s *Server) messageHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEnvelopeBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	env, err := message.Decode(body)
	if err != nil {
		return mapFabricError(err)
	}

	switch env.Kind {
	case message.KindEvent:
		ctx, cancel := context.WithTimeout(c.Request().Context(), s.requestTimeout)
		defer cancel()
		if _, err := s.router.Post(ctx, env); err != nil {
			return mapFabricError(err)
		}
		return c.JSON(http.StatusAccepted, map[string]any{"accepted": true})

	case message.KindRequest:
		ctx, cancel := context.WithTimeout(c.Request().Context(), s.requestTimeout)
		defer cancel()
		resp, err := s.router.Post(ctx, env)
		if err != nil {
			resp, err = message.NewErrorResponse(env, s.self, message.AsError(err))
			if err != nil {
				return mapFabricError(err)
			}
		}
		return c.JSON(http.StatusOK, resp)

	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			"responses cannot be posted; they route by correlation")
	}
}
