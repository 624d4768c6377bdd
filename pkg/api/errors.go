package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/continuum-dev/jtag/pkg/message"
)

// mapFabricError maps a fabric error to an HTTP error response. Only used on
// paths that cannot return an error-response envelope (e.g. a body that never
// parsed into an envelope in the first place).
func mapFabricError(err error) *echo.HTTPError {
	ferr := message.AsError(err)
	switch ferr.Kind {
	case message.InvalidMessage:
		return echo.NewHTTPError(http.StatusBadRequest, ferr.Error())
	case message.NoHandler:
		return echo.NewHTTPError(http.StatusNotFound, ferr.Error())
	case message.EndpointTaken:
		return echo.NewHTTPError(http.StatusConflict, ferr.Error())
	case message.Timeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, ferr.Error())
	case message.QueueFull, message.ClientShutdown:
		return echo.NewHTTPError(http.StatusServiceUnavailable, ferr.Error())
	}

	slog.Error("Unexpected fabric error", "kind", ferr.Kind, "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
