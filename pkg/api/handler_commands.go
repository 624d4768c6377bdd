package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// commandsHandler serves the live command catalog, same shape as the
// generated-command-schemas.json file on disk.
func (s *Server) commandsHandler(c *echo.Context) error {
	if s.registry == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "catalog not available")
	}
	data, err := s.registry.CatalogJSON()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "catalog serialization failed")
	}
	return c.JSONBlob(http.StatusOK, data)
}
