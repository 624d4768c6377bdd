package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/continuum-dev/jtag/pkg/version"
)

// HealthResponse is the GET /health body. Minimal and unauthenticated; no
// internal state beyond coarse counters leaks here.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UptimeSec   int64  `json:"uptimeSec"`
	Connections int    `json:"connections"`
	Endpoints   int    `json:"endpoints"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	conns := 0
	if s.wsServer != nil {
		conns = s.wsServer.ActiveConnections()
	}
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:      "healthy",
		Version:     version.GitCommit,
		UptimeSec:   int64(time.Since(s.startedAt) / time.Second),
		Connections: conns,
		Endpoints:   len(s.router.Enumerate()),
	})
}
