package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	core "github.com/marketbrief/marketbrief/internal/agent/core"
	"github.com/marketbrief/marketbrief/internal/agent/telemetry"
	"github.com/marketbrief/marketbrief/internal/runtime"
)

// OpsHandler exposes operational endpoints: an in-memory metrics snapshot
// and a circuit breaker reset restricted to admin tokens.
type OpsHandler struct {
	Telemetry *telemetry.Telemetry
	Breaker   *core.Breaker
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/metrics", h.metrics)
	g.POST("/breaker/reset", h.resetBreaker, runtime.RequireScopes(runtime.ScopeAdmin))
}

func (h *OpsHandler) metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Telemetry.GetMetrics())
}

func (h *OpsHandler) resetBreaker(c echo.Context) error {
	h.Breaker.Reset()
	return c.NoContent(http.StatusOK)
}
