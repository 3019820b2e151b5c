package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	core "github.com/marketbrief/marketbrief/internal/agent/core"
	"github.com/marketbrief/marketbrief/internal/store"
)

type BriefsHandler struct {
	Store *store.Store
	Orch  *core.Orchestrator
}

func (h *BriefsHandler) Register(g *echo.Group) {
	g.POST("/brief", h.submit)
	g.GET("/briefs", h.list)
	g.GET("/briefs/:id", h.get)
	g.GET("/briefs/:id/trace", h.trace)
	g.POST("/schedules", h.createSchedule)
	g.GET("/schedules", h.listSchedules)
	g.DELETE("/schedules/:id", h.deleteSchedule)
}

func (h *BriefsHandler) submit(c echo.Context) error {
	var sub BriefSubmission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if sub.Query == "" && sub.AudioData == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query or audio_data required")
	}
	req := core.BriefRequest{
		Query:     sub.Query,
		Mode:      sub.Mode,
		AudioData: sub.AudioData,
		Params:    sub.Params,
	}
	if req.Mode == "" {
		req.Mode = "text"
	}
	for _, hint := range sub.Hints {
		req.Hints = append(req.Hints, core.AgentID(hint))
	}
	if sub.DeadlineMS > 0 {
		req.Deadline = time.Now().Add(time.Duration(sub.DeadlineMS) * time.Millisecond)
	}

	result, trace, runErr := h.Orch.Run(c.Request().Context(), req)
	if err := h.Store.SaveBrief(c.Request().Context(), result, trace); err != nil {
		c.Logger().Errorf("persisting brief %s: %v", result.ID, err)
	}
	if runErr != nil && result.Status != core.StatusFailed {
		return echo.NewHTTPError(http.StatusInternalServerError, runErr.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *BriefsHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	briefs, err := h.Store.ListBriefs(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if briefs == nil {
		briefs = []store.BriefSummary{}
	}
	return c.JSON(http.StatusOK, briefs)
}

func (h *BriefsHandler) get(c echo.Context) error {
	result, err := h.Store.GetBrief(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "brief not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *BriefsHandler) trace(c echo.Context) error {
	trace, err := h.Store.GetTrace(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "brief not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, trace)
}

func (h *BriefsHandler) createSchedule(c echo.Context) error {
	var sub ScheduleSubmission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if sub.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	if sub.CronSpec != "@daily" && sub.CronSpec != "@hourly" {
		if _, err := cronexpr.Parse(sub.CronSpec); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron spec")
		}
	}
	id, err := h.Store.CreateSchedule(c.Request().Context(), sub.Query, sub.CronSpec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *BriefsHandler) listSchedules(c echo.Context) error {
	schedules, err := h.Store.ListSchedules(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if schedules == nil {
		schedules = []store.Schedule{}
	}
	return c.JSON(http.StatusOK, schedules)
}

func (h *BriefsHandler) deleteSchedule(c echo.Context) error {
	err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
