package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/hookflow/internal/logquery"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// TriggerEvent publishes an event
// (POST /v1/events)
func (s *Server) TriggerEvent(c echo.Context) error {
	var ev schema.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	published, err := s.svc.Trigger(c.Request().Context(), &ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, published)
}

// DefineWorkflow validates and stores a workflow
// (POST /v1/workflows)
func (s *Server) DefineWorkflow(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	def, result, err := s.svc.DefineWorkflow(c.Request().Context(), raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"workflow": def,
		"warnings": result.Warnings,
	})
}

// GetWorkflow returns a workflow with its stats
// (GET /v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.svc.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// SetWorkflowActive toggles a workflow
// (PUT /v1/workflows/:id/active)
func (s *Server) SetWorkflowActive(c echo.Context) error {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if body.Active == nil {
		return schema.NewError(schema.ErrCodeValidation, "active is required")
	}
	if err := s.svc.SetWorkflowActive(c.Request().Context(), c.Param("id"), *body.Active); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GetStats returns the run counters of a workflow
// (GET /v1/workflows/:id/stats)
func (s *Server) GetStats(c echo.Context) error {
	st, err := s.svc.Stats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// WorkflowLogs lists the rows of every run of a workflow
// (GET /v1/workflows/:id/logs?type=&limit=&where=&jq=)
func (s *Server) WorkflowLogs(c echo.Context) error {
	filter, err := logFilter(c)
	if err != nil {
		return err
	}
	filter.WorkflowID = c.Param("id")
	return s.logs(c, filter)
}

// RunLogs lists the rows of one run
// (GET /v1/runs/:runId/logs?type=&limit=&where=&jq=)
func (s *Server) RunLogs(c echo.Context) error {
	filter, err := logFilter(c)
	if err != nil {
		return err
	}
	filter.RunID = c.Param("runId")
	return s.logs(c, filter)
}

func (s *Server) logs(c echo.Context, filter store.LogFilter) error {
	out, err := s.svc.Logs(c.Request().Context(), filter, logquery.Query{
		Where: c.QueryParam("where"),
		JQ:    c.QueryParam("jq"),
	})
	if err != nil {
		return err
	}
	if out == nil {
		out = []any{}
	}
	return c.JSON(http.StatusOK, out)
}

// ListEnvTags lists stored env tags
// (GET /v1/env)
func (s *Server) ListEnvTags(c echo.Context) error {
	tags, err := s.svc.EnvTags(c.Request().Context())
	if err != nil {
		return err
	}
	if tags == nil {
		tags = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"tags": tags})
}

// PutEnv replaces the env set of a tag
// (PUT /v1/env/:tag)
func (s *Server) PutEnv(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	vars := map[string]any{}
	if err := json.Unmarshal(raw, &vars); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := s.svc.PutEnv(c.Request().Context(), c.Param("tag"), vars); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteEnv removes the env set of a tag
// (DELETE /v1/env/:tag)
func (s *Server) DeleteEnv(c echo.Context) error {
	if err := s.svc.DeleteEnv(c.Request().Context(), c.Param("tag")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// CreateTask validates and schedules a task
// (POST /v1/tasks)
func (s *Server) CreateTask(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	task, result, err := s.svc.CreateTask(c.Request().Context(), raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"task":     task,
		"warnings": result.Warnings,
	})
}

// GetTask returns a task
// (GET /v1/tasks/:id)
func (s *Server) GetTask(c echo.Context) error {
	task, err := s.svc.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task
// (DELETE /v1/tasks/:id)
func (s *Server) DeleteTask(c echo.Context) error {
	if err := s.svc.DeleteTask(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func readBody(c echo.Context) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return raw, nil
}

func logFilter(c echo.Context) (store.LogFilter, error) {
	filter := store.LogFilter{Type: schema.LogType(c.QueryParam("type"))}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, schema.NewErrorf(schema.ErrCodeValidation, "invalid limit %q", v)
		}
		filter.Limit = n
	}
	return filter, nil
}
