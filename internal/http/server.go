package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/weddingflo/automation/internal/log"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/service"
	"github.com/weddingflo/automation/pkg/storage"
)

// triggerRequest is the inbound event envelope for POST /events.
type triggerRequest struct {
	TenantID    string             `json:"tenant_id"`
	TriggerKind models.TriggerKind `json:"trigger_kind"`
	Payload     map[string]any     `json:"payload"`
	Subject     models.SubjectRef  `json:"subject"`
}

// NewServer builds the admin API around an AutomationService.
func NewServer(svc *service.AutomationService) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/health", health)
	e.POST("/events", postEvent(svc))
	e.POST("/workflows", createWorkflow(svc))
	e.GET("/workflows", listWorkflows(svc))
	e.GET("/workflows/:id", getWorkflow(svc))
	e.POST("/workflows/:id/deactivate", setWorkflowActive(svc, false))
	e.POST("/workflows/:id/activate", setWorkflowActive(svc, true))
	e.GET("/workflows/:id/executions", listExecutions(svc))
	e.GET("/executions/:id", getExecution(svc))
	e.GET("/executions/:id/log", getExecutionLog(svc))
	e.POST("/executions/:id/cancel", cancelExecution(svc))
	return e
}

// StartServer runs the admin API on the given port.
func StartServer(port string, svc *service.AutomationService) error {
	e := NewServer(svc)
	log.GetLogger().Infof("Starting automation server on :%s", port)
	return e.Start(":" + port)
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func postEvent(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req triggerRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ids, err := svc.OnEvent(req.TenantID, req.TriggerKind, req.Payload, req.Subject)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]any{"execution_ids": ids})
	}
}

func createWorkflow(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var wf models.WorkflowDefinition
		if err := c.Bind(&wf); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		wf.Active = true
		id, err := svc.CreateWorkflow(wf)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusCreated, map[string]int64{"id": id})
	}
}

func listWorkflows(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID := c.QueryParam("tenant_id")
		if tenantID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "tenant_id query parameter is required")
		}
		workflows, err := svc.ListWorkflows(tenantID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, workflows)
	}
}

func getWorkflow(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := workflowID(c)
		if err != nil {
			return err
		}
		wf, err := svc.GetWorkflow(id)
		if err != nil {
			return notFoundOr500(err)
		}
		return c.JSON(http.StatusOK, wf)
	}
}

func setWorkflowActive(svc *service.AutomationService, active bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := workflowID(c)
		if err != nil {
			return err
		}
		if err := svc.SetWorkflowActive(id, active); err != nil {
			return notFoundOr500(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listExecutions(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := workflowID(c)
		if err != nil {
			return err
		}
		executions, err := svc.ListExecutions(id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, executions)
	}
}

func getExecution(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		exec, err := svc.GetExecution(c.Param("id"))
		if err != nil {
			return notFoundOr500(err)
		}
		return c.JSON(http.StatusOK, exec)
	}
}

func getExecutionLog(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries, err := svc.GetExecutionLog(c.Param("id"))
		if err != nil {
			return notFoundOr500(err)
		}
		return c.JSON(http.StatusOK, entries)
	}
}

func cancelExecution(svc *service.AutomationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.CancelExecution(c.Param("id")); err != nil {
			if err == storage.ErrNotFound {
				return echo.NewHTTPError(http.StatusNotFound, err.Error())
			}
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func workflowID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}
	return id, nil
}

func notFoundOr500(err error) error {
	if err == storage.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
