package ehrcontext

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrctx/internal/platform/auth"
	"github.com/ehr/ehrctx/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("physician", "nurse"))
	read.GET("/ehr-context-items", h.ListContextItems)
	read.GET("/ehr-ingestion-tasks/:id", h.GetIngestionTask)

	write := api.Group("", auth.RequireRole("physician"))
	write.POST("/ehr-ingestion-tasks", h.CreateIngestionTask)
}

func (h *Handler) CreateIngestionTask(c echo.Context) error {
	var rec PatientRecord
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Set("patient_id", rec.PatientID)

	task, err := h.svc.Submit(c.Request().Context(), &rec)
	if err != nil {
		if errors.Is(err, ErrInvalidRecord) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		var storageErr *StorageError
		if errors.As(err, &storageErr) && task != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]any{
				"message": "ingestion failed: context store unavailable",
				"task_id": task.ID,
				"status":  task.Status,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *Handler) GetIngestionTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	task, err := h.svc.GetTask(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "ingestion task not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handler) ListContextItems(c echo.Context) error {
	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}

	var types []ContextType
	if raw := c.QueryParam("type"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			t, err := ParseContextType(strings.TrimSpace(name))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			types = append(types, t)
		}
	}

	items, err := h.svc.ListByPatientAndTypes(c.Request().Context(), patientID, types)
	if err != nil {
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "context store unavailable")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	p := pagination.FromContext(c)
	resp := pagination.NewResponse(items, p)
	resp.Links = p.Links(c.Request().URL.Path, c.QueryParams(), resp.Total)
	return c.JSON(http.StatusOK, resp)
}
