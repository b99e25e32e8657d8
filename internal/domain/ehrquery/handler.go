package ehrquery

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrctx/internal/platform/auth"
	"github.com/ehr/ehrctx/internal/platform/llm"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("physician", "nurse"))
	read.POST("/ehr/:patient_id/query", h.QueryPatient)
}

func (h *Handler) QueryPatient(c echo.Context) error {
	var q Query
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	out, err := h.svc.Query(c.Request().Context(), c.Param("patient_id"), q)
	if err != nil {
		return queryHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func queryHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "query timed out")
	case IsStorageFailure(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "context store unavailable")
	case errors.Is(err, llm.ErrNoStructuredOutput):
		return echo.NewHTTPError(http.StatusBadGateway, "language model returned an invalid selection")
	}

	var qe *QueryError
	if errors.As(err, &qe) && qe.Stage != StageFetch {
		return echo.NewHTTPError(http.StatusBadGateway, "language model request failed")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
}
