package ledger

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medcode/medcode/internal/platform/auth"
	"github.com/medcode/medcode/pkg/pagination"
)

// Handler exposes the message audit log. Reprocessing lives with the
// ingestion pipeline.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoder, auth.RoleViewer, auth.RoleIntegration))
	read.GET("/messages", h.ListMessages)
	read.GET("/messages/:id", h.GetMessage)
}

func (h *Handler) ListMessages(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Outcome:   Outcome(c.QueryParam("outcome")),
		ControlID: c.QueryParam("control_id"),
		VisitID:   c.QueryParam("visit"),
	}
	if f.Outcome != "" && !f.Outcome.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid outcome")
	}
	msgs, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pg.SetLinkHeader(c, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	m, err := h.repo.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}
