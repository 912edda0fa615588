package encounter

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medcode/medcode/internal/platform/auth"
	"github.com/medcode/medcode/pkg/pagination"
)

// Handler is the read-only encounter query surface used by the work queue
// UI. Lifecycle actions are registered by the readiness and packet
// handlers.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoder, auth.RoleViewer))
	read.GET("/encounters", h.ListEncounters)
	read.GET("/encounters/:visit", h.GetEncounter)
	read.GET("/encounters/:visit/status-history", h.GetStatusHistory)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status:      c.QueryParam("status"),
		ServiceLine: c.QueryParam("service_line"),
		PatientMRN:  c.QueryParam("mrn"),
	}
	var err error
	if f.NeedsReview, err = boolParam(c, "needs_review"); err != nil {
		return err
	}
	if f.LateData, err = boolParam(c, "late_data"); err != nil {
		return err
	}
	encs, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pg.SetLinkHeader(c, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(encs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEncounter(c echo.Context) error {
	ctx := c.Request().Context()
	enc, err := h.repo.GetByVisit(ctx, c.Param("visit"))
	if err != nil {
		return lookupError(err)
	}
	rec, err := h.repo.LoadRecord(ctx, enc.ID)
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	ctx := c.Request().Context()
	enc, err := h.repo.GetByVisit(ctx, c.Param("visit"))
	if err != nil {
		return lookupError(err)
	}
	history, err := h.repo.GetStatusHistory(ctx, enc.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if history == nil {
		history = []*StatusHistory{}
	}
	return c.JSON(http.StatusOK, history)
}

func lookupError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func boolParam(c echo.Context, name string) (*bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &v, nil
}
