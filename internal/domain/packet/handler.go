package packet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/platform/auth"
	"github.com/medcode/medcode/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoder, auth.RoleViewer))
	read.GET("/queue", h.ListItems)
	read.GET("/queue/:id", h.GetItem)
	read.GET("/encounters/:visit/snapshots", h.ListSnapshots)
	read.GET("/encounters/:visit/snapshots/:version", h.GetSnapshot)

	op := api.Group("", auth.RequireRole(auth.RoleCoder))
	op.POST("/queue/:id/assign", h.Assign)
	op.POST("/queue/:id/complete", h.Complete)
	op.POST("/queue/:id/refresh-snapshot", h.RefreshItem)
	op.POST("/encounters/:visit/refresh-snapshot", h.RefreshEncounter)
}

func (h *Handler) ListItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ItemFilter{
		Status:      c.QueryParam("status"),
		Queue:       c.QueryParam("queue"),
		Component:   c.QueryParam("component"),
		ServiceLine: c.QueryParam("service_line"),
		AssignedTo:  c.QueryParam("assigned_to"),
	}
	items, total, err := h.svc.ListItems(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pg.SetLinkHeader(c, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return err
	}
	item, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) ListSnapshots(c echo.Context) error {
	snaps, err := h.svc.ListSnapshots(c.Request().Context(), c.Param("visit"))
	if err != nil {
		return httpError(err)
	}
	if snaps == nil {
		snaps = []*Snapshot{}
	}
	return c.JSON(http.StatusOK, snaps)
}

func (h *Handler) GetSnapshot(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid snapshot version")
	}
	snap, err := h.svc.GetSnapshot(c.Request().Context(), c.Param("visit"), version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

type assignRequest struct {
	Assignee string `json:"assignee"`
}

func (h *Handler) Assign(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	item, err := h.svc.Assign(ctx, id, req.Assignee, auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	item, err := h.svc.Complete(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) RefreshItem(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.RefreshItem(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RefreshEncounter(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.svc.RefreshEncounter(ctx, c.Param("visit"), auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func itemID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid work item id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, encounter.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAssigneeRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrItemCompleted), errors.Is(err, ErrNotGenerated):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
