package provider

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

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
	read.GET("/providers", h.ListProviders)
	read.GET("/providers/:id", h.GetProvider)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.PUT("/providers/:id", h.ConfigureProvider)
}

func (h *Handler) ListProviders(c echo.Context) error {
	pg := pagination.FromContext(c)
	unconfigured := c.QueryParam("unconfigured") == "true"
	out, total, err := h.svc.List(c.Request().Context(), unconfigured, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pg.SetLinkHeader(c, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetProvider(c echo.Context) error {
	p, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "provider not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

type configureRequest struct {
	EmploymentType string `json:"employment_type"`
	Active         *bool  `json:"is_active"`
}

func (h *Handler) ConfigureProvider(c echo.Context) error {
	var req configureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	ctx := c.Request().Context()
	p, err := h.svc.Configure(ctx, c.Param("id"), req.EmploymentType, active, auth.ActorFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}
