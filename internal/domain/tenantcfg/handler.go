package tenantcfg

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medcode/medcode/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoder, auth.RoleViewer))
	read.GET("/config", h.GetConfig)
	read.GET("/config/service-line-rules", h.ListRules)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.PUT("/config", h.UpdateConfig)
	write.PUT("/config/service-line-rules", h.ReplaceRules)
}

func (h *Handler) GetConfig(c echo.Context) error {
	settings, err := h.svc.Effective(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

func (h *Handler) UpdateConfig(c echo.Context) error {
	ctx := c.Request().Context()
	cfg, err := h.svc.Config(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Bind over the current values so omitted fields keep their setting.
	if err := c.Bind(cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.UpdateConfig(ctx, cfg, auth.ActorFromContext(ctx)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) ListRules(c echo.Context) error {
	rules, err := h.svc.ListRules(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rules == nil {
		rules = []ServiceLineRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) ReplaceRules(c echo.Context) error {
	var rules []ServiceLineRule
	if err := c.Bind(&rules); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ReplaceRules(c.Request().Context(), rules); err != nil {
		if errors.Is(err, ErrInvalidRule) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rules)
}
