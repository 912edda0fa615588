package readiness

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/platform/auth"
)

type Handler struct {
	machine *Machine
	sweeper *Sweeper
}

func NewHandler(machine *Machine, sweeper *Sweeper) *Handler {
	return &Handler{machine: machine, sweeper: sweeper}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	op := api.Group("", auth.RequireRole(auth.RoleCoder))
	op.POST("/encounters/:visit/ready", h.MarkReady)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/encounters/stale/sweep", h.Sweep)
}

type markReadyRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) MarkReady(c echo.Context) error {
	var req markReadyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	enc, err := h.machine.MarkReady(ctx, c.Param("visit"), req.Reason, auth.ActorFromContext(ctx))
	switch {
	case errors.Is(err, ErrReasonRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, encounter.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, enc)
}

// Sweep runs the stale sweep for the request's tenant.
func (h *Handler) Sweep(c echo.Context) error {
	res, err := h.sweeper.RunTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
