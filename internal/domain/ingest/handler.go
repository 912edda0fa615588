package ingest

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medcode/medcode/internal/domain/ledger"
	"github.com/medcode/medcode/internal/platform/auth"
)

// HeaderSourceID names the sending system of an HTTP payload.
const HeaderSourceID = "X-Source-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	in := api.Group("", auth.RequireRole(auth.RoleIntegration))
	in.POST("/hl7v2/ingest", h.Ingest)

	op := api.Group("", auth.RequireRole(auth.RoleCoder))
	op.POST("/messages/:id/reprocess", h.Reprocess)
}

// Ingest accepts a raw HL7v2 payload holding one message or a batch.
// Message-level failures are reported in the body with 200; a store
// failure answers 503 with the partial result so the sender retries.
func (h *Handler) Ingest(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty payload")
	}
	source := c.Request().Header.Get(HeaderSourceID)
	if source == "" {
		source = c.QueryParam("source")
	}
	if source == "" {
		source = ChannelHTTP
	}

	res, err := h.svc.Ingest(c.Request().Context(), ChannelHTTP, source, body)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, failedBatch{Error: err.Error(), BatchResult: res})
	}
	return c.JSON(http.StatusOK, res)
}

// failedBatch carries the outcomes of the messages that committed before
// the store failed.
type failedBatch struct {
	Error string `json:"error"`
	*BatchResult
}

func (h *Handler) Reprocess(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	ctx := c.Request().Context()
	res, err := h.svc.Reprocess(ctx, id, auth.ActorFromContext(ctx))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	case errors.Is(err, ErrNotReprocessable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
