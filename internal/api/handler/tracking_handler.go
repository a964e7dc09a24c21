package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const defaultHistoryLimit = 100

// HistoryReader pages through archived updates of a trip.
type HistoryReader interface {
	History(ctx context.Context, tripID string, after uint64, limit int64) ([]domain.TrackingUpdate, error)
}

// TrackingHandler handles HTTP requests for trip tracking sessions.
type TrackingHandler struct {
	service ports.TrackingService
	history HistoryReader
}

// NewTrackingHandler builds the handler. history may be nil when no archive is configured.
func NewTrackingHandler(service ports.TrackingService, history HistoryReader) *TrackingHandler {
	return &TrackingHandler{service: service, history: history}
}

// Start handles POST /v1/trips/:trip_id/tracking.
//
// @Summary      Start tracking a trip
// @Tags         tracking
// @Accept       json
// @Produce      json
// @Param        trip_id  path      string                true  "Trip id"
// @Param        body     body      startTrackingRequest  true  "Session role and trip reference"
// @Success      201      {object}  snapshotResponse
// @Failure      400      {object}  errorResponse
// @Failure      409      {object}  errorResponse
// @Failure      422      {object}  errorResponse
// @Router       /v1/trips/{trip_id}/tracking [post]
func (h *TrackingHandler) Start(c echo.Context) error {
	var req startTrackingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	snap, err := h.service.Start(c.Request().Context(), toStartInput(c.Param("trip_id"), req))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toSnapshotResponse(snap))
}

// Stop handles DELETE /v1/trips/:trip_id/tracking?role=driver.
//
// @Summary      Stop a tracking session
// @Tags         tracking
// @Param        trip_id  path   string  true   "Trip id"
// @Param        role     query  string  false  "driver (default) or customer"
// @Success      204
// @Failure      404      {object}  errorResponse
// @Router       /v1/trips/{trip_id}/tracking [delete]
func (h *TrackingHandler) Stop(c echo.Context) error {
	role := domain.RoleDriver
	if raw := c.QueryParam("role"); raw != "" {
		parsed, err := domain.ParseRole(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		role = parsed
	}

	if err := h.service.Stop(c.Request().Context(), c.Param("trip_id"), role); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Command handles POST /v1/trips/:trip_id/commands.
//
// @Summary      Apply a driver command
// @Tags         tracking
// @Accept       json
// @Produce      json
// @Param        trip_id  path      string          true  "Trip id"
// @Param        body     body      commandRequest  true  "Command"
// @Success      200      {object}  domain.UpdateRecord
// @Failure      404      {object}  errorResponse
// @Failure      409      {object}  errorResponse
// @Failure      422      {object}  errorResponse
// @Router       /v1/trips/{trip_id}/commands [post]
func (h *TrackingHandler) Command(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	cmd, err := domain.ParseCommand(req.Command)
	if err != nil {
		return err
	}

	update, err := h.service.Command(c.Request().Context(), c.Param("trip_id"), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, update)
}

// Snapshot handles GET /v1/trips/:trip_id/snapshot.
//
// @Summary      Current tracking state of a trip
// @Tags         tracking
// @Produce      json
// @Param        trip_id  path      string  true  "Trip id"
// @Success      200      {object}  snapshotResponse
// @Failure      404      {object}  errorResponse
// @Router       /v1/trips/{trip_id}/snapshot [get]
func (h *TrackingHandler) Snapshot(c echo.Context) error {
	snap, err := h.service.Snapshot(c.Request().Context(), c.Param("trip_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSnapshotResponse(snap))
}

// History handles GET /v1/trips/:trip_id/history?after=&limit=.
//
// @Summary      Archived updates of a trip, oldest first
// @Tags         tracking
// @Produce      json
// @Param        trip_id  path      string  true   "Trip id"
// @Param        after    query     int     false  "Only updates with a greater sequence"
// @Param        limit    query     int     false  "Page size"
// @Success      200      {object}  historyResponse
// @Failure      400      {object}  errorResponse
// @Failure      501      {object}  errorResponse
// @Router       /v1/trips/{trip_id}/history [get]
func (h *TrackingHandler) History(c echo.Context) error {
	if h.history == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "history archive not configured")
	}

	var after uint64
	if raw := c.QueryParam("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
		}
		after = v
	}
	limit := int64(defaultHistoryLimit)
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = v
	}

	tripID := c.Param("trip_id")
	updates, err := h.history.History(c.Request().Context(), tripID, after, limit)
	if err != nil {
		return err
	}

	resp := historyResponse{TripID: tripID, Updates: updates}
	if resp.Updates == nil {
		resp.Updates = []domain.TrackingUpdate{}
	}
	if n := len(updates); int64(n) == limit {
		resp.NextAfter = updates[n-1].Sequence
	}
	return c.JSON(http.StatusOK, resp)
}
