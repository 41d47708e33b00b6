package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"chargepilot/internal/registry"
	"chargepilot/internal/repository"
	"chargepilot/internal/service"
)

// StationsHandler exposes live energy and effective station views.
type StationsHandler struct {
	engine   *service.Engine
	registry *registry.Registry
	logger   *zap.Logger
}

// NewStationsHandler returns handler.
func NewStationsHandler(engine *service.Engine, reg *registry.Registry, logger *zap.Logger) *StationsHandler {
	return &StationsHandler{engine: engine, registry: reg, logger: logger}
}

// LiveEnergy handles GET /api/stations/live?station_id=….
func (h *StationsHandler) LiveEnergy(w http.ResponseWriter, r *http.Request) {
	stationID := r.URL.Query().Get("station_id")
	if stationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required")
		return
	}

	result, err := h.engine.GetLiveEnergy(r.Context(), stationID)
	switch {
	case errors.Is(err, service.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, "no charging session for this station")
	case err != nil:
		h.logger.Error("live energy lookup failed", zap.String("station_id", stationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read live energy")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// View handles GET /api/stations/view?station_id=….
func (h *StationsHandler) View(w http.ResponseWriter, r *http.Request) {
	stationID := r.URL.Query().Get("station_id")
	if stationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required")
		return
	}

	view, err := h.registry.StationView(r.Context(), stationID)
	switch {
	case errors.Is(err, repository.ErrStationNotFound):
		writeError(w, http.StatusNotFound, "station not found")
	case err != nil:
		h.logger.Error("station view failed", zap.String("station_id", stationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build station view")
	default:
		writeJSON(w, http.StatusOK, view)
	}
}
