package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"chargepilot/internal/repository"
	"chargepilot/internal/service"
)

// SessionsHandler exposes session start/stop.
type SessionsHandler struct {
	engine *service.Engine
	logger *zap.Logger
}

// NewSessionsHandler returns handler.
func NewSessionsHandler(engine *service.Engine, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{engine: engine, logger: logger}
}

type startRequest struct {
	StationID   string `json:"station_id"`
	ConnectorID *int64 `json:"connector_id,omitempty"`
}

// Start handles POST /api/sessions/start.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required")
		return
	}

	result, err := h.engine.StartSession(r.Context(), req.StationID, req.ConnectorID)
	switch {
	case errors.Is(err, service.ErrNoPendingPayment):
		writeError(w, http.StatusConflict, "no pending prepayment for this station")
	case err != nil:
		h.logger.Error("start session failed", zap.String("station_id", req.StationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type stopRequest struct {
	StationID string `json:"station_id"`
	Email     string `json:"email,omitempty"`
}

// Stop handles POST /api/sessions/stop.
func (h *SessionsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required")
		return
	}

	result, err := h.engine.StopSession(r.Context(), req.StationID, req.Email)
	switch {
	case errors.Is(err, service.ErrNoActiveSession):
		writeError(w, http.StatusConflict, "no active session for this station")
	case errors.Is(err, repository.ErrAlreadySettled):
		writeError(w, http.StatusConflict, "session already settled")
	case errors.Is(err, service.ErrSettlementPersistence):
		h.logger.Error("settlement persistence failed", zap.String("station_id", req.StationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "settlement could not be persisted")
	case err != nil:
		h.logger.Error("stop session failed", zap.String("station_id", req.StationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stop session")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}
