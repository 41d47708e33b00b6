package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"chargepilot/internal/repository"
	"chargepilot/internal/service"
)

// PaymentsHandler exposes the prepayment step.
type PaymentsHandler struct {
	engine *service.Engine
	logger *zap.Logger
}

// NewPaymentsHandler returns handler.
func NewPaymentsHandler(engine *service.Engine, logger *zap.Logger) *PaymentsHandler {
	return &PaymentsHandler{engine: engine, logger: logger}
}

type prepayRequest struct {
	StationID   string  `json:"station_id"`
	ConnectorID *int64  `json:"connector_id,omitempty"`
	Amount      float64 `json:"amount"`
	Email       string  `json:"email,omitempty"`
}

// Prepay handles POST /api/payments/prepay.
func (h *PaymentsHandler) Prepay(w http.ResponseWriter, r *http.Request) {
	var req prepayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	result, err := h.engine.Prepay(r.Context(), service.PrepayInput{
		StationID:   req.StationID,
		ConnectorID: req.ConnectorID,
		Amount:      req.Amount,
		Email:       req.Email,
	})
	switch {
	case errors.Is(err, repository.ErrConnectorBusy):
		writeError(w, http.StatusConflict, "connector already has an active session")
	case errors.Is(err, repository.ErrStationNotFound):
		writeError(w, http.StatusNotFound, "station not found")
	case err != nil:
		h.logger.Error("prepayment failed", zap.String("station_id", req.StationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create prepayment")
	default:
		writeJSON(w, http.StatusCreated, result)
	}
}
