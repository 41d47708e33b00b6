package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chargepilot/internal/telemetry"
)

const telemetryWriteWait = 5 * time.Second

// TelemetryWSHandler pushes live energy updates to UI clients. Clients may
// narrow to one station with ?station_id=; dropped events are recoverable via
// the live energy endpoint.
type TelemetryWSHandler struct {
	publisher *telemetry.Publisher
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewTelemetryWSHandler returns handler.
func NewTelemetryWSHandler(publisher *telemetry.Publisher, logger *zap.Logger) *TelemetryWSHandler {
	return &TelemetryWSHandler{
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Handle upgrades the connection and forwards events until the client leaves.
func (h *TelemetryWSHandler) Handle(w http.ResponseWriter, r *http.Request) {
	stationFilter := r.URL.Query().Get("station_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("telemetry websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.publisher.Subscribe()
	defer cancel()

	// Reader goroutine detects client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if stationFilter != "" && ev.StationID != stationFilter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(telemetryWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
