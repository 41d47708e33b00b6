package device

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame type markers, OCPP-J style: [2, id, action, payload] for a call,
// [3, id, payload] for its result.
const (
	frameCall       = 2
	frameCallResult = 3
)

const (
	actionRemoteStart = "RemoteStartTransaction"
	actionRemoteStop  = "RemoteStopTransaction"
	statusAccepted    = "Accepted"
)

// Gateway tracks connected charge points and delivers remote start/stop
// commands to them. A station with no live connection simply reports false;
// the lifecycle engine treats that the same as a rejection.
type Gateway struct {
	mu          sync.RWMutex
	connections map[string]*Conn
	pending     map[string]chan bool

	timeout  time.Duration
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewGateway builds the gateway. timeout bounds the wait for a command result.
func NewGateway(timeout time.Duration, logger *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		connections: make(map[string]*Conn),
		pending:     make(map[string]chan bool),
		timeout:     timeout,
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

// HandleWS upgrades an inbound charge point connection and registers it.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	stationID := r.URL.Query().Get("station_id")
	if stationID == "" {
		http.Error(w, "station_id is required", http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := newConn(stationID, ws, g.logger, g.handleFrame, func(id string) {
		g.remove(id)
		cancel()
	})
	g.add(conn)

	g.logger.Info("charge point connected", zap.String("station_id", stationID))
	go conn.Start(ctx)
}

// Connected reports whether a charge point currently has a live connection.
func (g *Gateway) Connected(stationID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.connections[stationID]
	return ok
}

// SendRemoteStart asks the charge point to begin delivery. Any outcome other
// than an Accepted result inside the timeout window reads as not connected.
func (g *Gateway) SendRemoteStart(ctx context.Context, stationID string) bool {
	return g.sendCommand(ctx, stationID, actionRemoteStart)
}

// SendRemoteStop asks the charge point to stop delivery, best effort.
func (g *Gateway) SendRemoteStop(ctx context.Context, stationID string) bool {
	return g.sendCommand(ctx, stationID, actionRemoteStop)
}

func (g *Gateway) sendCommand(ctx context.Context, stationID, action string) bool {
	g.mu.RLock()
	conn, ok := g.connections[stationID]
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug("no connection for station", zap.String("station_id", stationID), zap.String("action", action))
		return false
	}

	msgID := uuid.NewString()
	frame, err := json.Marshal([]any{frameCall, msgID, action, map[string]any{}})
	if err != nil {
		return false
	}

	result := make(chan bool, 1)
	g.mu.Lock()
	g.pending[msgID] = result
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, msgID)
		g.mu.Unlock()
	}()

	conn.Send(frame)

	select {
	case accepted := <-result:
		return accepted
	case <-time.After(g.timeout):
		g.logger.Warn("command timed out",
			zap.String("station_id", stationID),
			zap.String("action", action),
		)
		return false
	case <-ctx.Done():
		return false
	}
}

func (g *Gateway) handleFrame(stationID string, raw []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 3 {
		g.logger.Warn("unparseable frame", zap.String("station_id", stationID))
		return
	}

	var frameType int
	if err := json.Unmarshal(parts[0], &frameType); err != nil || frameType != frameCallResult {
		return
	}

	var msgID string
	if err := json.Unmarshal(parts[1], &msgID); err != nil {
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(parts[2], &payload); err != nil {
		return
	}

	g.mu.RLock()
	waiter, ok := g.pending[msgID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case waiter <- payload.Status == statusAccepted:
	default:
	}
}

func (g *Gateway) add(conn *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connections[conn.StationID()] = conn
}

func (g *Gateway) remove(stationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.connections, stationID)
	g.logger.Info("charge point disconnected", zap.String("station_id", stationID))
}
