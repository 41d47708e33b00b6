package device

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit     = 1 << 20
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
	sendBufferLen = 16
)

// Conn wraps one charge point's websocket connection with buffered writes and
// a ping keepalive.
type Conn struct {
	stationID string
	ws        *websocket.Conn
	send      chan []byte
	logger    *zap.Logger
	onFrame   func(stationID string, raw []byte)
	onClose   func(stationID string)
}

func newConn(stationID string, ws *websocket.Conn, logger *zap.Logger, onFrame func(string, []byte), onClose func(string)) *Conn {
	return &Conn{
		stationID: stationID,
		ws:        ws,
		send:      make(chan []byte, sendBufferLen),
		logger:    logger,
		onFrame:   onFrame,
		onClose:   onClose,
	}
}

// StationID returns the charge point identifier.
func (c *Conn) StationID() string {
	return c.stationID
}

// Start launches the write pump and blocks in the read loop.
func (c *Conn) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("charge point connection closed", zap.String("station_id", c.stationID), zap.Error(err))
			return
		}
		c.onFrame(c.stationID, message)
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// Send enqueues a frame; a full buffer drops it.
func (c *Conn) Send(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping outgoing frame, buffer full", zap.String("station_id", c.stationID))
	}
}

func (c *Conn) cleanup() {
	_ = c.ws.Close()
	if c.onClose != nil {
		c.onClose(c.stationID)
	}
}
