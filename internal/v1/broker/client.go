package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/metrics"
	"github.com/hushroom/hushroom/internal/v1/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 * 1024
	sendBufferSize = 64
)

// wsConnection is the subset of *websocket.Conn the client needs.
// Tests substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one live socket bound to one seat in one room.
type Client struct {
	conn      wsConnection
	broker    *Broker
	sessionID types.SessionID
	binding   types.Binding
	remoteIP  string

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

var _ types.ClientConn = (*Client)(nil)

func newClient(conn wsConnection, broker *Broker, sessionID types.SessionID, binding types.Binding, remoteIP string) *Client {
	return &Client{
		conn:      conn,
		broker:    broker,
		sessionID: sessionID,
		binding:   binding,
		remoteIP:  remoteIP,
		send:      make(chan []byte, sendBufferSize),
	}
}

func (c *Client) SessionID() types.SessionID {
	return c.sessionID
}

func (c *Client) Binding() types.Binding {
	return c.binding
}

// Send marshals a frame and queues it. A full buffer drops the frame rather
// than blocking the caller; the reader on the other end is gone or stalled.
func (c *Client) Send(frame any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "marshaling frame failed", zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "send to closing client",
				zap.String("session_id", string(c.sessionID)))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping frame",
			zap.String("session_id", string(c.sessionID)))
	}
}

// Disconnect closes the send channel, which drives the writePump to send a
// close frame and tear the connection down.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump consumes inbound frames until the socket dies, then runs
// disconnect reconciliation exactly once.
func (c *Client) readPump() {
	defer func() {
		c.broker.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped, not answered.
			logging.Warn(context.Background(), "dropping malformed frame",
				zap.String("session_id", string(c.sessionID)))
			continue
		}

		c.broker.route(context.Background(), c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
