// Package broker is the WebSocket layer: it authenticates the handshake,
// binds sockets to seats, routes inbound frames to the lifecycle manager,
// and fans results back out to the room.
package broker

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hushroom/hushroom/internal/v1/auth"
	"github.com/hushroom/hushroom/internal/v1/lifecycle"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/metrics"
	"github.com/hushroom/hushroom/internal/v1/registry"
	"github.com/hushroom/hushroom/internal/v1/types"
)

type Broker struct {
	manager  *lifecycle.Manager
	tokens   *auth.Tokens
	registry *registry.Registry

	allowedOrigins []string

	mu      sync.Mutex
	clients map[types.SessionID]*Client
}

func New(manager *lifecycle.Manager, tokens *auth.Tokens, reg *registry.Registry, allowedOrigins []string) *Broker {
	return &Broker{
		manager:        manager,
		tokens:         tokens,
		registry:       reg,
		allowedOrigins: allowedOrigins,
		clients:        make(map[types.SessionID]*Client),
	}
}

// ServeWs authenticates the token, checks the seat is still real and the
// room still open, upgrades the connection, and seats the socket.
// Route: GET /ws/rooms/:roomId?token=...
func (b *Broker) ServeWs(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	binding, err := b.tokens.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if binding.RoomID != types.RoomID(c.Param("roomId")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for this room"})
		return
	}

	ctx := c.Request.Context()
	if err := b.manager.ValidateDeviceAccess(ctx, binding); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "seat no longer valid"})
		return
	}
	room, _, err := b.manager.RoomInfo(ctx, binding.RoomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if !room.Status.Joinable() || room.Expired(time.Now()) {
		c.JSON(http.StatusGone, gin.H{"error": "room is no longer open"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	b.HandleConnection(conn, binding, c.ClientIP())
}

// HandleConnection seats an established socket and starts its pumps. The
// remote IP is recorded against messages the socket sends.
func (b *Broker) HandleConnection(conn wsConnection, binding types.Binding, remoteIP string) {
	client := newClient(conn, b, types.SessionID(uuid.NewString()), binding, remoteIP)

	evicted, hadOld := b.registry.Bind(client.sessionID, binding)
	b.mu.Lock()
	if hadOld {
		if old, ok := b.clients[evicted]; ok {
			old.Disconnect()
			delete(b.clients, evicted)
		}
	}
	b.clients[client.sessionID] = client
	b.mu.Unlock()

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()

	b.welcome(context.Background(), client)
}

// welcome announces the new socket to the room and brings only the
// newcomer up to date on lock state and the expiry countdown. Stored
// messages are never replayed; the live feed starts at connect.
func (b *Broker) welcome(ctx context.Context, client *Client) {
	binding := client.binding

	room, views, err := b.manager.RoomInfo(ctx, binding.RoomID)
	if err != nil {
		logging.Error(ctx, "loading room for welcome failed",
			zap.String("room_id", string(binding.RoomID)), zap.Error(err))
		client.Disconnect()
		return
	}

	var self *types.ParticipantView
	for i := range views {
		if views[i].ID == binding.ParticipantID {
			self = &views[i]
			break
		}
	}
	if self != nil {
		b.broadcast(binding.RoomID, newFrame(EventParticipantConnected, participantConnectedPayload{
			ParticipantID: self.ID,
			Role:          self.Role,
			DisplayName:   self.DisplayName,
		}), "")
	}
	b.broadcast(binding.RoomID, newFrame(EventConnectionStatus, statusPayload(views)), "")

	if room.Status == types.StatusLocked {
		client.Send(newFrame(EventRoomLocked, roomLockedPayload{RoomID: binding.RoomID}))
	}
	if room.ExpiresAt != nil {
		client.Send(newFrame(EventTimerUpdate, timerUpdatePayload{
			TimeLeftSeconds: int64(b.manager.Remaining(room) / time.Second),
		}))
	}
}

// handleDisconnect reconciles a dead socket. A session evicted by its own
// reconnect is already unbound and must not free the seat.
func (b *Broker) handleDisconnect(client *Client) {
	client.Disconnect()

	b.mu.Lock()
	delete(b.clients, client.sessionID)
	b.mu.Unlock()

	binding, wasBound := b.registry.Unbind(client.sessionID)
	if !wasBound {
		return
	}

	ctx := context.Background()
	if err := b.manager.Disconnect(ctx, binding); err != nil {
		logging.Error(ctx, "disconnect reconciliation failed",
			zap.String("room_id", string(binding.RoomID)), zap.Error(err))
	}

	b.broadcast(binding.RoomID, newFrame(EventParticipantLeft, participantRefPayload{
		ParticipantID: binding.ParticipantID,
	}), "")

	if _, views, err := b.manager.RoomInfo(ctx, binding.RoomID); err == nil {
		b.broadcast(binding.RoomID, newFrame(EventConnectionStatus, statusPayload(views)), "")
	}
}

// statusPayload derives the room's connectivity summary from the current
// participant views. The room counts as secure once both seats are filled
// and live.
func statusPayload(views []types.ParticipantView) connectionStatusPayload {
	connected := 0
	for _, v := range views {
		if v.IsConnected {
			connected++
		}
	}
	return connectionStatusPayload{
		ConnectedParticipants: connected,
		TotalParticipants:     len(views),
		IsSecure:              len(views) == types.MaxParticipants && connected == types.MaxParticipants,
		Participants:          views,
	}
}

// broadcast sends a frame to every socket in the room except the named one.
// An empty except reaches everyone.
func (b *Broker) broadcast(roomID types.RoomID, frame Frame, except types.SessionID) {
	sessions := b.registry.Sessions(roomID)

	b.mu.Lock()
	targets := make([]*Client, 0, len(sessions))
	for _, sid := range sessions {
		if sid == except {
			continue
		}
		if client, ok := b.clients[sid]; ok {
			targets = append(targets, client)
		}
	}
	b.mu.Unlock()

	for _, client := range targets {
		client.Send(frame)
	}
}

// CloseRoom force-disconnects every socket in the room after telling them why.
func (b *Broker) CloseRoom(roomID types.RoomID, reason string) {
	b.broadcast(roomID, newFrame(EventRoomClosed, roomClosedPayload{Reason: reason}), "")

	sessions := b.registry.Sessions(roomID)
	b.mu.Lock()
	targets := make([]*Client, 0, len(sessions))
	for _, sid := range sessions {
		if client, ok := b.clients[sid]; ok {
			targets = append(targets, client)
		}
	}
	b.mu.Unlock()

	for _, client := range targets {
		client.Disconnect()
	}
}

func (b *Broker) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range b.allowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}
