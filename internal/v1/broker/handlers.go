package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hushroom/hushroom/internal/v1/lifecycle"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/metrics"
	"github.com/hushroom/hushroom/internal/v1/store"
)

// route dispatches one inbound frame. Unknown types are dropped; a chat
// socket is not a negotiation channel, and errors never travel back as
// frame payloads.
func (b *Broker) route(ctx context.Context, client *Client, frame Frame) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(frame.Type).Observe(time.Since(start).Seconds())
	}()

	switch frame.Type {
	case EventMessageSend:
		b.handleMessageSend(ctx, client, frame.Payload)
	case EventAnnounceName:
		b.handleAnnounceName(ctx, client, frame.Payload)
	case EventVerify:
		b.handleVerify(ctx, client, frame.Payload)
	case EventDestroyRoom:
		b.handleDestroyRoom(ctx, client)
	case EventJoinRoom:
		client.Send(newFrame(EventJoinedRoom, joinedRoomPayload{RoomID: client.binding.RoomID}))
		metrics.WebsocketEvents.WithLabelValues(EventJoinRoom, "ok").Inc()
	case EventPing:
		client.Send(newFrame(EventPong, pongPayload{TimestampMS: time.Now().UnixMilli()}))
		metrics.WebsocketEvents.WithLabelValues(EventPing, "ok").Inc()
	default:
		logging.Warn(ctx, "dropping unknown frame type",
			zap.String("type", frame.Type),
			zap.String("session_id", string(client.sessionID)))
		metrics.WebsocketEvents.WithLabelValues(frame.Type, "unknown").Inc()
	}
}

// handleMessageSend persists a client-sealed message and echoes it to the
// room. A room that is gone, closed, or past expiry answers with room_closed
// to the sender; everything else wrong with the frame is dropped silently.
func (b *Broker) handleMessageSend(ctx context.Context, client *Client, payload json.RawMessage) {
	var sealed lifecycle.SealedMessage
	if err := json.Unmarshal(payload, &sealed); err != nil {
		metrics.WebsocketEvents.WithLabelValues(EventMessageSend, "malformed").Inc()
		return
	}

	var ip *string
	if client.remoteIP != "" {
		ip = &client.remoteIP
	}
	msg, err := b.manager.AppendSealed(ctx, client.binding, sealed, ip)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrRoomExpired),
			errors.Is(err, lifecycle.ErrNotJoinable),
			errors.Is(err, store.ErrNotFound):
			metrics.WebsocketEvents.WithLabelValues(EventMessageSend, "stale_room").Inc()
			client.Send(newFrame(EventRoomClosed, roomClosedPayload{Reason: reasonRoomUnavailable}))
		default:
			metrics.WebsocketEvents.WithLabelValues(EventMessageSend, "rejected").Inc()
			logging.Warn(ctx, "dropping rejected message",
				zap.String("session_id", string(client.sessionID)), zap.Error(err))
		}
		return
	}

	metrics.WebsocketEvents.WithLabelValues(EventMessageSend, "ok").Inc()
	b.broadcast(client.binding.RoomID, newFrame(EventMessage, msg), "")
}

// handleAnnounceName relays a display name to the room's other sockets.
// The durable rename travels over HTTP; this frame is peer signaling only.
func (b *Broker) handleAnnounceName(ctx context.Context, client *Client, payload json.RawMessage) {
	var p announceNamePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.DisplayName == "" {
		metrics.WebsocketEvents.WithLabelValues(EventAnnounceName, "malformed").Inc()
		return
	}

	metrics.WebsocketEvents.WithLabelValues(EventAnnounceName, "ok").Inc()
	b.broadcast(client.binding.RoomID, newFrame(EventNameAnnounced, nameAnnouncedPayload{
		ParticipantID: client.binding.ParticipantID,
		DisplayName:   p.DisplayName,
		Role:          client.binding.Role,
	}), client.sessionID)
}

// handleVerify settles an identity check. Either participant can verify the
// other; a rejection is terminal for the whole room, not just the rejected
// seat.
func (b *Broker) handleVerify(ctx context.Context, client *Client, payload json.RawMessage) {
	var p verifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.WebsocketEvents.WithLabelValues(EventVerify, "malformed").Inc()
		return
	}

	if p.Accepted {
		metrics.WebsocketEvents.WithLabelValues(EventVerify, "accepted").Inc()
		b.broadcast(client.binding.RoomID, newFrame(EventVerified, verifiedPayload{
			VerifierID:          client.binding.ParticipantID,
			VerifierName:        p.VerifierName,
			TargetParticipantID: p.TargetParticipantID,
		}), "")
		return
	}

	metrics.WebsocketEvents.WithLabelValues(EventVerify, "rejected").Inc()
	b.broadcast(client.binding.RoomID, newFrame(EventRejected, rejectedPayload{
		TargetParticipantID: p.TargetParticipantID,
	}), "")

	if err := b.manager.Close(ctx, client.binding.RoomID, reasonRejected); err != nil {
		logging.Error(ctx, "closing room after rejection failed",
			zap.String("room_id", string(client.binding.RoomID)), zap.Error(err))
	}
	b.CloseRoom(client.binding.RoomID, reasonRejected)
}

// handleDestroyRoom tears the room down. Any seated participant can pull
// this lever.
func (b *Broker) handleDestroyRoom(ctx context.Context, client *Client) {
	if err := b.manager.Close(ctx, client.binding.RoomID, reasonDestroyed); err != nil {
		metrics.WebsocketEvents.WithLabelValues(EventDestroyRoom, "error").Inc()
		logging.Error(ctx, "destroying room failed",
			zap.String("room_id", string(client.binding.RoomID)), zap.Error(err))
		return
	}

	metrics.WebsocketEvents.WithLabelValues(EventDestroyRoom, "ok").Inc()
	b.CloseRoom(client.binding.RoomID, reasonDestroyed)
}
