package broker

import (
	"encoding/json"

	"github.com/hushroom/hushroom/internal/v1/types"
)

// Frame is the JSON envelope for every socket message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	EventMessageSend  = "message_send"
	EventDestroyRoom  = "destroy_room"
	EventAnnounceName = "announce_participant_name"
	EventVerify       = "verify_participant"
	EventPing         = "ping"
	EventJoinRoom     = "join_room"
)

// Outbound frame types.
const (
	EventMessage              = "message"
	EventJoinedRoom           = "joined_room"
	EventParticipantConnected = "participant_connected"
	EventConnectionStatus     = "connection_status_update"
	EventRoomLocked           = "room_locked"
	EventTimerUpdate          = "timer_update"
	EventRoomClosed           = "room_closed"
	EventParticipantLeft      = "participant_disconnected"
	EventNameAnnounced        = "participant_name_announced"
	EventVerified             = "participant_verified"
	EventRejected             = "participant_rejected"
	EventPong                 = "pong"
)

// Close reasons carried in room_closed frames.
const (
	reasonDestroyed       = "destroyed"
	reasonRejected        = "participant_rejected"
	reasonRoomUnavailable = "room_unavailable"
)

// --- Inbound payloads ---

type announceNamePayload struct {
	DisplayName string         `json:"display_name"`
	Role        types.RoleType `json:"role"`
}

type verifyPayload struct {
	TargetParticipantID types.ParticipantID `json:"target_participant_id"`
	Accepted            bool                `json:"accepted"`
	VerifierName        string              `json:"verifier_name"`
}

// --- Outbound payloads ---

type joinedRoomPayload struct {
	RoomID types.RoomID `json:"room_id"`
}

type participantConnectedPayload struct {
	ParticipantID types.ParticipantID `json:"participant_id"`
	Role          types.RoleType      `json:"role"`
	DisplayName   *string             `json:"display_name,omitempty"`
}

type connectionStatusPayload struct {
	ConnectedParticipants int                     `json:"connected_participants"`
	TotalParticipants     int                     `json:"total_participants"`
	IsSecure              bool                    `json:"is_secure"`
	Participants          []types.ParticipantView `json:"participants"`
}

type roomLockedPayload struct {
	RoomID types.RoomID `json:"room_id"`
}

type timerUpdatePayload struct {
	TimeLeftSeconds int64 `json:"time_left_seconds"`
}

type roomClosedPayload struct {
	Reason string `json:"reason"`
}

type participantRefPayload struct {
	ParticipantID types.ParticipantID `json:"participant_id"`
}

type nameAnnouncedPayload struct {
	ParticipantID types.ParticipantID `json:"participant_id"`
	DisplayName   string              `json:"display_name"`
	Role          types.RoleType      `json:"role"`
}

type verifiedPayload struct {
	VerifierID          types.ParticipantID `json:"verifier_id"`
	VerifierName        string              `json:"verifier_name"`
	TargetParticipantID types.ParticipantID `json:"target_participant_id"`
}

type rejectedPayload struct {
	TargetParticipantID types.ParticipantID `json:"target_participant_id"`
}

type pongPayload struct {
	TimestampMS int64 `json:"timestamp_ms"`
}

// newFrame builds an outbound frame. Marshal failures cannot happen for our
// own payload types, so the error is swallowed into an empty payload.
func newFrame(eventType string, payload any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{Type: eventType}
	}
	return Frame{Type: eventType, Payload: data}
}
