package types

import (
	"errors"
	"time"
)

// --- Core Domain Types ---

// RoomID is the 4-character room code drawn from [A-Za-z0-9].
type RoomID string

// ParticipantID identifies a participant row. Assigned by the store.
type ParticipantID int64

// DeviceID is the opaque per-browser device identifier (a UUID string).
type DeviceID string

// SessionID identifies a single live WebSocket connection.
type SessionID string

// RoleType defines the two ends of a conversation.
type RoleType string

const (
	RoleHost  RoleType = "host"
	RoleGuest RoleType = "guest"
)

// RoomStatus is the room lifecycle state.
type RoomStatus string

const (
	StatusPending  RoomStatus = "pending"
	StatusActive   RoomStatus = "active"
	StatusLocked   RoomStatus = "locked"
	StatusClosed   RoomStatus = "closed"
	StatusArchived RoomStatus = "archived"
)

// Joinable reports whether a room in this status admits connections.
func (s RoomStatus) Joinable() bool {
	return s == StatusActive || s == StatusLocked
}

// MsgType distinguishes text messages from image messages.
type MsgType string

const (
	MsgText  MsgType = "text"
	MsgImage MsgType = "image"
)

// MaxParticipants is the hard capacity of a room.
const MaxParticipants = 2

// RoomIDLength is the length of a room code.
const RoomIDLength = 4

// RoomTTL is how long an accepted room lives before expiry.
const RoomTTL = 24 * time.Hour

// ErrValidation marks payload-shape failures surfaced as 4xx.
var ErrValidation = errors.New("validation failed")

// --- Durable Entities ---

// Room is the durable room record.
type Room struct {
	RoomID     RoomID     `json:"room_id"`
	Status     RoomStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	ArchiveKey *string    `json:"archive_key,omitempty"`
}

// Expired reports whether the room's expiry has passed at the given instant.
func (r *Room) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Participant is one end of a conversation, pinned to a device id.
type Participant struct {
	ID          ParticipantID `json:"id"`
	RoomID      RoomID        `json:"room_id"`
	Role        RoleType      `json:"role"`
	DeviceID    DeviceID      `json:"device_id"`
	DisplayName *string       `json:"display_name,omitempty"`
	IPAddress   *string       `json:"ip_address,omitempty"`
	JoinedAt    time.Time     `json:"joined_at"`
}

// Message is a stored ciphertext message. BodyCT and Tag together form the
// AEAD seal output; the 16-byte tag is kept in its own column for audit.
// DisplayName and Role are denormalized from the sender at read time.
type Message struct {
	ID            int64         `json:"id"`
	RoomID        RoomID        `json:"room_id"`
	ParticipantID ParticipantID `json:"participant_id"`
	CreatedAt     time.Time     `json:"created_at"`
	BodyCT        []byte        `json:"-"`
	Nonce         []byte        `json:"-"`
	Tag           []byte        `json:"-"`
	MsgType       MsgType       `json:"msg_type"`
	IPAddress     *string       `json:"ip_address,omitempty"`
	DisplayName   *string       `json:"display_name,omitempty"`
	Role          RoleType      `json:"role,omitempty"`
}

// Attachment tracks one uploaded object. Available flips true once the
// client confirms the object landed in blob storage; MessageID links the
// attachment to the image message that references it.
type Attachment struct {
	ID        int64  `json:"id"`
	RoomID    RoomID `json:"room_id"`
	ObjectKey string `json:"object_key"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Available bool   `json:"available"`
	MessageID *int64 `json:"message_id,omitempty"`
}

// --- Live-Session Types ---

// Binding ties a live socket session to its room, participant, and role.
// Bindings exist only in the connection registry and die with the socket.
type Binding struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	DeviceID      DeviceID
	Role          RoleType
}

// ParticipantView is the participant shape broadcast over the socket and
// returned by the room read-out: IPs stripped, live connectivity attached.
type ParticipantView struct {
	ID          ParticipantID `json:"id"`
	Role        RoleType      `json:"role"`
	DisplayName *string       `json:"display_name"`
	JoinedAt    time.Time     `json:"joined_at"`
	IsConnected bool          `json:"is_connected"`
}

// ClientConn is the behavior the broker needs from a connected client.
// The transport implements it; tests substitute mocks.
type ClientConn interface {
	SessionID() SessionID
	Binding() Binding
	Send(frame any)
	Disconnect()
}
