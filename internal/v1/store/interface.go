// Package store defines the persistence boundary for rooms, participants,
// messages, and attachments. The postgres subpackage is the production
// implementation; the memory subpackage backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hushroom/hushroom/internal/v1/types"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write loses to an existing record or
	// an illegal state transition.
	ErrConflict = errors.New("conflicting record")
	// ErrRoomFull is returned when admitting a participant would exceed
	// room capacity.
	ErrRoomFull = errors.New("room is full")
)

// AcceptParams carries everything needed to activate a pending room in a
// single transaction: the status flip, the wrapped room key, and the host's
// participant row.
type AcceptParams struct {
	RoomID     types.RoomID
	WrappedKey []byte
	HostDevice types.DeviceID
	HostIP     *string
	Now        time.Time
}

// NewParticipant is the insert shape for a participant row.
type NewParticipant struct {
	RoomID    types.RoomID
	Role      types.RoleType
	DeviceID  types.DeviceID
	IPAddress *string
	Now       time.Time
}

// NewMessage is the insert shape for a stored ciphertext message.
type NewMessage struct {
	RoomID        types.RoomID
	ParticipantID types.ParticipantID
	BodyCT        []byte
	Nonce         []byte
	Tag           []byte
	MsgType       types.MsgType
	IPAddress     *string
	Now           time.Time
}

// NewAttachment is the insert shape for an upload record.
type NewAttachment struct {
	RoomID    types.RoomID
	ObjectKey string
	MimeType  string
	SizeBytes int64
}

// Store is the full persistence surface.
//
// Capacity is enforced here, not by callers: AddParticipant must refuse the
// third row for a room atomically with the insert so concurrent joins cannot
// both land.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, id types.RoomID, now time.Time) (*types.Room, error)
	GetRoom(ctx context.Context, id types.RoomID) (*types.Room, error)
	AcceptRoom(ctx context.Context, p AcceptParams) (*types.Room, *types.Participant, error)
	UpdateRoomStatus(ctx context.Context, id types.RoomID, from, to types.RoomStatus) error
	// CloseRoom transitions active or locked to closed; any other status is
	// ErrConflict.
	CloseRoom(ctx context.Context, id types.RoomID, at time.Time) error
	ListExpiredRooms(ctx context.Context, now time.Time, limit int) ([]types.Room, error)
	// MarkArchived transitions closed to archived and records the archive
	// key; any other status is ErrConflict.
	MarkArchived(ctx context.Context, id types.RoomID, archiveKey string, at time.Time) error
	PurgeRoomData(ctx context.Context, id types.RoomID) error

	// Room keys
	GetWrappedKey(ctx context.Context, id types.RoomID) ([]byte, error)

	// Participants
	AddParticipant(ctx context.Context, p NewParticipant) (*types.Participant, error)
	GetParticipant(ctx context.Context, id types.ParticipantID) (*types.Participant, error)
	GetParticipantByDevice(ctx context.Context, roomID types.RoomID, deviceID types.DeviceID) (*types.Participant, error)
	ListParticipants(ctx context.Context, roomID types.RoomID) ([]types.Participant, error)
	CountParticipants(ctx context.Context, roomID types.RoomID) (int, error)
	SetDisplayName(ctx context.Context, id types.ParticipantID, name string) error
	RemoveParticipant(ctx context.Context, id types.ParticipantID) error
	// CleanupParticipants deletes the room's participants whose ids are not
	// in keep. An empty keep removes every row.
	CleanupParticipants(ctx context.Context, roomID types.RoomID, keep []types.ParticipantID) error

	// Messages
	InsertMessage(ctx context.Context, m NewMessage) (*types.Message, error)
	ListMessages(ctx context.Context, roomID types.RoomID) ([]types.Message, error)

	// Attachments
	CreateAttachment(ctx context.Context, a NewAttachment) (*types.Attachment, error)
	GetAttachment(ctx context.Context, id int64) (*types.Attachment, error)
	// MarkAttachmentAvailable flips reserved -> available; a second call is
	// ErrConflict.
	MarkAttachmentAvailable(ctx context.Context, id int64) (*types.Attachment, error)
	LinkAttachment(ctx context.Context, attachmentID, messageID int64) error

	// Close releases the underlying pool or resources.
	Close()
}
