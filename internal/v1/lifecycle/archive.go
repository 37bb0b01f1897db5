package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hushroom/hushroom/internal/v1/crypto"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/metrics"
	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

const archiveKeyTimeFormat = "20060102_150405"

// Archive is the JSON transcript written to object storage when a room is
// swept. It is the only artifact that survives the purge.
type Archive struct {
	Room             types.RoomID          `json:"room"`
	Participants     []ArchivedParticipant `json:"participants"`
	Messages         []ArchivedMessage     `json:"messages"`
	ArchivedAt       time.Time             `json:"archived_at"`
	MessageCount     int                   `json:"message_count"`
	ParticipantCount int                   `json:"participant_count"`
}

type ArchivedParticipant struct {
	Role        types.RoleType `json:"role"`
	DisplayName *string        `json:"display_name"`
	JoinedAt    time.Time      `json:"joined_at"`
}

type ArchivedMessage struct {
	Sender    *string        `json:"sender"`
	Role      types.RoleType `json:"role"`
	Body      string         `json:"body"`
	MsgType   types.MsgType  `json:"msg_type"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArchiveRoom writes the decrypted transcript of a closed room to the
// archive bucket and marks the room archived. Rows and blobs are left in
// place; PurgeRoom disposes of them separately.
//
// Messages that no longer authenticate are archived with the sentinel body;
// a tampered row must never block the sweep.
func (m *Manager) ArchiveRoom(ctx context.Context, roomID types.RoomID) error {
	participants, err := m.store.ListParticipants(ctx, roomID)
	if err != nil {
		return fmt.Errorf("listing participants for archive: %w", err)
	}

	messages, err := m.store.ListMessages(ctx, roomID)
	if err != nil {
		return fmt.Errorf("listing messages for archive: %w", err)
	}

	// A room closed before acceptance has no key; archive it empty.
	var roomKey []byte
	if len(messages) > 0 {
		roomKey, err = m.roomKey(ctx, roomID)
		if err != nil {
			return fmt.Errorf("recovering room key for archive: %w", err)
		}
	}

	now := m.clock.Now()
	archive := Archive{
		Room:             roomID,
		Participants:     make([]ArchivedParticipant, 0, len(participants)),
		Messages:         make([]ArchivedMessage, 0, len(messages)),
		ArchivedAt:       now,
		MessageCount:     len(messages),
		ParticipantCount: len(participants),
	}

	for _, p := range participants {
		archive.Participants = append(archive.Participants, ArchivedParticipant{
			Role:        p.Role,
			DisplayName: p.DisplayName,
			JoinedAt:    p.JoinedAt,
		})
	}

	for _, msg := range messages {
		body, err := crypto.DecryptMessage(roomKey, msg.BodyCT, msg.Nonce, msg.Tag)
		if err != nil {
			logging.Warn(ctx, "archiving message that failed authentication",
				zap.String("room_id", string(roomID)),
				zap.Int64("message_id", msg.ID))
			body = crypto.DecryptionFailedSentinel
		}
		archive.Messages = append(archive.Messages, ArchivedMessage{
			Sender:    msg.DisplayName,
			Role:      msg.Role,
			Body:      body,
			MsgType:   msg.MsgType,
			CreatedAt: msg.CreatedAt,
		})
	}

	data, err := json.Marshal(archive)
	if err != nil {
		return fmt.Errorf("marshaling archive: %w", err)
	}

	objectKey := fmt.Sprintf("%s/%s.json", roomID, now.UTC().Format(archiveKeyTimeFormat))
	if err := m.blobs.Put(ctx, m.buckets.Archives, objectKey, data, "application/json"); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	if err := m.store.MarkArchived(ctx, roomID, objectKey, now); err != nil {
		return fmt.Errorf("marking archived: %w", err)
	}

	metrics.RoomsArchived.Inc()
	logging.Info(ctx, "room archived",
		zap.String("room_id", string(roomID)),
		zap.String("archive_key", objectKey),
		zap.Int("messages", archive.MessageCount))
	return nil
}

// SweepExpired archives every room past its TTL or already closed. Errors
// on one room do not stop the sweep. Returns the number archived.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (int, error) {
	timer := metrics.ArchiveSweepDuration
	start := m.clock.Now()
	defer func() { timer.Observe(m.clock.Since(start).Seconds()) }()

	due, err := m.store.ListExpiredRooms(ctx, m.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("listing rooms due for archive: %w", err)
	}

	archived := 0
	for _, room := range due {
		// Expired rooms close first; if the archive then fails, the room is
		// already closed and the next sweep retries the upload.
		if room.Status.Joinable() {
			if err := m.Close(ctx, room.RoomID, "expired"); err != nil {
				logging.Error(ctx, "closing expired room failed",
					zap.String("room_id", string(room.RoomID)), zap.Error(err))
				continue
			}
		}
		if err := m.ArchiveRoom(ctx, room.RoomID); err != nil {
			logging.Error(ctx, "archiving room failed",
				zap.String("room_id", string(room.RoomID)), zap.Error(err))
			continue
		}
		archived++
	}
	return archived, nil
}

// PurgeRoom disposes of an archived room's rows, wrapped key, and attachment
// objects. The archive JSON is the only artifact that survives. Rooms that
// are not yet archived are refused so the transcript cannot be lost.
func (m *Manager) PurgeRoom(ctx context.Context, roomID types.RoomID) error {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status != types.StatusArchived {
		return fmt.Errorf("purging room in status %q: %w", room.Status, store.ErrConflict)
	}

	if err := m.store.PurgeRoomData(ctx, roomID); err != nil {
		return fmt.Errorf("purging room data: %w", err)
	}
	if err := m.blobs.RemovePrefix(ctx, m.buckets.Attachments, string(roomID)+"/"); err != nil {
		logging.Warn(ctx, "removing attachment objects failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
	}
	logging.Info(ctx, "room purged", zap.String("room_id", string(roomID)))
	return nil
}

// ArchivedTranscript loads a previously written archive.
func (m *Manager) ArchivedTranscript(ctx context.Context, roomID types.RoomID) (*Archive, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.ArchiveKey == nil {
		return nil, store.ErrNotFound
	}

	data, err := m.blobs.Get(ctx, m.buckets.Archives, *room.ArchiveKey)
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}

	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("decoding archive: %w", err)
	}
	return &archive, nil
}
