package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hushroom/hushroom/internal/v1/crypto"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/metrics"
	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

// maxCiphertextBytes caps one message's decoded ciphertext. Generous for
// text; image payloads travel through blob storage, not the socket.
const maxCiphertextBytes = 64 << 10

// SealedMessage is a message as clients send it: already sealed under the
// room key, fields base64-encoded. The server checks shape and size only.
type SealedMessage struct {
	Ciphertext   string        `json:"ciphertext"`
	Nonce        string        `json:"nonce"`
	Tag          string        `json:"tag"`
	MsgType      types.MsgType `json:"msg_type"`
	AttachmentID *int64        `json:"attachment_id,omitempty"`
}

// MessageView is the broadcast echo of a stored message: the sealed fields
// as received, plus the server-assigned identity and ordering fields.
type MessageView struct {
	MessageID     int64               `json:"message_id"`
	ParticipantID types.ParticipantID `json:"participant_id"`
	DisplayName   *string             `json:"display_name"`
	Role          types.RoleType      `json:"role"`
	Ciphertext    string              `json:"ciphertext"`
	Nonce         string              `json:"nonce"`
	Tag           string              `json:"tag"`
	MsgType       types.MsgType       `json:"msg_type"`
	CreatedAt     time.Time           `json:"created_at"`
}

// TranscriptMessage is a decrypted message from the server-side read-out
// (transcript endpoint and archival). Messages that no longer authenticate
// carry the sentinel body.
type TranscriptMessage struct {
	ID            int64               `json:"id"`
	Sender        *string             `json:"sender"`
	Role          types.RoleType      `json:"role"`
	Body          string              `json:"body"`
	MsgType       types.MsgType       `json:"msg_type"`
	CreatedAt     time.Time           `json:"created_at"`
	ParticipantID types.ParticipantID `json:"participant_id"`
}

// AppendSealed validates a client-sealed message's shape, persists it, and
// links its attachment if one is named. The ciphertext is stored as given;
// the server does not open it.
func (m *Manager) AppendSealed(ctx context.Context, b types.Binding, sealed SealedMessage, ip *string) (*MessageView, error) {
	ct, nonce, tag, err := decodeSealed(sealed)
	if err != nil {
		return nil, err
	}
	msgType := sealed.MsgType
	if msgType == "" {
		msgType = types.MsgText
	}
	if msgType != types.MsgText && msgType != types.MsgImage {
		return nil, fmt.Errorf("%w: unknown message type %q", types.ErrValidation, msgType)
	}

	room, err := m.store.GetRoom(ctx, b.RoomID)
	if err != nil {
		return nil, err
	}
	if room.Expired(m.clock.Now()) {
		return nil, ErrRoomExpired
	}
	if !room.Status.Joinable() {
		return nil, ErrNotJoinable
	}

	msg, err := m.store.InsertMessage(ctx, store.NewMessage{
		RoomID:        b.RoomID,
		ParticipantID: b.ParticipantID,
		BodyCT:        ct,
		Nonce:         nonce,
		Tag:           tag,
		MsgType:       msgType,
		IPAddress:     ip,
		Now:           m.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesStored.WithLabelValues(string(msgType)).Inc()

	if sealed.AttachmentID != nil {
		if err := m.linkAttachment(ctx, b.RoomID, *sealed.AttachmentID, msg.ID); err != nil {
			logging.Warn(ctx, "linking attachment failed",
				zap.String("room_id", string(b.RoomID)),
				zap.Int64("attachment_id", *sealed.AttachmentID),
				zap.Error(err))
		}
	}

	sender, err := m.store.GetParticipant(ctx, b.ParticipantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	out := &MessageView{
		MessageID:     msg.ID,
		ParticipantID: b.ParticipantID,
		Role:          b.Role,
		Ciphertext:    sealed.Ciphertext,
		Nonce:         sealed.Nonce,
		Tag:           sealed.Tag,
		MsgType:       msgType,
		CreatedAt:     msg.CreatedAt,
	}
	if sender != nil {
		out.DisplayName = sender.DisplayName
	}
	return out, nil
}

func decodeSealed(sealed SealedMessage) (ct, nonce, tag []byte, err error) {
	ct, err = base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: ciphertext is not valid base64", types.ErrValidation)
	}
	if len(ct) == 0 || len(ct) > maxCiphertextBytes {
		return nil, nil, nil, fmt.Errorf("%w: ciphertext must be 1-%d bytes", types.ErrValidation, maxCiphertextBytes)
	}
	nonce, err = base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil || len(nonce) != crypto.NonceSize {
		return nil, nil, nil, fmt.Errorf("%w: nonce must be %d base64-encoded bytes", types.ErrValidation, crypto.NonceSize)
	}
	tag, err = base64.StdEncoding.DecodeString(sealed.Tag)
	if err != nil || len(tag) != crypto.TagSize {
		return nil, nil, nil, fmt.Errorf("%w: tag must be %d base64-encoded bytes", types.ErrValidation, crypto.TagSize)
	}
	return ct, nonce, tag, nil
}

// linkAttachment attaches a confirmed upload to the image message that
// references it. Unknown, foreign, or unconfirmed attachments are refused.
func (m *Manager) linkAttachment(ctx context.Context, roomID types.RoomID, attachmentID, messageID int64) error {
	att, err := m.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if att.RoomID != roomID {
		return store.ErrNotFound
	}
	if !att.Available {
		return fmt.Errorf("%w: attachment upload not confirmed", types.ErrValidation)
	}
	return m.store.LinkAttachment(ctx, attachmentID, messageID)
}

// LiveTranscript decrypts the room's stored messages for the server-side
// read-out. A message that fails authentication is delivered with the
// sentinel body rather than dropped; the transcript must stay complete.
func (m *Manager) LiveTranscript(ctx context.Context, roomID types.RoomID) ([]TranscriptMessage, error) {
	roomKey, err := m.roomKey(ctx, roomID)
	if err != nil {
		return nil, err
	}

	msgs, err := m.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}

	out := make([]TranscriptMessage, 0, len(msgs))
	for _, msg := range msgs {
		body, err := crypto.DecryptMessage(roomKey, msg.BodyCT, msg.Nonce, msg.Tag)
		if err != nil {
			logging.Warn(ctx, "message failed authentication",
				zap.String("room_id", string(roomID)),
				zap.Int64("message_id", msg.ID))
			body = crypto.DecryptionFailedSentinel
		}
		out = append(out, TranscriptMessage{
			ID:            msg.ID,
			Sender:        msg.DisplayName,
			Role:          msg.Role,
			Body:          body,
			MsgType:       msg.MsgType,
			CreatedAt:     msg.CreatedAt,
			ParticipantID: msg.ParticipantID,
		})
	}
	return out, nil
}

func (m *Manager) roomKey(ctx context.Context, roomID types.RoomID) ([]byte, error) {
	wrapped, err := m.store.GetWrappedKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return m.keeper.Unwrap(wrapped)
}
