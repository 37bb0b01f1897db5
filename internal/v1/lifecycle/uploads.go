package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

// MaxAttachmentBytes caps declared upload sizes.
const MaxAttachmentBytes = 10 << 20

var (
	// ErrAttachmentTooLarge rejects uploads over MaxAttachmentBytes.
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrUnsupportedMime rejects uploads outside the image allowlist.
	ErrUnsupportedMime = errors.New("unsupported attachment type")
)

var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// UploadGrant is the client's license to upload one object directly to
// storage: the attachment record, the pre-signed URL, and the object key.
type UploadGrant struct {
	AttachmentID int64  `json:"attachment_id"`
	UploadURL    string `json:"upload_url"`
	ObjectKey    string `json:"object_key"`
}

// InitUpload validates the declared type and size, records the attachment,
// and returns a pre-signed PUT. The server never proxies the bytes.
func (m *Manager) InitUpload(ctx context.Context, b types.Binding, filename, mimeType string, sizeBytes int64) (*UploadGrant, error) {
	if !allowedMimeTypes[mimeType] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMime, mimeType)
	}
	if sizeBytes > MaxAttachmentBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrAttachmentTooLarge, sizeBytes, MaxAttachmentBytes)
	}
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("%w: file size must be positive", types.ErrValidation)
	}
	filename = sanitizeFilename(filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", types.ErrValidation)
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

	objectKey := fmt.Sprintf("%s/%s_%s", b.RoomID, uuid.NewString(), filename)
	att, err := m.store.CreateAttachment(ctx, store.NewAttachment{
		RoomID:    b.RoomID,
		ObjectKey: objectKey,
		MimeType:  mimeType,
		SizeBytes: sizeBytes,
	})
	if err != nil {
		return nil, err
	}

	uploadURL, err := m.blobs.PresignedPut(ctx, m.buckets.Attachments, objectKey)
	if err != nil {
		return nil, err
	}
	return &UploadGrant{AttachmentID: att.ID, UploadURL: uploadURL, ObjectKey: objectKey}, nil
}

// CompleteUpload verifies the object actually landed and flips the
// attachment available. Confirming twice is a conflict.
func (m *Manager) CompleteUpload(ctx context.Context, b types.Binding, attachmentID int64) (*types.Attachment, error) {
	att, err := m.attachmentFor(ctx, b.RoomID, attachmentID)
	if err != nil {
		return nil, err
	}

	exists, err := m.blobs.ObjectExists(ctx, m.buckets.Attachments, att.ObjectKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: object %q was never uploaded", types.ErrValidation, att.ObjectKey)
	}

	return m.store.MarkAttachmentAvailable(ctx, attachmentID)
}

// DownloadURL pre-signs a GET for a confirmed attachment, returning the
// URL and the stored MIME type.
func (m *Manager) DownloadURL(ctx context.Context, b types.Binding, attachmentID int64) (string, string, error) {
	att, err := m.attachmentFor(ctx, b.RoomID, attachmentID)
	if err != nil {
		return "", "", err
	}
	if !att.Available {
		return "", "", store.ErrNotFound
	}
	url, err := m.blobs.PresignedGet(ctx, m.buckets.Attachments, att.ObjectKey)
	if err != nil {
		return "", "", err
	}
	return url, att.MimeType, nil
}

// attachmentFor loads an attachment and hides rows from other rooms.
func (m *Manager) attachmentFor(ctx context.Context, roomID types.RoomID, attachmentID int64) (*types.Attachment, error) {
	att, err := m.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	if att.RoomID != roomID {
		return nil, store.ErrNotFound
	}
	return att, nil
}

// sanitizeFilename strips path components so the client cannot steer the
// object key outside the room's prefix.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}
