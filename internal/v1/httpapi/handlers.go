package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hushroom/hushroom/internal/v1/auth"
	"github.com/hushroom/hushroom/internal/v1/lifecycle"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

type createRoomRequest struct {
	RoomID types.RoomID `json:"room_id"`
}

type createRoomResponse struct {
	RoomID    types.RoomID     `json:"room_id"`
	RoomToken string           `json:"room_token"`
	Status    types.RoomStatus `json:"status"`
}

// createRoom handles POST /api/v1/rooms. Anyone may mint a pending room; the
// returned room token is the capability to accept it later.
func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	device, err := s.deviceID(c)
	if err != nil {
		writeError(c, err)
		return
	}

	room, err := s.manager.CreateRoom(c.Request.Context(), req.RoomID)
	if err != nil {
		writeError(c, err)
		return
	}

	roomToken, err := s.tokens.IssueRoomToken(room.RoomID, device, types.RoomTTL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createRoomResponse{
		RoomID:    room.RoomID,
		RoomToken: roomToken,
		Status:    room.Status,
	})
}

type acceptRoomResponse struct {
	Success          bool                `json:"success"`
	Status           types.RoomStatus    `json:"status"`
	ParticipantToken string              `json:"participant_token"`
	ParticipantID    types.ParticipantID `json:"participant_id"`
	RoomKeyB64       string              `json:"room_key_b64"`
}

// acceptRoom handles POST /api/v1/rooms/:roomId/accept. Requires the room
// token minted at creation; activates the room and seats the caller as host.
func (s *Server) acceptRoom(c *gin.Context) {
	device := deviceFrom(c)

	ip := c.ClientIP()
	admission, err := s.manager.Accept(c.Request.Context(), types.RoomID(c.Param("roomId")), device, &ip)
	if err != nil {
		// Accept on a room that already left pending is a bad request, not
		// a conflict; the room token was spent.
		if errors.Is(err, store.ErrConflict) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room is not pending"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acceptRoomResponse{
		Success:          true,
		Status:           admission.Room.Status,
		ParticipantToken: admission.Token,
		ParticipantID:    admission.Participant.ID,
		RoomKeyB64:       admission.RoomKeyB64,
	})
}

type joinRoomResponse struct {
	ParticipantID    types.ParticipantID `json:"participant_id"`
	ParticipantToken string              `json:"participant_token"`
	Role             types.RoleType      `json:"role"`
	RoomKeyB64       string              `json:"room_key_b64"`
	DisplayName      *string             `json:"display_name,omitempty"`
}

// joinRoom handles POST /api/v1/rooms/:roomId/join. Seats the caller fresh
// (201), or reissues their token when the device already holds a seat (200).
func (s *Server) joinRoom(c *gin.Context) {
	device, err := s.deviceID(c)
	if err != nil {
		writeError(c, err)
		return
	}

	ip := c.ClientIP()
	admission, err := s.manager.Join(c.Request.Context(), types.RoomID(c.Param("roomId")), device, &ip)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if admission.Reconnect {
		status = http.StatusOK
	}
	c.JSON(status, joinRoomResponse{
		ParticipantID:    admission.Participant.ID,
		ParticipantToken: admission.Token,
		Role:             admission.Participant.Role,
		RoomKeyB64:       admission.RoomKeyB64,
		DisplayName:      admission.Participant.DisplayName,
	})
}

type roomInfoResponse struct {
	Room             *types.Room             `json:"room"`
	Participants     []types.ParticipantView `json:"participants"`
	ParticipantCount int                     `json:"participant_count"`
}

// roomInfo handles GET /api/v1/rooms/:roomId. Participant token required;
// the views carry no IP addresses.
func (s *Server) roomInfo(c *gin.Context) {
	room, participants, err := s.manager.RoomInfo(c.Request.Context(), types.RoomID(c.Param("roomId")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomInfoResponse{
		Room:             room,
		Participants:     participants,
		ParticipantCount: len(participants),
	})
}

// liveTranscript handles GET /api/v1/rooms/:roomId/transcript: the decrypted
// server-side read-out of a still-open room.
func (s *Server) liveTranscript(c *gin.Context) {
	msgs, err := s.manager.LiveTranscript(c.Request.Context(), types.RoomID(c.Param("roomId")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// archivedTranscript handles GET /api/v1/rooms/:roomId/archive.
func (s *Server) archivedTranscript(c *gin.Context) {
	archive, err := s.manager.ArchivedTranscript(c.Request.Context(), types.RoomID(c.Param("roomId")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, archive)
}

type setNameRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

// setDisplayName handles POST /api/v1/rooms/:roomId/name.
func (s *Server) setDisplayName(c *gin.Context) {
	var req setNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display_name is required"})
		return
	}

	binding := bindingFrom(c)
	if err := s.manager.SetDisplayName(c.Request.Context(), binding.ParticipantID, req.DisplayName); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// destroyRoom handles POST /api/v1/rooms/:roomId/destroy. Either participant
// can end the conversation; live sockets are told before they are cut.
func (s *Server) destroyRoom(c *gin.Context) {
	roomID := types.RoomID(c.Param("roomId"))
	if err := s.manager.Close(c.Request.Context(), roomID, "destroyed"); err != nil {
		writeError(c, err)
		return
	}
	if s.broker != nil {
		s.broker.CloseRoom(roomID, "destroyed")
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type initUploadRequest struct {
	Filename string `json:"filename" binding:"required"`
	FileSize int64  `json:"file_size" binding:"required"`
	MimeType string `json:"mime_type" binding:"required"`
}

// initUpload handles POST /api/v1/uploads/init. The room comes from the
// participant token, not the request.
func (s *Server) initUpload(c *gin.Context) {
	var req initUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename, file_size, and mime_type are required"})
		return
	}

	grant, err := s.manager.InitUpload(c.Request.Context(), bindingFrom(c), req.Filename, req.MimeType, req.FileSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

type completeUploadRequest struct {
	AttachmentID int64 `json:"attachment_id" binding:"required"`
}

// completeUpload handles POST /api/v1/uploads/complete.
func (s *Server) completeUpload(c *gin.Context) {
	var req completeUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attachment_id is required"})
		return
	}

	att, err := s.manager.CompleteUpload(c.Request.Context(), bindingFrom(c), req.AttachmentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "attachment": att})
}

// downloadURL handles GET /api/v1/uploads/:attachmentId/url.
func (s *Server) downloadURL(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("attachmentId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attachment id must be numeric"})
		return
	}

	url, mimeType, err := s.manager.DownloadURL(c.Request.Context(), bindingFrom(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"download_url": url, "mime_type": mimeType})
}

// writeError maps domain errors to HTTP statuses. Internal detail stays in
// the logs; clients get a stable message.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	case errors.Is(err, lifecycle.ErrDeviceMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "seat no longer valid"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": "room is full"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, lifecycle.ErrNotJoinable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is not joinable"})
	case errors.Is(err, lifecycle.ErrRoomExpired):
		c.JSON(http.StatusGone, gin.H{"error": "room expired"})
	case errors.Is(err, lifecycle.ErrAttachmentTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
	case errors.Is(err, lifecycle.ErrUnsupportedMime):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
	default:
		logging.Error(c.Request.Context(), "request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
