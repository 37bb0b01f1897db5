// Package lifecycle owns room state transitions: creation, acceptance,
// admission, naming, closing, and archival. The broker and HTTP layers are
// thin shells over this package.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hushroom/hushroom/internal/v1/auth"
	"github.com/hushroom/hushroom/internal/v1/blob"
	"github.com/hushroom/hushroom/internal/v1/crypto"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/metrics"
	"github.com/hushroom/hushroom/internal/v1/registry"
	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

const (
	codeAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	codeRetries       = 5
	maxDisplayNameLen = 50
)

var (
	// ErrRoomExpired is returned for operations on a room past its TTL.
	ErrRoomExpired = errors.New("room expired")
	// ErrNotJoinable is returned when the room's status refuses admission.
	ErrNotJoinable = errors.New("room not joinable")
	// ErrDeviceMismatch is returned when a token's device does not own the
	// participant row it claims.
	ErrDeviceMismatch = errors.New("device does not match participant")
)

// Buckets names the two object-storage buckets the manager writes to.
type Buckets struct {
	Attachments string
	Archives    string
}

// Manager coordinates the store, object storage, crypto, and the live
// connection registry.
type Manager struct {
	store    store.Store
	blobs    blob.Store
	keeper   *crypto.Keeper
	tokens   *auth.Tokens
	registry *registry.Registry
	buckets  Buckets
	clock    clock.Clock
}

func NewManager(s store.Store, b blob.Store, k *crypto.Keeper, t *auth.Tokens, r *registry.Registry, buckets Buckets, c clock.Clock) *Manager {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Manager{
		store:    s,
		blobs:    b,
		keeper:   k,
		tokens:   t,
		registry: r,
		buckets:  buckets,
		clock:    c,
	}
}

// Admission is what a participant gets back when they are seated: their row,
// the room, a token scoped to their seat, and the room key so their client
// can seal and open messages.
type Admission struct {
	Room        *types.Room
	Participant *types.Participant
	Token       string
	RoomKeyB64  string
	Reconnect   bool
}

// CreateRoom mints a pending room. A preferred code is honored if free;
// otherwise codes are generated with bounded collision retries.
func (m *Manager) CreateRoom(ctx context.Context, preferred types.RoomID) (*types.Room, error) {
	now := m.clock.Now()

	if preferred != "" {
		if !validRoomCode(preferred) {
			return nil, fmt.Errorf("%w: room id must be %d characters of [A-Za-z0-9]",
				types.ErrValidation, types.RoomIDLength)
		}
		room, err := m.store.CreateRoom(ctx, preferred, now)
		if err != nil {
			metrics.RoomsCreated.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.RoomsCreated.WithLabelValues("ok").Inc()
		logging.Info(ctx, "room created", zap.String("room_id", string(room.RoomID)))
		return room, nil
	}

	for attempt := 0; attempt < codeRetries; attempt++ {
		code, err := randomCode()
		if err != nil {
			return nil, err
		}
		room, err := m.store.CreateRoom(ctx, code, now)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			metrics.RoomsCreated.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.RoomsCreated.WithLabelValues("ok").Inc()
		logging.Info(ctx, "room created", zap.String("room_id", string(room.RoomID)))
		return room, nil
	}
	metrics.RoomsCreated.WithLabelValues("exhausted").Inc()
	return nil, fmt.Errorf("exhausted %d room code attempts: %w", codeRetries, store.ErrConflict)
}

// Accept activates a pending room. It generates and wraps the room key,
// flips the status, and seats the host, all in one store transaction.
func (m *Manager) Accept(ctx context.Context, roomID types.RoomID, deviceID types.DeviceID, ip *string) (*Admission, error) {
	roomKey, err := m.keeper.GenerateRoomKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := m.keeper.Wrap(roomKey)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	room, host, err := m.store.AcceptRoom(ctx, store.AcceptParams{
		RoomID:     roomID,
		WrappedKey: wrapped,
		HostDevice: deviceID,
		HostIP:     ip,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}

	token, err := m.issueToken(room, host)
	if err != nil {
		return nil, err
	}

	logging.Info(ctx, "room accepted",
		zap.String("room_id", string(roomID)),
		zap.Int64("participant_id", int64(host.ID)))
	return &Admission{
		Room:        room,
		Participant: host,
		Token:       token,
		RoomKeyB64:  base64.StdEncoding.EncodeToString(roomKey),
	}, nil
}

// Join admits a device into a room, or reconnects it to its existing seat.
//
// Role assignment follows seat order: the first persisted participant is the
// host, the second the guest. Capacity is judged against both persisted rows
// and live sockets so a full room stays full even mid-reconnect.
func (m *Manager) Join(ctx context.Context, roomID types.RoomID, deviceID types.DeviceID, ip *string) (*Admission, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if room.Expired(now) {
		return nil, ErrRoomExpired
	}
	if !room.Status.Joinable() {
		return nil, ErrNotJoinable
	}

	// A joinable room always has a key (it was minted on accept); clients
	// need it to seal and open messages.
	roomKey, err := m.roomKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	keyB64 := base64.StdEncoding.EncodeToString(roomKey)

	// A returning device reclaims its seat regardless of capacity.
	if existing, err := m.store.GetParticipantByDevice(ctx, roomID, deviceID); err == nil {
		token, err := m.issueToken(room, existing)
		if err != nil {
			return nil, err
		}
		return &Admission{Room: room, Participant: existing, Token: token, RoomKeyB64: keyB64, Reconnect: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	persisted, err := m.store.CountParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	live := m.registry.LiveCount(roomID)
	if persisted >= types.MaxParticipants || live >= types.MaxParticipants {
		return nil, store.ErrRoomFull
	}

	role := types.RoleGuest
	if persisted == 0 {
		role = types.RoleHost
	}

	participant, err := m.store.AddParticipant(ctx, store.NewParticipant{
		RoomID:    roomID,
		Role:      role,
		DeviceID:  deviceID,
		IPAddress: ip,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}

	// Second seat taken: lock the room. Best effort, a lost race means the
	// other join already locked it.
	if persisted+1 >= types.MaxParticipants {
		if err := m.store.UpdateRoomStatus(ctx, roomID, types.StatusActive, types.StatusLocked); err != nil && !errors.Is(err, store.ErrConflict) {
			logging.Warn(ctx, "locking room failed", zap.String("room_id", string(roomID)), zap.Error(err))
		}
		room.Status = types.StatusLocked
	}

	token, err := m.issueToken(room, participant)
	if err != nil {
		return nil, err
	}

	logging.Info(ctx, "participant joined",
		zap.String("room_id", string(roomID)),
		zap.Int64("participant_id", int64(participant.ID)),
		zap.String("role", string(participant.Role)))
	return &Admission{Room: room, Participant: participant, Token: token, RoomKeyB64: keyB64}, nil
}

// ValidateDeviceAccess checks that a token's participant row still exists
// and belongs to the token's device. The socket handshake runs this so a
// token cannot outlive its seat.
func (m *Manager) ValidateDeviceAccess(ctx context.Context, b types.Binding) error {
	p, err := m.store.GetParticipant(ctx, b.ParticipantID)
	if err != nil {
		return err
	}
	if p.RoomID != b.RoomID || p.DeviceID != b.DeviceID {
		return ErrDeviceMismatch
	}
	return nil
}

// SetDisplayName stores a participant's chosen name.
func (m *Manager) SetDisplayName(ctx context.Context, id types.ParticipantID, name string) error {
	if name == "" || len(name) > maxDisplayNameLen {
		return fmt.Errorf("%w: display name must be 1-%d characters", types.ErrValidation, maxDisplayNameLen)
	}
	return m.store.SetDisplayName(ctx, id, name)
}

// Disconnect reconciles a dropped socket: the participant row is deleted so
// the seat frees up, stale rows without a live socket go with it, and a
// locked room reopens.
func (m *Manager) Disconnect(ctx context.Context, b types.Binding) error {
	if err := m.store.RemoveParticipant(ctx, b.ParticipantID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Rows belonging to sockets that died without reconciliation are swept
	// here; whoever still holds a live socket keeps their seat.
	live := m.registry.ConnectedParticipants(b.RoomID)
	if err := m.store.CleanupParticipants(ctx, b.RoomID, live.UnsortedList()); err != nil {
		return err
	}

	count, err := m.store.CountParticipants(ctx, b.RoomID)
	if err != nil {
		return err
	}
	if count < types.MaxParticipants {
		if err := m.store.UpdateRoomStatus(ctx, b.RoomID, types.StatusLocked, types.StatusActive); err != nil &&
			!errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	logging.Info(ctx, "participant disconnected",
		zap.String("room_id", string(b.RoomID)),
		zap.Int64("participant_id", int64(b.ParticipantID)))
	return nil
}

// Close shuts a room down immediately. The reason is free-form, for the
// logs only. The sweep will archive the room.
func (m *Manager) Close(ctx context.Context, roomID types.RoomID, reason string) error {
	if err := m.store.CloseRoom(ctx, roomID, m.clock.Now()); err != nil {
		return err
	}
	logging.Info(ctx, "room closed",
		zap.String("room_id", string(roomID)),
		zap.String("reason", reason))
	return nil
}

// RoomInfo returns the room and its participants decorated with liveness.
func (m *Manager) RoomInfo(ctx context.Context, roomID types.RoomID) (*types.Room, []types.ParticipantView, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	participants, err := m.store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	connected := m.registry.ConnectedParticipants(roomID)
	views := make([]types.ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, types.ParticipantView{
			ID:          p.ID,
			Role:        p.Role,
			DisplayName: p.DisplayName,
			JoinedAt:    p.JoinedAt,
			IsConnected: connected.Has(p.ID),
		})
	}
	return room, views, nil
}

// Remaining returns the room's time to live. Zero when already expired or
// when the room has no expiry yet.
func (m *Manager) Remaining(room *types.Room) time.Duration {
	if room.ExpiresAt == nil {
		return 0
	}
	d := room.ExpiresAt.Sub(m.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) issueToken(room *types.Room, p *types.Participant) (string, error) {
	ttl := m.Remaining(room)
	if ttl == 0 {
		// Pending rooms carry no expiry yet; bound the token by the room TTL.
		ttl = types.RoomTTL
	}
	return m.tokens.Issue(types.Binding{
		RoomID:        p.RoomID,
		ParticipantID: p.ID,
		DeviceID:      p.DeviceID,
		Role:          p.Role,
	}, ttl)
}

func validRoomCode(id types.RoomID) bool {
	if len(id) != types.RoomIDLength {
		return false
	}
	for _, r := range string(id) {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}

func randomCode() (types.RoomID, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, types.RoomIDLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating room code: %w", err)
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return types.RoomID(code), nil
}
