// Package memory is an in-memory Store used by tests and local development.
// A single mutex guards all state, which keeps the capacity and transition
// checks as atomic as the postgres implementation's transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

type Store struct {
	mu sync.Mutex

	rooms        map[types.RoomID]*types.Room
	wrappedKeys  map[types.RoomID][]byte
	participants map[types.ParticipantID]*types.Participant
	messages     map[int64]*types.Message
	attachments  map[int64]*types.Attachment

	nextParticipantID types.ParticipantID
	nextMessageID     int64
	nextAttachmentID  int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		rooms:             make(map[types.RoomID]*types.Room),
		wrappedKeys:       make(map[types.RoomID][]byte),
		participants:      make(map[types.ParticipantID]*types.Participant),
		messages:          make(map[int64]*types.Message),
		attachments:       make(map[int64]*types.Attachment),
		nextParticipantID: 1,
		nextMessageID:     1,
		nextAttachmentID:  1,
	}
}

// --- Rooms ---

func (s *Store) CreateRoom(_ context.Context, id types.RoomID, now time.Time) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[id]; exists {
		return nil, store.ErrConflict
	}
	room := &types.Room{
		RoomID:    id,
		Status:    types.StatusPending,
		CreatedAt: now,
	}
	s.rooms[id] = room
	out := *room
	return &out, nil
}

func (s *Store) GetRoom(_ context.Context, id types.RoomID) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *room
	return &out, nil
}

func (s *Store) AcceptRoom(_ context.Context, p store.AcceptParams) (*types.Room, *types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[p.RoomID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if room.Status != types.StatusPending {
		return nil, nil, store.ErrConflict
	}

	acceptedAt := p.Now
	expiresAt := p.Now.Add(types.RoomTTL)
	room.Status = types.StatusActive
	room.AcceptedAt = &acceptedAt
	room.ExpiresAt = &expiresAt

	s.wrappedKeys[p.RoomID] = append([]byte(nil), p.WrappedKey...)

	host := &types.Participant{
		ID:        s.nextParticipantID,
		RoomID:    p.RoomID,
		Role:      types.RoleHost,
		DeviceID:  p.HostDevice,
		IPAddress: p.HostIP,
		JoinedAt:  p.Now,
	}
	s.nextParticipantID++
	s.participants[host.ID] = host

	roomOut := *room
	hostOut := *host
	return &roomOut, &hostOut, nil
}

func (s *Store) UpdateRoomStatus(_ context.Context, id types.RoomID, from, to types.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	if room.Status != from {
		return store.ErrConflict
	}
	room.Status = to
	return nil
}

func (s *Store) CloseRoom(_ context.Context, id types.RoomID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	if !room.Status.Joinable() {
		return store.ErrConflict
	}
	closedAt := at
	room.Status = types.StatusClosed
	room.ClosedAt = &closedAt
	return nil
}

func (s *Store) ListExpiredRooms(_ context.Context, now time.Time, limit int) ([]types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Room
	for _, room := range s.rooms {
		if room.Status == types.StatusArchived {
			continue
		}
		if room.Status == types.StatusClosed || room.Expired(now) {
			out = append(out, *room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkArchived(_ context.Context, id types.RoomID, archiveKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	if room.Status != types.StatusClosed {
		return store.ErrConflict
	}
	key := archiveKey
	room.Status = types.StatusArchived
	room.ArchiveKey = &key
	if room.ClosedAt == nil {
		closedAt := at
		room.ClosedAt = &closedAt
	}
	return nil
}

func (s *Store) PurgeRoomData(_ context.Context, id types.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return store.ErrNotFound
	}
	for pid, p := range s.participants {
		if p.RoomID == id {
			delete(s.participants, pid)
		}
	}
	for mid, m := range s.messages {
		if m.RoomID == id {
			delete(s.messages, mid)
		}
	}
	for aid, a := range s.attachments {
		if a.RoomID == id {
			delete(s.attachments, aid)
		}
	}
	delete(s.wrappedKeys, id)
	return nil
}

// --- Room keys ---

func (s *Store) GetWrappedKey(_ context.Context, id types.RoomID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.wrappedKeys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), key...), nil
}

// --- Participants ---

func (s *Store) AddParticipant(_ context.Context, p store.NewParticipant) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[p.RoomID]; !ok {
		return nil, store.ErrNotFound
	}

	count := 0
	for _, existing := range s.participants {
		if existing.RoomID != p.RoomID {
			continue
		}
		if existing.DeviceID == p.DeviceID {
			return nil, store.ErrConflict
		}
		count++
	}
	if count >= types.MaxParticipants {
		return nil, store.ErrRoomFull
	}

	participant := &types.Participant{
		ID:        s.nextParticipantID,
		RoomID:    p.RoomID,
		Role:      p.Role,
		DeviceID:  p.DeviceID,
		IPAddress: p.IPAddress,
		JoinedAt:  p.Now,
	}
	s.nextParticipantID++
	s.participants[participant.ID] = participant

	out := *participant
	return &out, nil
}

func (s *Store) GetParticipant(_ context.Context, id types.ParticipantID) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) GetParticipantByDevice(_ context.Context, roomID types.RoomID, deviceID types.DeviceID) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.participants {
		if p.RoomID == roomID && p.DeviceID == deviceID {
			out := *p
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListParticipants(_ context.Context, roomID types.RoomID) ([]types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Participant
	for _, p := range s.participants {
		if p.RoomID == roomID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountParticipants(_ context.Context, roomID types.RoomID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, p := range s.participants {
		if p.RoomID == roomID {
			count++
		}
	}
	return count, nil
}

func (s *Store) SetDisplayName(_ context.Context, id types.ParticipantID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return store.ErrNotFound
	}
	p.DisplayName = &name
	return nil
}

func (s *Store) RemoveParticipant(_ context.Context, id types.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.participants, id)
	return nil
}

func (s *Store) CleanupParticipants(_ context.Context, roomID types.RoomID, keep []types.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepSet := make(map[types.ParticipantID]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	for pid, p := range s.participants {
		if p.RoomID != roomID {
			continue
		}
		if _, live := keepSet[pid]; !live {
			delete(s.participants, pid)
		}
	}
	return nil
}

// --- Messages ---

func (s *Store) InsertMessage(_ context.Context, m store.NewMessage) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[m.RoomID]; !ok {
		return nil, store.ErrNotFound
	}

	msg := &types.Message{
		ID:            s.nextMessageID,
		RoomID:        m.RoomID,
		ParticipantID: m.ParticipantID,
		CreatedAt:     m.Now,
		BodyCT:        append([]byte(nil), m.BodyCT...),
		Nonce:         append([]byte(nil), m.Nonce...),
		Tag:           append([]byte(nil), m.Tag...),
		MsgType:       m.MsgType,
		IPAddress:     m.IPAddress,
	}
	s.nextMessageID++
	s.messages[msg.ID] = msg

	out := *msg
	return &out, nil
}

func (s *Store) ListMessages(_ context.Context, roomID types.RoomID) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Message
	for _, m := range s.messages {
		if m.RoomID != roomID {
			continue
		}
		msg := *m
		// Denormalize sender info the way the SQL join does. The sender row
		// may already be gone after a disconnect.
		if p, ok := s.participants[m.ParticipantID]; ok {
			msg.DisplayName = p.DisplayName
			msg.Role = p.Role
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Attachments ---

func (s *Store) CreateAttachment(_ context.Context, a store.NewAttachment) (*types.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[a.RoomID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.attachments {
		if existing.RoomID == a.RoomID && existing.ObjectKey == a.ObjectKey {
			return nil, store.ErrConflict
		}
	}

	att := &types.Attachment{
		ID:        s.nextAttachmentID,
		RoomID:    a.RoomID,
		ObjectKey: a.ObjectKey,
		MimeType:  a.MimeType,
		SizeBytes: a.SizeBytes,
	}
	s.nextAttachmentID++
	s.attachments[att.ID] = att

	out := *att
	return &out, nil
}

func (s *Store) GetAttachment(_ context.Context, id int64) (*types.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) MarkAttachmentAvailable(_ context.Context, id int64) (*types.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Available {
		return nil, store.ErrConflict
	}
	a.Available = true
	out := *a
	return &out, nil
}

func (s *Store) LinkAttachment(_ context.Context, attachmentID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[attachmentID]
	if !ok {
		return store.ErrNotFound
	}
	mid := messageID
	a.MessageID = &mid
	return nil
}

func (s *Store) Close() {}
