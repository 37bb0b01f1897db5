// Package registry tracks which participants hold a live socket in which
// room. It is purely in-memory state; rows in the store are the durable
// record, the registry is the liveness record.
package registry

import (
	"sync"

	"k8s.io/utils/set"

	"github.com/hushroom/hushroom/internal/v1/types"
)

type Registry struct {
	mu       sync.Mutex
	bindings map[types.SessionID]types.Binding
	rooms    map[types.RoomID]map[types.ParticipantID]types.SessionID
}

func New() *Registry {
	return &Registry{
		bindings: make(map[types.SessionID]types.Binding),
		rooms:    make(map[types.RoomID]map[types.ParticipantID]types.SessionID),
	}
}

// Bind registers a session for a participant. If the participant already
// holds a session (a reconnect racing its predecessor), the old session is
// evicted and returned so the caller can close it.
func (r *Registry) Bind(sessionID types.SessionID, b types.Binding) (evicted types.SessionID, hadOld bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[b.RoomID]
	if !ok {
		room = make(map[types.ParticipantID]types.SessionID)
		r.rooms[b.RoomID] = room
	}

	if old, ok := room[b.ParticipantID]; ok && old != sessionID {
		delete(r.bindings, old)
		evicted, hadOld = old, true
	}

	room[b.ParticipantID] = sessionID
	r.bindings[sessionID] = b
	return evicted, hadOld
}

// Unbind removes a session and reports the binding it held. A session
// evicted by a reconnect is already gone; Unbind is then a no-op.
func (r *Registry) Unbind(sessionID types.SessionID) (types.Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[sessionID]
	if !ok {
		return types.Binding{}, false
	}
	delete(r.bindings, sessionID)

	if room, ok := r.rooms[b.RoomID]; ok {
		// Only clear the seat if this session still owns it.
		if room[b.ParticipantID] == sessionID {
			delete(room, b.ParticipantID)
		}
		if len(room) == 0 {
			delete(r.rooms, b.RoomID)
		}
	}
	return b, true
}

// Lookup returns the binding for a live session.
func (r *Registry) Lookup(sessionID types.SessionID) (types.Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[sessionID]
	return b, ok
}

// IsConnected reports whether the participant holds a live socket.
func (r *Registry) IsConnected(roomID types.RoomID, participantID types.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = room[participantID]
	return ok
}

// LiveCount returns the number of connected participants in a room.
func (r *Registry) LiveCount(roomID types.RoomID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

// Sessions returns the session ids currently connected to a room.
func (r *Registry) Sessions(roomID types.RoomID) []types.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	out := make([]types.SessionID, 0, len(room))
	for _, sid := range room {
		out = append(out, sid)
	}
	return out
}

// ConnectedParticipants returns the set of participant ids with live sockets.
func (r *Registry) ConnectedParticipants(roomID types.RoomID) set.Set[types.ParticipantID] {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := set.New[types.ParticipantID]()
	for pid := range r.rooms[roomID] {
		out.Insert(pid)
	}
	return out
}
