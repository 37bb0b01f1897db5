package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hushroom/hushroom/internal/v1/types"
)

func binding(pid types.ParticipantID) types.Binding {
	return types.Binding{
		RoomID:        "AbC1",
		ParticipantID: pid,
		DeviceID:      "device",
		Role:          types.RoleHost,
	}
}

func TestBindAndLookup(t *testing.T) {
	r := New()

	_, hadOld := r.Bind("s1", binding(1))
	assert.False(t, hadOld)

	b, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, types.ParticipantID(1), b.ParticipantID)

	assert.True(t, r.IsConnected("AbC1", 1))
	assert.False(t, r.IsConnected("AbC1", 2))
	assert.Equal(t, 1, r.LiveCount("AbC1"))
}

func TestBind_ReconnectEvictsOldSession(t *testing.T) {
	r := New()

	r.Bind("s1", binding(1))
	evicted, hadOld := r.Bind("s2", binding(1))
	require.True(t, hadOld)
	assert.Equal(t, types.SessionID("s1"), evicted)

	// The evicted session is fully gone.
	_, ok := r.Lookup("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.LiveCount("AbC1"))

	// Unbinding the stale session must not clear the new one's seat.
	_, ok = r.Unbind("s1")
	assert.False(t, ok)
	assert.True(t, r.IsConnected("AbC1", 1))
}

func TestUnbind(t *testing.T) {
	r := New()

	r.Bind("s1", binding(1))
	r.Bind("s2", binding(2))

	b, ok := r.Unbind("s1")
	require.True(t, ok)
	assert.Equal(t, types.ParticipantID(1), b.ParticipantID)
	assert.False(t, r.IsConnected("AbC1", 1))
	assert.Equal(t, 1, r.LiveCount("AbC1"))

	_, ok = r.Unbind("s2")
	require.True(t, ok)
	assert.Equal(t, 0, r.LiveCount("AbC1"))

	// Room map is cleaned up entirely.
	assert.Empty(t, r.Sessions("AbC1"))
}

func TestConnectedParticipants(t *testing.T) {
	r := New()

	r.Bind("s1", binding(1))
	r.Bind("s2", binding(2))

	got := r.ConnectedParticipants("AbC1")
	assert.True(t, got.Has(1))
	assert.True(t, got.Has(2))
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, 0, r.ConnectedParticipants("none").Len())
}

func TestConcurrentBindUnbind(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := types.SessionID(rune('a' + i%26))
			r.Bind(sid, binding(types.ParticipantID(i)))
			r.Unbind(sid)
		}(i)
	}
	wg.Wait()
}
