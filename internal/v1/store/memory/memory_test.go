package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func acceptedRoom(t *testing.T, s *Store, id types.RoomID) *types.Participant {
	t.Helper()
	ctx := context.Background()

	_, err := s.CreateRoom(ctx, id, t0)
	require.NoError(t, err)

	_, host, err := s.AcceptRoom(ctx, store.AcceptParams{
		RoomID:     id,
		WrappedKey: []byte("wrapped"),
		HostDevice: "host-device",
		Now:        t0,
	})
	require.NoError(t, err)
	return host
}

func TestCreateRoom_DuplicateIDConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "AbC1", t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, room.Status)

	_, err = s.CreateRoom(ctx, "AbC1", t0)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAcceptRoom_ActivatesAndSeatsHost(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateRoom(ctx, "AbC1", t0)
	require.NoError(t, err)

	room, host, err := s.AcceptRoom(ctx, store.AcceptParams{
		RoomID:     "AbC1",
		WrappedKey: []byte("wrapped"),
		HostDevice: "host-device",
		Now:        t0,
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusActive, room.Status)
	require.NotNil(t, room.ExpiresAt)
	assert.Equal(t, t0.Add(types.RoomTTL), *room.ExpiresAt)
	assert.Equal(t, types.RoleHost, host.Role)

	key, err := s.GetWrappedKey(ctx, "AbC1")
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped"), key)

	count, err := s.CountParticipants(ctx, "AbC1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAcceptRoom_OnlyFromPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	acceptedRoom(t, s, "AbC1")

	_, _, err := s.AcceptRoom(ctx, store.AcceptParams{
		RoomID: "AbC1", WrappedKey: []byte("x"), HostDevice: "other", Now: t0,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, _, err = s.AcceptRoom(ctx, store.AcceptParams{
		RoomID: "none", WrappedKey: []byte("x"), HostDevice: "other", Now: t0,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddParticipant_EnforcesCapacityAndDeviceUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	acceptedRoom(t, s, "AbC1")

	guest, err := s.AddParticipant(ctx, store.NewParticipant{
		RoomID: "AbC1", Role: types.RoleGuest, DeviceID: "guest-device", Now: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RoleGuest, guest.Role)

	// Same device again is a conflict, not a third seat.
	_, err = s.AddParticipant(ctx, store.NewParticipant{
		RoomID: "AbC1", Role: types.RoleGuest, DeviceID: "guest-device", Now: t0,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	// A third distinct device is over capacity.
	_, err = s.AddParticipant(ctx, store.NewParticipant{
		RoomID: "AbC1", Role: types.RoleGuest, DeviceID: "third-device", Now: t0,
	})
	assert.ErrorIs(t, err, store.ErrRoomFull)
}

func TestRemoveParticipant_FreesSeat(t *testing.T) {
	s := New()
	ctx := context.Background()
	acceptedRoom(t, s, "AbC1")

	guest, err := s.AddParticipant(ctx, store.NewParticipant{
		RoomID: "AbC1", Role: types.RoleGuest, DeviceID: "guest-device", Now: t0,
	})
	require.NoError(t, err)

	require.NoError(t, s.RemoveParticipant(ctx, guest.ID))

	// Seat is free again, even for a new device.
	_, err = s.AddParticipant(ctx, store.NewParticipant{
		RoomID: "AbC1", Role: types.RoleGuest, DeviceID: "new-device", Now: t0,
	})
	assert.NoError(t, err)
}

func TestListMessages_DenormalizesSender(t *testing.T) {
	s := New()
	ctx := context.Background()
	host := acceptedRoom(t, s, "AbC1")
	require.NoError(t, s.SetDisplayName(ctx, host.ID, "Alice"))

	_, err := s.InsertMessage(ctx, store.NewMessage{
		RoomID: "AbC1", ParticipantID: host.ID,
		BodyCT: []byte{1}, Nonce: []byte{2}, Tag: []byte{3},
		MsgType: types.MsgText, Now: t0,
	})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "AbC1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].DisplayName)
	assert.Equal(t, "Alice", *msgs[0].DisplayName)
	assert.Equal(t, types.RoleHost, msgs[0].Role)

	// Messages outlive their sender's row.
	require.NoError(t, s.RemoveParticipant(ctx, host.ID))
	msgs, err = s.ListMessages(ctx, "AbC1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].DisplayName)
}

func TestCloseRoom_OnlyFromActiveOrLocked(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateRoom(ctx, "Pend", t0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.CloseRoom(ctx, "Pend", t0), store.ErrConflict)

	acceptedRoom(t, s, "AbC1")
	require.NoError(t, s.CloseRoom(ctx, "AbC1", t0.Add(time.Hour)))

	// A second close is a conflict, and closed_at is untouched.
	assert.ErrorIs(t, s.CloseRoom(ctx, "AbC1", t0.Add(2*time.Hour)), store.ErrConflict)
	room, err := s.GetRoom(ctx, "AbC1")
	require.NoError(t, err)
	require.NotNil(t, room.ClosedAt)
	assert.Equal(t, t0.Add(time.Hour), *room.ClosedAt)

	assert.ErrorIs(t, s.CloseRoom(ctx, "none", t0), store.ErrNotFound)
}

func TestMarkArchived_OnlyFromClosed(t *testing.T) {
	s := New()
	ctx := context.Background()
	acceptedRoom(t, s, "AbC1")

	// Archiving an open room is refused.
	assert.ErrorIs(t, s.MarkArchived(ctx, "AbC1", "AbC1/x.json", t0), store.ErrConflict)

	require.NoError(t, s.CloseRoom(ctx, "AbC1", t0))
	require.NoError(t, s.MarkArchived(ctx, "AbC1", "AbC1/x.json", t0))

	// Neither a re-archive nor a close can move an archived room.
	assert.ErrorIs(t, s.MarkArchived(ctx, "AbC1", "AbC1/y.json", t0), store.ErrConflict)
	assert.ErrorIs(t, s.CloseRoom(ctx, "AbC1", t0), store.ErrConflict)

	room, err := s.GetRoom(ctx, "AbC1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, room.Status)
	require.NotNil(t, room.ArchiveKey)
	assert.Equal(t, "AbC1/x.json", *room.ArchiveKey)
}

func TestCleanupParticipants(t *testing.T) {
	s := New()
	ctx := context.Background()
	host := acceptedRoom(t, s, "AbC1")

	guest, err := s.AddParticipant(ctx, store.NewParticipant{
		RoomID: "AbC1", Role: types.RoleGuest, DeviceID: "guest-device", Now: t0,
	})
	require.NoError(t, err)
	other := acceptedRoom(t, s, "Db2x")

	require.NoError(t, s.CleanupParticipants(ctx, "AbC1", []types.ParticipantID{host.ID}))

	_, err = s.GetParticipant(ctx, guest.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetParticipant(ctx, host.ID)
	assert.NoError(t, err)

	// Other rooms are untouched.
	_, err = s.GetParticipant(ctx, other.ID)
	assert.NoError(t, err)

	// An empty keep list clears the room.
	require.NoError(t, s.CleanupParticipants(ctx, "AbC1", nil))
	count, err := s.CountParticipants(ctx, "AbC1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestListExpiredRooms(t *testing.T) {
	s := New()
	ctx := context.Background()

	acceptedRoom(t, s, "Live")
	acceptedRoom(t, s, "Done")
	require.NoError(t, s.CloseRoom(ctx, "Done", t0.Add(time.Hour)))

	// Not yet expired: only the closed room is due.
	due, err := s.ListExpiredRooms(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, types.RoomID("Done"), due[0].RoomID)

	// Past the TTL both are due.
	due, err = s.ListExpiredRooms(ctx, t0.Add(types.RoomTTL+time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	// Archived rooms drop out of the sweep.
	require.NoError(t, s.MarkArchived(ctx, "Done", "archives/Done/x.json", t0))
	due, err = s.ListExpiredRooms(ctx, t0.Add(types.RoomTTL+time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, types.RoomID("Live"), due[0].RoomID)
}

func TestPurgeRoomData(t *testing.T) {
	s := New()
	ctx := context.Background()
	host := acceptedRoom(t, s, "AbC1")

	_, err := s.InsertMessage(ctx, store.NewMessage{
		RoomID: "AbC1", ParticipantID: host.ID,
		BodyCT: []byte{1}, Nonce: []byte{2}, Tag: []byte{3},
		MsgType: types.MsgText, Now: t0,
	})
	require.NoError(t, err)
	_, err = s.CreateAttachment(ctx, store.NewAttachment{
		RoomID: "AbC1", ObjectKey: "AbC1/img.png", MimeType: "image/png", SizeBytes: 10,
	})
	require.NoError(t, err)

	require.NoError(t, s.PurgeRoomData(ctx, "AbC1"))

	_, err = s.GetWrappedKey(ctx, "AbC1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	msgs, err := s.ListMessages(ctx, "AbC1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	count, err := s.CountParticipants(ctx, "AbC1")
	require.NoError(t, err)
	assert.Zero(t, count)

	// The room row itself survives with its archive pointer.
	_, err = s.GetRoom(ctx, "AbC1")
	assert.NoError(t, err)
}

func TestAttachmentLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	host := acceptedRoom(t, s, "AbC1")

	att, err := s.CreateAttachment(ctx, store.NewAttachment{
		RoomID: "AbC1", ObjectKey: "AbC1/img.png", MimeType: "image/png", SizeBytes: 10,
	})
	require.NoError(t, err)
	assert.False(t, att.Available)

	_, err = s.CreateAttachment(ctx, store.NewAttachment{
		RoomID: "AbC1", ObjectKey: "AbC1/img.png", MimeType: "image/png", SizeBytes: 10,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	att, err = s.MarkAttachmentAvailable(ctx, att.ID)
	require.NoError(t, err)
	assert.True(t, att.Available)

	// Confirming a second time is a conflict.
	_, err = s.MarkAttachmentAvailable(ctx, att.ID)
	assert.ErrorIs(t, err, store.ErrConflict)

	// Unknown ids stay not-found.
	_, err = s.MarkAttachmentAvailable(ctx, 99999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msg, err := s.InsertMessage(ctx, store.NewMessage{
		RoomID: "AbC1", ParticipantID: host.ID,
		BodyCT: []byte{1}, Nonce: []byte{2}, Tag: []byte{3},
		MsgType: types.MsgImage, Now: t0,
	})
	require.NoError(t, err)

	require.NoError(t, s.LinkAttachment(ctx, att.ID, msg.ID))
	got, err := s.GetAttachment(ctx, att.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MessageID)
	assert.Equal(t, msg.ID, *got.MessageID)
}
