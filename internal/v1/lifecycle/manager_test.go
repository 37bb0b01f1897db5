package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/hushroom/hushroom/internal/v1/auth"
	"github.com/hushroom/hushroom/internal/v1/blob"
	"github.com/hushroom/hushroom/internal/v1/crypto"
	"github.com/hushroom/hushroom/internal/v1/registry"
	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/store/memory"
	"github.com/hushroom/hushroom/internal/v1/types"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	manager *Manager
	store   *memory.Store
	blobs   *blob.Memory
	clock   *clocktesting.FakeClock
	reg     *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	master := make([]byte, crypto.KeySize)
	_, err := rand.Read(master)
	require.NoError(t, err)
	keeper, err := crypto.NewKeeper(base64.StdEncoding.EncodeToString(master))
	require.NoError(t, err)

	f := &fixture{
		store: memory.New(),
		blobs: blob.NewMemory(),
		clock: clocktesting.NewFakeClock(start),
		reg:   registry.New(),
	}
	f.manager = NewManager(
		f.store, f.blobs, keeper,
		auth.NewTokens("this-is-a-very-long-secret-key-for-testing-purposes"),
		f.reg,
		Buckets{Attachments: "attachments", Archives: "archives"},
		f.clock,
	)
	return f
}

// activeRoom creates and accepts a room, returning the host's admission.
func (f *fixture) activeRoom(t *testing.T) *Admission {
	t.Helper()
	ctx := context.Background()

	room, err := f.manager.CreateRoom(ctx, "")
	require.NoError(t, err)

	adm, err := f.manager.Accept(ctx, room.RoomID, "host-device", nil)
	require.NoError(t, err)
	return adm
}

// sealFor seals a body under the admitted room key the way a client would.
func sealFor(t *testing.T, keyB64, body string) SealedMessage {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(keyB64)
	require.NoError(t, err)
	ct, nonce, tag, err := crypto.EncryptMessage(key, body)
	require.NoError(t, err)
	return SealedMessage{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		MsgType:    types.MsgText,
	}
}

func bindingOf(adm *Admission) types.Binding {
	return types.Binding{
		RoomID:        adm.Room.RoomID,
		ParticipantID: adm.Participant.ID,
		DeviceID:      adm.Participant.DeviceID,
		Role:          adm.Participant.Role,
	}
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t)

	room, err := f.manager.CreateRoom(context.Background(), "")
	require.NoError(t, err)

	assert.Len(t, string(room.RoomID), types.RoomIDLength)
	assert.Equal(t, types.StatusPending, room.Status)
	assert.Nil(t, room.ExpiresAt)
}

func TestCreateRoom_PreferredCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.manager.CreateRoom(ctx, "AbC1")
	require.NoError(t, err)
	assert.Equal(t, types.RoomID("AbC1"), room.RoomID)

	// The same code twice is a conflict.
	_, err = f.manager.CreateRoom(ctx, "AbC1")
	assert.ErrorIs(t, err, store.ErrConflict)

	for _, bad := range []types.RoomID{"ab", "abcde", "ab!?"} {
		_, err = f.manager.CreateRoom(ctx, bad)
		assert.ErrorIs(t, err, types.ErrValidation, "code %q", bad)
	}
}

func TestAccept_ActivatesRoomAndIssuesHostToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.manager.CreateRoom(ctx, "")
	require.NoError(t, err)

	adm, err := f.manager.Accept(ctx, room.RoomID, "host-device", nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusActive, adm.Room.Status)
	require.NotNil(t, adm.Room.ExpiresAt)
	assert.Equal(t, start.Add(types.RoomTTL), *adm.Room.ExpiresAt)
	assert.Equal(t, types.RoleHost, adm.Participant.Role)
	assert.NotEmpty(t, adm.Token)

	// The host walks away with the plaintext room key.
	key, err := base64.StdEncoding.DecodeString(adm.RoomKeyB64)
	require.NoError(t, err)
	assert.Len(t, key, crypto.KeySize)

	// Accepting twice is a conflict.
	_, err = f.manager.Accept(ctx, room.RoomID, "other-device", nil)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestJoin_SeatsGuestAndLocksRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	adm, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	require.NoError(t, err)
	assert.Equal(t, types.RoleGuest, adm.Participant.Role)
	assert.False(t, adm.Reconnect)

	// Both sides hold the same room key.
	assert.Equal(t, host.RoomKeyB64, adm.RoomKeyB64)

	got, err := f.store.GetRoom(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLocked, got.Status)

	// A third device is refused.
	_, err = f.manager.Join(ctx, host.Room.RoomID, "third-device", nil)
	assert.ErrorIs(t, err, store.ErrRoomFull)
}

func TestJoin_SameDeviceReconnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	first, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	require.NoError(t, err)

	second, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	require.NoError(t, err)
	assert.True(t, second.Reconnect)
	assert.Equal(t, first.Participant.ID, second.Participant.ID)
	assert.Equal(t, first.RoomKeyB64, second.RoomKeyB64)
}

func TestJoinAfterDisconnectIsFreshJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	// The host keeps a live socket through the guest's disconnect.
	f.reg.Bind("host-s", types.Binding{RoomID: host.Room.RoomID, ParticipantID: host.Participant.ID})

	first, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Disconnect(ctx, bindingOf(first)))

	// The seat is released and the room reopens.
	got, err := f.store.GetRoom(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)

	// The same device comes back as a brand new participant.
	second, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	require.NoError(t, err)
	assert.False(t, second.Reconnect)
	assert.NotEqual(t, first.Participant.ID, second.Participant.ID)
	assert.Equal(t, types.RoleGuest, second.Participant.Role)
}

func TestJoin_ExpiredRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	f.clock.SetTime(start.Add(types.RoomTTL + time.Minute))

	_, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	assert.ErrorIs(t, err, ErrRoomExpired)
}

func TestJoin_UnknownRoom(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Join(context.Background(), "zzzz", "device", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJoin_CountsLiveSockets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	// Two live sockets already hold the room even though only the host row
	// is persisted alongside a stale one.
	f.reg.Bind("s1", types.Binding{RoomID: host.Room.RoomID, ParticipantID: host.Participant.ID})
	f.reg.Bind("s2", types.Binding{RoomID: host.Room.RoomID, ParticipantID: 999})

	_, err := f.manager.Join(ctx, host.Room.RoomID, "late-device", nil)
	assert.ErrorIs(t, err, store.ErrRoomFull)
}

func TestValidateDeviceAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	require.NoError(t, f.manager.ValidateDeviceAccess(ctx, bindingOf(host)))

	wrongDevice := bindingOf(host)
	wrongDevice.DeviceID = "stolen-token-device"
	assert.ErrorIs(t, f.manager.ValidateDeviceAccess(ctx, wrongDevice), ErrDeviceMismatch)

	gone := bindingOf(host)
	gone.ParticipantID = 999
	assert.ErrorIs(t, f.manager.ValidateDeviceAccess(ctx, gone), store.ErrNotFound)
}

func TestSetDisplayName_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	require.NoError(t, f.manager.SetDisplayName(ctx, host.Participant.ID, "Alice"))

	assert.ErrorIs(t, f.manager.SetDisplayName(ctx, host.Participant.ID, ""), types.ErrValidation)

	long := make([]byte, maxDisplayNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, f.manager.SetDisplayName(ctx, host.Participant.ID, string(long)), types.ErrValidation)
}

func TestAppendSealed_StoresCiphertextAsGiven(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)
	require.NoError(t, f.manager.SetDisplayName(ctx, host.Participant.ID, "Alice"))

	sealed := sealFor(t, host.RoomKeyB64, "hello there")
	echo, err := f.manager.AppendSealed(ctx, bindingOf(host), sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, sealed.Ciphertext, echo.Ciphertext)
	assert.Equal(t, sealed.Nonce, echo.Nonce)
	assert.Equal(t, sealed.Tag, echo.Tag)
	require.NotNil(t, echo.DisplayName)
	assert.Equal(t, "Alice", *echo.DisplayName)

	// The stored row carries the client's ciphertext, never the plaintext.
	stored, err := f.store.ListMessages(ctx, host.Room.RoomID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, string(stored[0].BodyCT), "hello there")
	assert.Len(t, stored[0].Nonce, crypto.NonceSize)
	assert.Len(t, stored[0].Tag, crypto.TagSize)

	// The server-side read-out opens it with the room key.
	transcript, err := f.manager.LiveTranscript(ctx, host.Room.RoomID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "hello there", transcript[0].Body)
}

func TestAppendSealed_ShapeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)
	binding := bindingOf(host)
	good := sealFor(t, host.RoomKeyB64, "hi")

	tests := []struct {
		name   string
		mutate func(s *SealedMessage)
	}{
		{"ciphertext not base64", func(s *SealedMessage) { s.Ciphertext = "%%%" }},
		{"empty ciphertext", func(s *SealedMessage) { s.Ciphertext = "" }},
		{"oversize ciphertext", func(s *SealedMessage) {
			s.Ciphertext = base64.StdEncoding.EncodeToString(make([]byte, maxCiphertextBytes+1))
		}},
		{"short nonce", func(s *SealedMessage) {
			s.Nonce = base64.StdEncoding.EncodeToString(make([]byte, crypto.NonceSize-1))
		}},
		{"short tag", func(s *SealedMessage) {
			s.Tag = base64.StdEncoding.EncodeToString(make([]byte, crypto.TagSize-1))
		}},
		{"unknown message type", func(s *SealedMessage) { s.MsgType = "video" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed := good
			tt.mutate(&sealed)
			_, err := f.manager.AppendSealed(ctx, binding, sealed, nil)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestAppendSealed_ClosedRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)
	sealed := sealFor(t, host.RoomKeyB64, "too late")

	require.NoError(t, f.manager.Close(ctx, host.Room.RoomID, "destroyed"))

	_, err := f.manager.AppendSealed(ctx, bindingOf(host), sealed, nil)
	assert.ErrorIs(t, err, ErrNotJoinable)
}

func TestLiveTranscript_TamperedMessageGetsSentinel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	// A row written with garbage ciphertext can never authenticate.
	_, err := f.store.InsertMessage(ctx, store.NewMessage{
		RoomID:        host.Room.RoomID,
		ParticipantID: host.Participant.ID,
		BodyCT:        []byte("garbage"),
		Nonce:         make([]byte, crypto.NonceSize),
		Tag:           make([]byte, crypto.TagSize),
		MsgType:       types.MsgText,
		Now:           f.clock.Now(),
	})
	require.NoError(t, err)

	transcript, err := f.manager.LiveTranscript(ctx, host.Room.RoomID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, crypto.DecryptionFailedSentinel, transcript[0].Body)
}

func TestArchiveRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)
	require.NoError(t, f.manager.SetDisplayName(ctx, host.Participant.ID, "Alice"))

	binding := bindingOf(host)
	_, err := f.manager.AppendSealed(ctx, binding, sealFor(t, host.RoomKeyB64, "first"), nil)
	require.NoError(t, err)
	_, err = f.manager.AppendSealed(ctx, binding, sealFor(t, host.RoomKeyB64, "second"), nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Close(ctx, host.Room.RoomID, "destroyed"))
	require.NoError(t, f.manager.ArchiveRoom(ctx, host.Room.RoomID))

	got, err := f.store.GetRoom(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, got.Status)
	require.NotNil(t, got.ArchiveKey)

	// The archive holds the decrypted transcript.
	data, err := f.blobs.Get(ctx, "archives", *got.ArchiveKey)
	require.NoError(t, err)
	var archive Archive
	require.NoError(t, json.Unmarshal(data, &archive))
	assert.Equal(t, host.Room.RoomID, archive.Room)
	assert.Equal(t, 2, archive.MessageCount)
	assert.Equal(t, "first", archive.Messages[0].Body)
	assert.Equal(t, "second", archive.Messages[1].Body)
	require.NotNil(t, archive.Messages[0].Sender)
	assert.Equal(t, "Alice", *archive.Messages[0].Sender)

	// Archival does not dispose of anything: the wrapped key and rows stay
	// until an explicit purge.
	_, err = f.store.GetWrappedKey(ctx, host.Room.RoomID)
	assert.NoError(t, err)
	count, err := f.store.CountParticipants(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// ArchivedTranscript reads it back.
	loaded, err := f.manager.ArchivedTranscript(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.MessageCount)
}

func TestArchiveRoom_RequiresClosedRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	err := f.manager.ArchiveRoom(ctx, host.Room.RoomID)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := f.store.GetRoom(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Nil(t, got.ArchiveKey)
}

func TestClose_OnlyFromOpenStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	require.NoError(t, f.manager.Close(ctx, host.Room.RoomID, "destroyed"))

	// Closing twice is a conflict, not a second transition.
	assert.ErrorIs(t, f.manager.Close(ctx, host.Room.RoomID, "destroyed"), store.ErrConflict)

	require.NoError(t, f.manager.ArchiveRoom(ctx, host.Room.RoomID))

	// An archived room cannot regress to closed; its archive key survives.
	assert.ErrorIs(t, f.manager.Close(ctx, host.Room.RoomID, "destroyed"), store.ErrConflict)
	got, err := f.store.GetRoom(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, got.Status)
	assert.NotNil(t, got.ArchiveKey)
}

func TestPurgeRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)
	_, err := f.manager.AppendSealed(ctx, bindingOf(host), sealFor(t, host.RoomKeyB64, "hello"), nil)
	require.NoError(t, err)

	// A room that is not archived yet refuses to purge.
	assert.ErrorIs(t, f.manager.PurgeRoom(ctx, host.Room.RoomID), store.ErrConflict)

	require.NoError(t, f.manager.Close(ctx, host.Room.RoomID, "destroyed"))
	require.NoError(t, f.manager.ArchiveRoom(ctx, host.Room.RoomID))
	require.NoError(t, f.manager.PurgeRoom(ctx, host.Room.RoomID))

	_, err = f.store.GetWrappedKey(ctx, host.Room.RoomID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	msgs, err := f.store.ListMessages(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The archive outlives the purge.
	loaded, err := f.manager.ArchivedTranscript(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.MessageCount)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := f.activeRoom(t)

	f.clock.SetTime(start.Add(types.RoomTTL + time.Minute))
	fresh, err := f.manager.CreateRoom(ctx, "")
	require.NoError(t, err)
	_, err = f.manager.Accept(ctx, fresh.RoomID, "host2", nil)
	require.NoError(t, err)

	n, err := f.manager.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetRoom(ctx, expired.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, got.Status)

	got, err = f.store.GetRoom(ctx, fresh.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
}

// failingBlobs simulates an object store that refuses writes.
type failingBlobs struct {
	blob.Store
	putErr error
}

func (f *failingBlobs) Put(context.Context, string, string, []byte, string) error {
	return f.putErr
}

func TestSweepExpired_ClosesRoomEvenWhenArchiveFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	f.clock.SetTime(start.Add(types.RoomTTL + time.Minute))
	f.manager.blobs = &failingBlobs{Store: f.blobs, putErr: errors.New("storage offline")}

	n, err := f.manager.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The close landed even though the upload did not, so the room is out
	// of circulation and queued for retry.
	got, err := f.store.GetRoom(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, got.Status)
	assert.Nil(t, got.ArchiveKey)

	// Storage recovers; the next sweep finishes the job.
	f.manager.blobs = f.blobs
	n, err = f.manager.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = f.store.GetRoom(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, got.Status)
}

func TestDisconnect_SweepsStaleRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	guest, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	require.NoError(t, err)

	// The guest's socket died without reconciliation; neither participant
	// holds a live session when the host disconnects.
	require.NoError(t, f.manager.Disconnect(ctx, bindingOf(host)))

	_, err = f.store.GetParticipant(ctx, guest.Participant.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	count, err := f.store.CountParticipants(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestJoin_ConcurrentGuestsTakeOneSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, device := range []types.DeviceID{"guest-a", "guest-b"} {
		wg.Add(1)
		go func(i int, device types.DeviceID) {
			defer wg.Done()
			_, errs[i] = f.manager.Join(ctx, host.Room.RoomID, device, nil)
		}(i, device)
	}
	wg.Wait()

	admitted, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, store.ErrRoomFull):
			refused++
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, refused)

	count, err := f.store.CountParticipants(ctx, host.Room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, types.MaxParticipants, count)
}

func TestClose_MakesRoomSweepable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	require.NoError(t, f.manager.Close(ctx, host.Room.RoomID, "destroyed"))

	n, err := f.manager.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRoomInfo_DecoratesLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)

	adm, err := f.manager.Join(ctx, host.Room.RoomID, "guest-device", nil)
	require.NoError(t, err)

	f.reg.Bind("s1", types.Binding{RoomID: host.Room.RoomID, ParticipantID: host.Participant.ID})

	_, views, err := f.manager.RoomInfo(ctx, host.Room.RoomID)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := map[types.ParticipantID]types.ParticipantView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.True(t, byID[host.Participant.ID].IsConnected)
	assert.False(t, byID[adm.Participant.ID].IsConnected)
}

func TestUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)
	binding := bindingOf(host)

	t.Run("rejects disallowed types and sizes", func(t *testing.T) {
		_, err := f.manager.InitUpload(ctx, binding, "doc.pdf", "application/pdf", 100)
		assert.ErrorIs(t, err, ErrUnsupportedMime)

		_, err = f.manager.InitUpload(ctx, binding, "big.png", "image/png", MaxAttachmentBytes+1)
		assert.ErrorIs(t, err, ErrAttachmentTooLarge)

		_, err = f.manager.InitUpload(ctx, binding, "empty.png", "image/png", 0)
		assert.ErrorIs(t, err, types.ErrValidation)

		_, err = f.manager.InitUpload(ctx, binding, "", "image/png", 100)
		assert.ErrorIs(t, err, types.ErrValidation)
	})

	t.Run("happy path", func(t *testing.T) {
		grant, err := f.manager.InitUpload(ctx, binding, "photo.png", "image/png", 1024)
		require.NoError(t, err)
		assert.NotEmpty(t, grant.UploadURL)
		assert.NotZero(t, grant.AttachmentID)
		assert.Contains(t, grant.ObjectKey, string(host.Room.RoomID)+"/")
		assert.Contains(t, grant.ObjectKey, "_photo.png")

		// Download before confirmation is refused.
		_, _, err = f.manager.DownloadURL(ctx, binding, grant.AttachmentID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// Completion without the object in storage is refused.
		_, err = f.manager.CompleteUpload(ctx, binding, grant.AttachmentID)
		assert.ErrorIs(t, err, types.ErrValidation)

		// Simulate the client's direct PUT, then confirm.
		require.NoError(t, f.blobs.Put(ctx, "attachments", grant.ObjectKey, []byte("png-bytes"), "image/png"))
		att, err := f.manager.CompleteUpload(ctx, binding, grant.AttachmentID)
		require.NoError(t, err)
		assert.True(t, att.Available)

		// Confirming twice is a conflict.
		_, err = f.manager.CompleteUpload(ctx, binding, grant.AttachmentID)
		assert.ErrorIs(t, err, store.ErrConflict)

		url, mimeType, err := f.manager.DownloadURL(ctx, binding, grant.AttachmentID)
		require.NoError(t, err)
		assert.NotEmpty(t, url)
		assert.Equal(t, "image/png", mimeType)
	})

	t.Run("path components are stripped from filenames", func(t *testing.T) {
		grant, err := f.manager.InitUpload(ctx, binding, "../../etc/passwd", "image/png", 10)
		require.NoError(t, err)
		assert.Contains(t, grant.ObjectKey, "_passwd")
		assert.NotContains(t, grant.ObjectKey, "..")
	})

	t.Run("unknown attachment id", func(t *testing.T) {
		_, err := f.manager.CompleteUpload(ctx, binding, 99999)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("foreign room attachments stay hidden", func(t *testing.T) {
		other := f.activeRoom(t)
		grant, err := f.manager.InitUpload(ctx, bindingOf(other), "theirs.png", "image/png", 10)
		require.NoError(t, err)

		_, err = f.manager.CompleteUpload(ctx, binding, grant.AttachmentID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestAppendSealed_LinksConfirmedAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	host := f.activeRoom(t)
	binding := bindingOf(host)

	grant, err := f.manager.InitUpload(ctx, binding, "photo.png", "image/png", 9)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Put(ctx, "attachments", grant.ObjectKey, []byte("png-bytes"), "image/png"))
	_, err = f.manager.CompleteUpload(ctx, binding, grant.AttachmentID)
	require.NoError(t, err)

	sealed := sealFor(t, host.RoomKeyB64, "caption")
	sealed.MsgType = types.MsgImage
	sealed.AttachmentID = &grant.AttachmentID

	echo, err := f.manager.AppendSealed(ctx, binding, sealed, nil)
	require.NoError(t, err)

	att, err := f.store.GetAttachment(ctx, grant.AttachmentID)
	require.NoError(t, err)
	require.NotNil(t, att.MessageID)
	assert.Equal(t, echo.MessageID, *att.MessageID)
}
