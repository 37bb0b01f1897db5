package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisSessions(t *testing.T) (*Sessions, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSessions(client, time.Hour), mr
}

func TestEnsureDevice_MintsWhenEmpty(t *testing.T) {
	s, _ := redisSessions(t)
	ctx := context.Background()

	id, err := s.EnsureDevice(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	known, err := s.Known(ctx, id)
	require.NoError(t, err)
	assert.True(t, known)
}

func TestEnsureDevice_KeepsExistingID(t *testing.T) {
	s, _ := redisSessions(t)
	ctx := context.Background()

	id, err := s.EnsureDevice(ctx, "existing-device")
	require.NoError(t, err)
	assert.EqualValues(t, "existing-device", id)
}

func TestKnown_ExpiresWithTTL(t *testing.T) {
	s, mr := redisSessions(t)
	ctx := context.Background()

	_, err := s.EnsureDevice(ctx, "device")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	known, err := s.Known(ctx, "device")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestForget(t *testing.T) {
	s, _ := redisSessions(t)
	ctx := context.Background()

	_, err := s.EnsureDevice(ctx, "device")
	require.NoError(t, err)
	require.NoError(t, s.Forget(ctx, "device"))

	known, err := s.Known(ctx, "device")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestSessions_LocalFallback(t *testing.T) {
	s := NewSessions(nil, time.Hour)
	ctx := context.Background()

	id, err := s.EnsureDevice(ctx, "")
	require.NoError(t, err)

	known, err := s.Known(ctx, id)
	require.NoError(t, err)
	assert.True(t, known)

	// Expiry honors the injected clock.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	known, err = s.Known(ctx, id)
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, s.Forget(ctx, id))
}
