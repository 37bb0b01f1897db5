package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/hushroom/hushroom/internal/v1/metrics"
	"github.com/hushroom/hushroom/internal/v1/types"
)

// Sessions tracks device identities across visits. A device id is an opaque
// UUID minted on first contact and refreshed on every request; it is what
// lets a participant reconnect to their seat after a page reload.
//
// Redis is the shared backing for multi-instance deployments and sits behind
// a circuit breaker. Without Redis the service falls back to a local map,
// which is fine for a single instance.
type Sessions struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	local map[types.DeviceID]time.Time
}

// NewSessions builds a session tracker. client may be nil for
// single-instance mode.
func NewSessions(client *redis.Client, ttl time.Duration) *Sessions {
	st := gobreaker.Settings{
		Name:        "redis-sessions",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	return &Sessions{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		ttl:    ttl,
		now:    time.Now,
		local:  make(map[types.DeviceID]time.Time),
	}
}

func sessionKey(id types.DeviceID) string {
	return fmt.Sprintf("hushroom:device:%s", id)
}

// EnsureDevice returns a valid device id, minting a fresh one when the
// client presented none, and refreshes its session TTL.
func (s *Sessions) EnsureDevice(ctx context.Context, id types.DeviceID) (types.DeviceID, error) {
	if id == "" {
		id = types.DeviceID(uuid.NewString())
	}
	if err := s.Touch(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Touch refreshes the session TTL for a device.
func (s *Sessions) Touch(ctx context.Context, id types.DeviceID) error {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.local[id] = s.now().Add(s.ttl)
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Set(ctx, sessionKey(id), s.now().Unix(), s.ttl).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open: session touch dropped", "device_id", string(id))
			return nil
		}
		return fmt.Errorf("touching device session: %w", err)
	}
	return nil
}

// Known reports whether a device has an unexpired session.
func (s *Sessions) Known(ctx context.Context, id types.DeviceID) (bool, error) {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		deadline, ok := s.local[id]
		if !ok {
			return false, nil
		}
		if deadline.Before(s.now()) {
			delete(s.local, id)
			return false, nil
		}
		return true, nil
	}

	res, err := s.cb.Execute(func() (any, error) {
		n, err := s.client.Exists(ctx, sessionKey(id)).Result()
		return n > 0, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return false, nil
		}
		return false, fmt.Errorf("checking device session: %w", err)
	}
	return res.(bool), nil
}

// Forget drops a device session.
func (s *Sessions) Forget(ctx context.Context, id types.DeviceID) error {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.local, id)
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Del(ctx, sessionKey(id)).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState {
		return fmt.Errorf("forgetting device session: %w", err)
	}
	return nil
}
