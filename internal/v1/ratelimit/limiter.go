// Package ratelimit enforces request rates with Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/hushroom/hushroom/internal/v1/config"
	"github.com/hushroom/hushroom/internal/v1/logging"
	"github.com/hushroom/hushroom/internal/v1/metrics"
)

// RateLimiter holds per-surface limiter instances over one shared store.
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	apiPublic *limiter.Limiter
	apiRooms  *limiter.Limiter
	wsIP      *limiter.Limiter
}

func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store")
	}

	return &RateLimiter{
		apiGlobal: limiter.New(store, apiGlobalRate),
		apiPublic: limiter.New(store, apiPublicRate),
		apiRooms:  limiter.New(store, apiRoomsRate),
		wsIP:      limiter.New(store, wsIPRate),
	}, nil
}

// PublicMiddleware limits unauthenticated endpoints by client IP.
func (rl *RateLimiter) PublicMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiPublic, "ip")
}

// GlobalMiddleware is the outer per-IP ceiling on the whole API.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiGlobal, "global")
}

// RoomsMiddleware limits room mutation endpoints by client IP.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiRooms, "rooms")
}

func (rl *RateLimiter) middleware(l *limiter.Limiter, limitType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		lctx, err := l.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			// Fail open: availability beats strictness when the store is down.
			logging.Error(c.Request.Context(), "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}

// CheckWebSocket applies the per-IP socket limit before the upgrade. It
// writes the response itself and reports whether the caller may proceed.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	lctx, err := rl.wsIP.Get(c.Request.Context(), c.ClientIP())
	if err != nil {
		logging.Error(c.Request.Context(), "rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("/ws", "ws_ip").Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return false
	}
	return true
}
