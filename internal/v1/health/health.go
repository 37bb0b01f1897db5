// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Pinger covers the Postgres pool's health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BlobChecker covers object storage's health probe.
type BlobChecker interface {
	Healthy(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	db    Pinger
	blobs BlobChecker
	redis *redis.Client
}

// NewHandler creates a health check handler. redis may be nil in
// single-instance mode and is then skipped.
func NewHandler(db Pinger, blobs BlobChecker, redisClient *redis.Client) *Handler {
	return &Handler{db: db, blobs: blobs, redis: redisClient}
}

type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live.
// Returns 200 if the process is alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only when every critical dependency answers; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["postgres"] = "unhealthy"
			healthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	}

	if h.blobs != nil {
		if err := h.blobs.Healthy(ctx); err != nil {
			checks["object_storage"] = "unhealthy"
			healthy = false
		} else {
			checks["object_storage"] = "healthy"
		}
	}

	// Redis is optional; a sick Redis degrades sessions but does not take
	// the service out of rotation.
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy"
		} else {
			checks["redis"] = "healthy"
		}
	}

	status := "ready"
	code := http.StatusOK
	if !healthy {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
