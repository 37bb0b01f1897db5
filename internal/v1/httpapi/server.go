// Package httpapi is the REST surface: room lifecycle, admission, uploads,
// and the operational endpoints.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/hushroom/hushroom/internal/v1/auth"
	"github.com/hushroom/hushroom/internal/v1/broker"
	"github.com/hushroom/hushroom/internal/v1/health"
	"github.com/hushroom/hushroom/internal/v1/lifecycle"
	"github.com/hushroom/hushroom/internal/v1/middleware"
	"github.com/hushroom/hushroom/internal/v1/ratelimit"
	"github.com/hushroom/hushroom/internal/v1/types"
)

const deviceCookie = "device_id"

// Server holds the REST layer's dependencies.
type Server struct {
	manager  *lifecycle.Manager
	broker   *broker.Broker
	tokens   *auth.Tokens
	sessions *auth.Sessions
	limiter  *ratelimit.RateLimiter
	health   *health.Handler

	allowedOrigins []string
	sessionTTL     time.Duration
}

func NewServer(
	manager *lifecycle.Manager,
	b *broker.Broker,
	tokens *auth.Tokens,
	sessions *auth.Sessions,
	limiter *ratelimit.RateLimiter,
	healthHandler *health.Handler,
	allowedOrigins []string,
	sessionTTL time.Duration,
) *Server {
	return &Server{
		manager:        manager,
		broker:         b,
		tokens:         tokens,
		sessions:       sessions,
		limiter:        limiter,
		health:         healthHandler,
		allowedOrigins: allowedOrigins,
		sessionTTL:     sessionTTL,
	}
}

// Router builds the full gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())
	r.Use(otelgin.Middleware("hushroom"))

	corsCfg := cors.DefaultConfig()
	if len(s.allowedOrigins) == 0 || (len(s.allowedOrigins) == 1 && s.allowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Device-ID", middleware.HeaderXCorrelationID)
	corsCfg.AllowCredentials = !corsCfg.AllowAllOrigins
	r.Use(cors.New(corsCfg))

	if s.health != nil {
		r.GET("/health/live", s.health.Liveness)
		r.GET("/health/ready", s.health.Readiness)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.broker != nil {
		r.GET("/ws/rooms/:roomId", func(c *gin.Context) {
			if s.limiter != nil && !s.limiter.CheckWebSocket(c) {
				return
			}
			s.broker.ServeWs(c)
		})
	}

	api := r.Group("/api/v1")
	if s.limiter != nil {
		api.Use(s.limiter.GlobalMiddleware())
	}

	rooms := api.Group("/rooms")
	if s.limiter != nil {
		rooms.Use(s.limiter.RoomsMiddleware())
	}

	public := rooms.Group("")
	if s.limiter != nil {
		public.Use(s.limiter.PublicMiddleware())
	}
	public.POST("", s.createRoom)

	rooms.POST("/:roomId/join", s.joinRoom)

	accepting := rooms.Group("")
	accepting.Use(s.requireRoomToken())
	accepting.POST("/:roomId/accept", s.acceptRoom)

	seated := rooms.Group("")
	seated.Use(s.requireToken())
	seated.GET("/:roomId", s.roomInfo)
	seated.GET("/:roomId/transcript", s.liveTranscript)
	seated.GET("/:roomId/archive", s.archivedTranscript)
	seated.POST("/:roomId/name", s.setDisplayName)
	seated.POST("/:roomId/destroy", s.destroyRoom)

	uploads := api.Group("/uploads")
	uploads.Use(s.requireParticipant())
	uploads.POST("/init", s.initUpload)
	uploads.POST("/complete", s.completeUpload)
	uploads.GET("/:attachmentId/url", s.downloadURL)

	return r
}

// requireToken validates the bearer participant token and pins it to the
// room in the path.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		binding, ok := s.participantBinding(c)
		if !ok {
			return
		}
		if binding.RoomID != types.RoomID(c.Param("roomId")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not valid for this room"})
			return
		}
		c.Set("binding", binding)
		c.Next()
	}
}

// requireParticipant validates the bearer participant token without a room
// path to pin it to; the token itself scopes the request.
func (s *Server) requireParticipant() gin.HandlerFunc {
	return func(c *gin.Context) {
		binding, ok := s.participantBinding(c)
		if !ok {
			return
		}
		c.Set("binding", binding)
		c.Next()
	}
}

// requireRoomToken validates the creation-time room token against the room
// in the path and records the device it was minted for.
func (s *Server) requireRoomToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			return
		}
		roomID, deviceID, err := s.tokens.ValidateRoomToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if roomID != types.RoomID(c.Param("roomId")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not valid for this room"})
			return
		}
		c.Set("device", deviceID)
		c.Next()
	}
}

func (s *Server) participantBinding(c *gin.Context) (types.Binding, bool) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return types.Binding{}, false
	}
	binding, err := s.tokens.Validate(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return types.Binding{}, false
	}
	return binding, true
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return "", false
	}
	return tokenString, true
}

func bindingFrom(c *gin.Context) types.Binding {
	v, _ := c.Get("binding")
	b, _ := v.(types.Binding)
	return b
}

func deviceFrom(c *gin.Context) types.DeviceID {
	v, _ := c.Get("device")
	d, _ := v.(types.DeviceID)
	return d
}

// deviceID resolves the caller's device identity from header or cookie,
// minting one when absent, and refreshes the cookie.
func (s *Server) deviceID(c *gin.Context) (types.DeviceID, error) {
	raw := c.GetHeader("X-Device-ID")
	if raw == "" {
		if cookie, err := c.Cookie(deviceCookie); err == nil {
			raw = cookie
		}
	}

	id, err := s.sessions.EnsureDevice(c.Request.Context(), types.DeviceID(raw))
	if err != nil {
		return "", err
	}

	c.SetCookie(deviceCookie, string(id), int(s.sessionTTL/time.Second), "/", "", false, true)
	return id, nil
}
