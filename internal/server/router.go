package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/oxdn/community/internal/accounts"
	"github.com/oxdn/community/internal/activity"
	"github.com/oxdn/community/internal/auth"
	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/presence"
	"github.com/oxdn/community/internal/profiles"
	"github.com/oxdn/community/internal/realtime"
	"github.com/oxdn/community/internal/stats"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "oxdn_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAccountsService  = errors.New("accounts service dependency required")
	errMissingActivityService  = errors.New("activity service dependency required")
	errMissingPresenceService  = errors.New("presence service dependency required")
	errMissingProfilesService  = errors.New("profiles service dependency required")
	errMissingStatsService     = errors.New("stats service dependency required")
	errMissingRealtimeFeed     = errors.New("realtime feed dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type Dependencies struct {
	Sessions          SessionValidator
	Accounts          *accounts.Service
	Activity          *activity.Service
	Presence          *presence.Service
	Profiles          *profiles.Service
	Stats             *stats.Service
	Feed              realtime.Feed
	StaticRoot        string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Activity == nil {
		return nil, errMissingActivityService
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceService
	}
	if deps.Profiles == nil {
		return nil, errMissingProfilesService
	}
	if deps.Stats == nil {
		return nil, errMissingStatsService
	}
	if deps.Feed == nil {
		return nil, errMissingRealtimeFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.Sessions,
		accounts:          deps.Accounts,
		activity:          deps.Activity,
		presence:          deps.Presence,
		profiles:          deps.Profiles,
		stats:             deps.Stats,
		feed:              deps.Feed,
		upgrader:          newUpgrader(deps.AllowedOrigins),
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/signup", handler.handleSignUp)
	router.POST("/auth/signin", handler.handleSignIn)
	router.POST("/auth/google", handler.handleGoogleAuth)
	router.GET("/auth/username-available", handler.handleUsernameAvailable)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/signout", handler.handleSignOut)
	protected.GET("/auth/me", handler.handleCurrentUser)

	protected.GET("/activity/me", handler.handleGetOwnActivity)
	protected.PUT("/activity/me/status", handler.handleSetStatus)
	protected.GET("/activity/:userId", handler.handleGetActivity)
	protected.GET("/presence", handler.handleListPresence)
	protected.GET("/presence/:userId", handler.handleLookupPresence)

	protected.GET("/profiles/:userId", handler.handleGetProfile)
	protected.PATCH("/profiles/me", handler.handleUpdateProfile)
	protected.PUT("/profiles/me/avatar", handler.handleUpdateAvatar)
	protected.PUT("/profiles/me/gaming", handler.handleUpdateGamingInfo)

	protected.GET("/stats/me", handler.handleGetStats)
	protected.PATCH("/stats/me", handler.handleTouchStats)
	protected.POST("/stats/me/games", handler.handleIncrementGames)
	protected.POST("/stats/me/tournaments", handler.handleIncrementTournaments)

	protected.GET("/realtime/activity", handler.handleActivityStream)
	protected.GET("/realtime/presence", handler.handlePresenceStream)
	protected.GET("/realtime/ws", handler.handleWebSocket)

	if deps.StaticRoot != "" {
		registerStaticRoutes(router, deps.StaticRoot)
	} else {
		router.NoRoute(notFound)
	}

	return router, nil
}

type httpHandler struct {
	sessions          SessionValidator
	accounts          *accounts.Service
	activity          *activity.Service
	presence          *presence.Service
	profiles          *profiles.Service
	stats             *stats.Service
	feed              realtime.Feed
	upgrader          websocket.Upgrader
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

// corsMiddleware only allows credentialed requests from explicitly listed origins. A
// wildcard list answers with "*" and no credentials, so session cookies never ride along.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(started)),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("session token missing", zap.String("path", c.Request.URL.Path))
		case errors.Is(err, jwt.ErrTokenExpired):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

// respondError maps a service error kind to its HTTP status.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	}
	body := gin.H{"error": errs.Reason(err, "internal_error")}
	if code := errs.Code(err); code != "" {
		body["code"] = code
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, body)
}

func respondInvalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
