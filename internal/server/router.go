package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/auth"
	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/members"
	"github.com/MarcoPoloResearchLab/nous/internal/push"
	"github.com/MarcoPoloResearchLab/nous/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "nous_user_id"
	scopeContextKey  = "nous_couple_id"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingMembersService   = errors.New("members service dependency required")
	errMissingRecordsService   = errors.New("records service dependency required")
)

// SessionValidator authenticates a request and returns its user.
type SessionValidator interface {
	ValidateRequest(r *http.Request, allowQuery bool) (couple.UserID, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Members        *members.Service
	Records        *records.Service
	Realtime       *RealtimeDispatcher
	Composer       *push.Composer
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Members == nil {
		return nil, errMissingMembersService
	}
	if deps.Records == nil {
		return nil, errMissingRecordsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	composer := deps.Composer
	if composer == nil {
		composer = push.NewComposer(nil)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions: deps.Sessions,
		members:  deps.Members,
		records:  deps.Records,
		realtime: realtime,
		composer: composer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/realtime", handler.authorizeRealtime, handler.requireScope, handler.handleRealtime)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/couples", handler.handleCreateCouple)
	protected.POST("/couples/:couple_id/join", handler.handleJoinCouple)
	protected.GET("/me/couple", handler.handleCoupleStatus)

	scoped := protected.Group("/")
	scoped.Use(handler.requireScope)
	scoped.GET("/collections/:collection", handler.handleList)
	scoped.POST("/collections/:collection", handler.handleCreate)
	scoped.PATCH("/collections/:collection/:id", handler.handleUpdate)
	scoped.DELETE("/collections/:collection/:id", handler.handleDelete)
	scoped.POST("/push/notify", handler.handleNotify)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions SessionValidator
	members  *members.Service
	records  *records.Service
	realtime *RealtimeDispatcher
	composer *push.Composer
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authorize(c, false)
}

// authorizeRealtime also accepts the token as a query parameter for browser WebSocket handshakes.
func (h *httpHandler) authorizeRealtime(c *gin.Context) {
	h.authorize(c, true)
}

func (h *httpHandler) authorize(c *gin.Context, allowQuery bool) {
	userID, err := h.sessions.ValidateRequest(c.Request, allowQuery)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID.String())
	c.Next()
}

// requireScope resolves the couple of the caller; shared collections need both partners.
func (h *httpHandler) requireScope(c *gin.Context) {
	userID := couple.UserID(c.GetString(userIDContextKey))
	scope, err := h.members.ResolveScope(c.Request.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, members.ErrNoCouple):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "no_couple"})
		case errors.Is(err, members.ErrCoupleIncomplete):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "couple_incomplete"})
		default:
			h.logger.Error("failed to resolve couple", zap.String("user_id", userID.String()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("scope_failed", err))
		}
		return
	}
	c.Set(scopeContextKey, scope.String())
	c.Next()
}

func callerOf(c *gin.Context) (couple.UserID, couple.CoupleID) {
	return couple.UserID(c.GetString(userIDContextKey)), couple.CoupleID(c.GetString(scopeContextKey))
}

// errorBody renders an error reason, with the service code when there is one.
func errorBody(reason string, err error) gin.H {
	body := gin.H{"error": reason}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	return body
}
