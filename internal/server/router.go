package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/auth"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/records"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	actorContextKey        = "devocionales_actor"
	accessTokenQueryParam  = "access_token"
	defaultHeartbeatPeriod = 15 * time.Second
	errorUnauthorized      = "unauthorized"
	errorInvalidRequest    = "invalid_request"
	errorRateLimited       = "rate_limited"
	codeUnauthorized       = "UNAUTHORIZED"
	codeRateLimited        = "RATE_LIMITED"
	codeInternal           = "INTERNAL"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRecordsService   = errors.New("records service dependency required")
	errMissingActorResolver    = errors.New("actor resolver dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ActorResolver maps session claims to the actor recorded on writes.
type ActorResolver interface {
	ResolveActor(claims auth.SessionClaims) (users.Actor, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator  SessionValidator
	Actors            ActorResolver
	RecordsService    *records.Service
	Realtime          *RealtimeDispatcher
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the entity API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.RecordsService == nil {
		return nil, errMissingRecordsService
	}
	if deps.Actors == nil {
		return nil, errMissingActorResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
		deps.RecordsService.AddObserver(realtime)
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		actors:    deps.Actors,
		records:   deps.RecordsService,
		realtime:  realtime,
		limiters:  newRateLimiterStore(deps.RateLimit),
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/entities")
	protected.Use(handler.authorizeRequest)
	protected.GET("/:kind/schema", handler.handleSchema)
	protected.GET("/:kind/stream", handler.handleStream)
	protected.GET("/:kind", handler.handleList)
	protected.POST("/:kind", handler.limitMutations, handler.handleCreate)
	protected.GET("/:kind/:id", handler.handleGet)
	protected.PATCH("/:kind/:id", handler.limitMutations, handler.handleUpdate)
	protected.DELETE("/:kind/:id", handler.limitMutations, handler.handleDelete)
	protected.GET("/:kind/:id/changes", handler.handleChanges)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	actors    ActorResolver
	records   *records.Service
	realtime  *RealtimeDispatcher
	limiters  *rateLimiterStore
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts a bearer header or session cookie; EventSource clients, which
// cannot set headers, may pass the token as a query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := c.Query(accessTokenQueryParam); token != "" {
		claims, err = h.sessions.ValidateToken(token)
	} else {
		claims, err = h.sessions.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized, "code": codeUnauthorized})
		return
	}

	actor, err := h.actors.ResolveActor(claims)
	if err != nil {
		h.logger.Warn("actor resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized, "code": codeUnauthorized})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func actorFromContext(c *gin.Context) users.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return users.Actor{}
	}
	actor, _ := value.(users.Actor)
	return actor
}
