// Package api is the REST surface over the same use cases the WebSocket router calls.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"schoolhub/internal/logging"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

const identityKey = "identity"

// StatsProvider reports live connection counts
type StatsProvider interface {
	Stats() map[string]int
}

// Dependencies are the collaborators the HTTP layer delegates to
type Dependencies struct {
	Chat          interfaces.ChatService
	Notifications interfaces.NotificationService
	Leaves        interfaces.LeaveService
	Sessions      interfaces.SessionService
	Directory     interfaces.Directory
	Verifier      interfaces.TokenVerifier
	Health        interfaces.HealthChecker
	Stats         StatsProvider
	// WebSocket serves GET /ws; nil leaves the route unmounted
	WebSocket http.HandlerFunc
}

// Server owns the gin engine
// ARCHITECTURAL DISCOVERY: The HTTP layer holds no business rules; it binds JSON,
// resolves the caller from the bearer token and maps typed errors to status codes
type Server struct {
	deps   Dependencies
	engine *gin.Engine
	logger zerolog.Logger
}

func NewServer(deps Dependencies, logger zerolog.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), logging.GinMiddleware(logger), corsMiddleware())

	s := &Server{deps: deps, engine: engine, logger: logger}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthCheck)
	if s.deps.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapF(s.deps.WebSocket))
	}

	api := s.engine.Group("/api", s.authMiddleware())
	api.GET("/stats", s.stats)
	api.GET("/users/me", s.me)
	api.POST("/users", s.createUser)

	api.POST("/chat-rooms", s.createChatRoom)
	api.GET("/chat-rooms/:id/messages", s.chatHistory)

	api.POST("/sessions", s.scheduleSession)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/cancel", s.cancelSession)
	api.POST("/sessions/:id/end", s.endSession)
	api.POST("/sessions/:id/token", s.renewToken)

	api.POST("/notifications", s.sendNotification)
	api.GET("/notifications", s.listNotifications)
	api.POST("/notifications/:id/read", s.markNotificationRead)

	api.POST("/leaves", s.applyLeave)
	api.POST("/leaves/:id/decision", s.decideLeave)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Database: "healthy", Timestamp: time.Now().UTC()}
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "unavailable"
			zerolog.Ctx(ctx).Error().Err(err).Msg("health check failed")
		}
	}
	if s.deps.Stats != nil {
		resp.Connections = s.deps.Stats.Stats()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) stats(c *gin.Context) {
	if caller(c).Role != types.RoleAdmin {
		s.sendError(c, types.Forbiddenf("stats are admin only"))
		return
	}
	stats := map[string]int{}
	if s.deps.Stats != nil {
		stats = s.deps.Stats.Stats()
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) me(c *gin.Context) {
	user, err := s.deps.Directory.GetUser(c.Request.Context(), caller(c).UserID)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) createUser(c *gin.Context) {
	if caller(c).Role != types.RoleAdmin {
		s.sendError(c, types.Forbiddenf("only admins manage users"))
		return
	}
	var req types.CreateUserRequest
	if !s.bind(c, &req) {
		return
	}
	if err := types.ValidateStruct(req); err != nil {
		s.sendError(c, err)
		return
	}
	user := &types.User{ID: req.ID, Name: req.Name, Email: req.Email, Role: req.Role}
	if err := s.deps.Directory.SaveUser(c.Request.Context(), user); err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) createChatRoom(c *gin.Context) {
	var req types.CreateChatRoomRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c, http.StatusCreated)(s.deps.Chat.CreateRoom(c.Request.Context(), caller(c), req))
}

func (s *Server) chatHistory(c *gin.Context) {
	s.respond(c, http.StatusOK)(s.deps.Chat.History(c.Request.Context(), caller(c), c.Param("id")))
}

func (s *Server) scheduleSession(c *gin.Context) {
	var req types.ScheduleSessionRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c, http.StatusCreated)(s.deps.Sessions.Schedule(c.Request.Context(), caller(c), req))
}

func (s *Server) getSession(c *gin.Context) {
	s.respond(c, http.StatusOK)(s.deps.Sessions.Get(c.Request.Context(), caller(c), c.Param("id")))
}

func (s *Server) cancelSession(c *gin.Context) {
	s.respond(c, http.StatusOK)(s.deps.Sessions.Cancel(c.Request.Context(), caller(c), c.Param("id")))
}

func (s *Server) endSession(c *gin.Context) {
	s.respond(c, http.StatusOK)(s.deps.Sessions.End(c.Request.Context(), caller(c), c.Param("id")))
}

func (s *Server) renewToken(c *gin.Context) {
	s.respond(c, http.StatusOK)(s.deps.Sessions.RenewToken(c.Request.Context(), caller(c), c.Param("id")))
}

func (s *Server) sendNotification(c *gin.Context) {
	var req types.SendNotificationRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c, http.StatusCreated)(s.deps.Notifications.Send(c.Request.Context(), caller(c), req))
}

func (s *Server) listNotifications(c *gin.Context) {
	s.respond(c, http.StatusOK)(s.deps.Notifications.ListForUser(c.Request.Context(), caller(c)))
}

func (s *Server) markNotificationRead(c *gin.Context) {
	if err := s.deps.Notifications.MarkAsRead(c.Request.Context(), caller(c), c.Param("id")); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) applyLeave(c *gin.Context) {
	var req types.ApplyLeaveRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c, http.StatusCreated)(s.deps.Leaves.Apply(c.Request.Context(), caller(c), req))
}

type decisionBody struct {
	Status types.LeaveStatus `json:"status"`
}

func (s *Server) decideLeave(c *gin.Context) {
	var body decisionBody
	if !s.bind(c, &body) {
		return
	}
	req := types.DecideLeaveRequest{LeaveID: c.Param("id"), Status: body.Status}
	s.respond(c, http.StatusOK)(s.deps.Leaves.Decide(c.Request.Context(), caller(c), req))
}

// respond writes v with status, or the mapped error
func (s *Server) respond(c *gin.Context, status int) func(interface{}, error) {
	return func(v interface{}, err error) {
		if err != nil {
			s.sendError(c, err)
			return
		}
		c.JSON(status, v)
	}
}

// bind decodes the JSON body; schema validation stays in the use case
func (s *Server) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.sendError(c, types.Validationf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// StatusFor maps the error taxonomy onto HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    types.ErrorCode(err),
		Message: types.PublicMessage(err),
	})
}

// authMiddleware resolves the bearer token into the request identity
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
			s.sendError(c, types.Unauthorizedf("missing bearer token"))
			return
		}
		identity, err := s.deps.Verifier.VerifyToken(strings.TrimSpace(header[7:]))
		if err != nil {
			s.sendError(c, err)
			return
		}

		c.Set(identityKey, identity)
		logger := zerolog.Ctx(c.Request.Context()).With().Str("user_id", identity.UserID).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

func caller(c *gin.Context) types.Identity {
	v, _ := c.Get(identityKey)
	identity, _ := v.(types.Identity)
	return identity
}

// corsMiddleware lets browser clients on other origins call the API
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
