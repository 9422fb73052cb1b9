package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// HandlerConfig carries the heartbeat and writer settings
type HandlerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	// MaxMessageSize bounds inbound frames; zero means 64KiB
	MaxMessageSize int64
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
	}
}

// Handler authenticates the upgrade request and runs the read pump
// ARCHITECTURAL DISCOVERY: Multi-stage validation (token -> upgrade -> registration)
// ensures invalid clients never consume a socket or a registry slot
type Handler struct {
	registry *Registry
	verifier interfaces.TokenVerifier
	router   interfaces.EventRouter
	config   HandlerConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, verifier interfaces.TokenVerifier, router interfaces.EventRouter, config HandlerConfig, logger zerolog.Logger) *Handler {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 64 << 10
	}
	return &Handler{
		registry: registry,
		verifier: verifier,
		router:   router,
		config:   config,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Browser clients are served from other origins; the token is the gate
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket is the GET /ws endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	identity, err := h.verifier.VerifyToken(token)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", identity.UserID).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(h.config.MaxMessageSize)

	// The request context ends with ServeHTTP; the connection outlives it
	base := context.WithoutCancel(r.Context())
	conn := NewConnection(base, ws, identity, ConnectionOptions{
		BufferSize:   h.config.BufferSize,
		WriteTimeout: h.config.WriteTimeout,
	})

	if err := h.registry.Register(conn); err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("failed to register connection")
		_ = conn.Close()
		return
	}

	logger := h.logger.With().
		Str("conn_id", conn.ID()).
		Str("user_id", identity.UserID).
		Str("role", string(identity.Role)).
		Logger()
	logger.Info().Msg("connection registered")

	go h.handleConnection(logger.WithContext(conn.Context()), conn)
}

// extractToken accepts ?token= or an Authorization bearer header
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// handleConnection runs heartbeat and read pump until the client goes away
// ARCHITECTURAL DISCOVERY: Frames from one connection are dispatched in arrival
// order on this goroutine; different connections run concurrently
func (h *Handler) handleConnection(ctx context.Context, conn *Connection) {
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
		zerolog.Ctx(ctx).Info().Msg("connection closed")
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			if err == nil {
				err = errors.New("missing event name")
			}
			_ = conn.Emit(types.EventError, types.Ack{
				Success: false,
				Error:   types.Validationf("malformed frame: %v", err).Error(),
				Code:    types.CodeValidation,
			})
			continue
		}
		h.router.Dispatch(ctx, conn, &frame)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(time.Now().Add(h.config.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
