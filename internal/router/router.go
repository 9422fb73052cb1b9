// Package router dispatches inbound WebSocket frames to the use cases and
// answers with ack or error frames.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.EventRouter = (*Router)(nil)

// Services are the use cases frames are routed to
type Services struct {
	Chat          interfaces.ChatService
	Notifications interfaces.NotificationService
	Leaves        interfaces.LeaveService
	Sessions      interfaces.SessionService
	Rooms         interfaces.Rooms
}

type Config struct {
	// RateLimit is events per user per minute; zero disables the limiter
	RateLimit int
}

func DefaultConfig() Config {
	return Config{RateLimit: 100}
}

// handlerFunc returns the ack data for a successful event
type handlerFunc func(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error)

// Router is the event dispatch table
// ARCHITECTURAL DISCOVERY: The router only decodes, validates and replies; every
// role, identity and membership rule lives in the use case so REST callers get
// the same checks
type Router struct {
	services Services
	limiter  *RateLimiter
	handlers map[string]handlerFunc
}

func NewRouter(services Services, config Config) *Router {
	r := &Router{
		services: services,
		limiter:  NewRateLimiter(config.RateLimit, time.Minute),
	}
	r.handlers = map[string]handlerFunc{
		types.EventJoin:                   r.handleJoin,
		types.EventJoinRoom:               r.handleJoinRoom,
		types.EventLeaveRoom:              r.handleLeaveRoom,
		types.EventSendMessage:            r.handleSendMessage,
		types.EventSendNotification:       r.handleSendNotification,
		types.EventMarkNotificationRead:   r.handleMarkRead,
		types.EventApplyForLeave:          r.handleApplyLeave,
		types.EventApproveRejectLeave:     r.handleDecideLeave,
		types.EventScheduleLiveSession:    r.handleSchedule,
		types.EventCancelLiveSession:      r.handleCancel,
		types.EventJoinLiveSession:        r.handleJoinSession,
		types.EventLeaveLiveSession:       r.handleLeaveSession,
		types.EventStudentSessionDuration: r.handleLeaveSession,
		types.EventEndLiveSession:         r.handleEndSession,
		types.EventRenewToken:             r.handleRenewToken,
	}
	return r
}

// Limiter exposes the rate limiter so the application can run its cleanup loop
func (r *Router) Limiter() *RateLimiter { return r.limiter }

// Dispatch handles one frame and always answers failures to the sender only
func (r *Router) Dispatch(ctx context.Context, conn interfaces.Connection, frame *types.Frame) {
	identity := conn.Identity()
	logger := zerolog.Ctx(ctx).With().Str("event", frame.Event).Logger()
	start := time.Now()

	data, err := r.dispatch(ctx, conn, frame)

	event := logger.Debug()
	if err != nil {
		if types.ErrorCode(err) == types.CodeInternal {
			event = logger.Error()
		} else {
			event = logger.Info()
		}
		event = event.Err(err)
	}
	event.Str("user_id", identity.UserID).Dur("took", time.Since(start)).Msg("event handled")

	r.reply(ctx, conn, frame, data, err)
}

func (r *Router) dispatch(ctx context.Context, conn interfaces.Connection, frame *types.Frame) (data interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			zerolog.Ctx(ctx).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
			data, err = nil, fmt.Errorf("%w: handler panic", types.ErrInternal)
		}
	}()

	handler, ok := r.handlers[frame.Event]
	if !ok {
		return nil, types.Validationf("unknown event %q", frame.Event)
	}
	if !r.limiter.Allow(conn.Identity().UserID) {
		return nil, fmt.Errorf("%w: slow down", types.ErrRateLimited)
	}
	return handler(ctx, conn, frame.Data)
}

// reply sends an ack when the client asked for one, otherwise an error event on failure
func (r *Router) reply(ctx context.Context, conn interfaces.Connection, frame *types.Frame, data interface{}, err error) {
	ack := types.Ack{Success: err == nil, Data: data}
	if err != nil {
		ack.Data = nil
		ack.Error = types.PublicMessage(err)
		ack.Code = types.ErrorCode(err)
	}

	var werr error
	switch {
	case frame.AckID != "":
		werr = conn.WriteJSON(types.Envelope{
			Event:     types.EventAck,
			AckID:     frame.AckID,
			Data:      ack,
			Timestamp: time.Now().UTC(),
		})
	case err != nil:
		werr = conn.Emit(types.EventError, ack)
	}
	if werr != nil {
		zerolog.Ctx(ctx).Debug().Err(werr).Msg("failed to write reply")
	}
}

// decode unmarshals data into a T; an absent payload decodes as the zero value
func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, types.Validationf("invalid payload: %v", err)
	}
	return v, nil
}
