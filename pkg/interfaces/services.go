package interfaces

import (
	"context"
	"time"

	"schoolhub/pkg/types"
)

// MediaService is the external video collaborator
type MediaService interface {
	GenerateRoomID() string
	GenerateToken(roomID, participantID string) (token string, expiresAt time.Time, err error)
	StartSession(ctx context.Context, roomID string) error
	EndSession(ctx context.Context, roomID string) error
}

// JobHandler executes one due job; a returned error asks the queue to retry
type JobHandler func(ctx context.Context, job *types.ScheduledJob) error

// JobQueue registers delayed jobs and drives a worker over due ones
type JobQueue interface {
	Enqueue(ctx context.Context, job *types.ScheduledJob) error
	Run(ctx context.Context, handler JobHandler) error
}

// JobScheduler registers session-start jobs
type JobScheduler interface {
	Schedule(ctx context.Context, session *types.LiveSession, delay time.Duration) error
}

// SessionService is the live-session use case surface shared by WebSocket and REST callers
type SessionService interface {
	Schedule(ctx context.Context, caller types.Identity, req types.ScheduleSessionRequest) (*types.LiveSession, error)
	Get(ctx context.Context, caller types.Identity, sessionID string) (*types.LiveSession, error)
	Cancel(ctx context.Context, caller types.Identity, sessionID string) (*types.LiveSession, error)
	Join(ctx context.Context, caller types.Identity, req types.ParticipantRequest) (*types.JoinResult, error)
	Leave(ctx context.Context, caller types.Identity, req types.ParticipantRequest) (*types.SessionDurationRecord, error)
	End(ctx context.Context, caller types.Identity, sessionID string) (*types.LiveSession, error)
	RenewToken(ctx context.Context, caller types.Identity, sessionID string) (*types.TokenResult, error)
}

// NotificationService is the notification use case surface
type NotificationService interface {
	Send(ctx context.Context, caller types.Identity, req types.SendNotificationRequest) (*types.Notification, error)
	MarkAsRead(ctx context.Context, caller types.Identity, notificationID string) error
	ListForUser(ctx context.Context, caller types.Identity) ([]*types.Notification, error)
}

// LeaveService is the leave workflow surface
type LeaveService interface {
	Apply(ctx context.Context, caller types.Identity, req types.ApplyLeaveRequest) (*types.Leave, error)
	Decide(ctx context.Context, caller types.Identity, req types.DecideLeaveRequest) (*types.Leave, error)
}

// ChatService is the chat room surface
type ChatService interface {
	JoinRoom(ctx context.Context, caller types.Identity, chatRoomID string) error
	SendMessage(ctx context.Context, caller types.Identity, req types.SendMessageRequest) (*types.Message, error)
	CreateRoom(ctx context.Context, caller types.Identity, req types.CreateChatRoomRequest) (*types.ChatRoom, error)
	History(ctx context.Context, caller types.Identity, chatRoomID string) ([]*types.Message, error)
}

// EventRouter dispatches inbound frames for one connection
type EventRouter interface {
	Dispatch(ctx context.Context, conn Connection, frame *types.Frame)
}

// TokenVerifier resolves a handshake token to an identity
type TokenVerifier interface {
	VerifyToken(token string) (types.Identity, error)
}
