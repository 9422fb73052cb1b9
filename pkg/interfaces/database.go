package interfaces

import (
	"context"
	"time"

	"schoolhub/pkg/types"
)

// SessionRepository persists live sessions and their participants
// ARCHITECTURAL DISCOVERY: Status changes go through TransitionSession, a
// conditional update, so racing writers cannot produce an illegal transition
type SessionRepository interface {
	CreateSession(ctx context.Context, session *types.LiveSession) error
	GetSession(ctx context.Context, sessionID string) (*types.LiveSession, error)

	// TransitionSession moves status from -> to only if the row is still in from.
	// It reports whether this call performed the transition.
	TransitionSession(ctx context.Context, sessionID string, from, to types.SessionStatus, at time.Time) (bool, error)

	// UpsertParticipant fails with types.ErrConflict unless the session is ongoing
	UpsertParticipant(ctx context.Context, sessionID string, participant types.Participant) error
	// RemoveParticipant returns the removed participant or nil when absent
	RemoveParticipant(ctx context.Context, sessionID, userID string) (*types.Participant, error)
	ClearParticipants(ctx context.Context, sessionID string) ([]types.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]types.Participant, error)
	ListSessionsByStatus(ctx context.Context, status types.SessionStatus) ([]*types.LiveSession, error)
}

// DurationRepository stores append-only attendance records
type DurationRepository interface {
	// RecordDuration inserts once per (user, session); false means a record already existed
	RecordDuration(ctx context.Context, record *types.SessionDurationRecord) (bool, error)
	ListDurations(ctx context.Context, sessionID string) ([]*types.SessionDurationRecord, error)
}

// NotificationRepository persists notifications and per-recipient read state
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n *types.Notification) error
	GetNotification(ctx context.Context, id string) (*types.Notification, error)

	// MarkSent flips sent where still unsent and reports whether this call won
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*types.Notification, error)
	MarkRead(ctx context.Context, id, userID string, at time.Time) error
	IsRead(ctx context.Context, id, userID string) (bool, error)
	ListNotificationsFor(ctx context.Context, identity types.Identity, limit int) ([]*types.Notification, error)
}

// LeaveRepository persists leave requests
type LeaveRepository interface {
	CreateLeave(ctx context.Context, leave *types.Leave) error
	GetLeave(ctx context.Context, id string) (*types.Leave, error)

	// DecideLeave moves pending -> status and reports whether this call won
	DecideLeave(ctx context.Context, id string, status types.LeaveStatus, decidedBy string, at time.Time) (bool, error)
}

// ChatRepository persists chat rooms, membership and messages
type ChatRepository interface {
	CreateChatRoom(ctx context.Context, room *types.ChatRoom) error
	// IsChatRoomMember returns types.ErrNotFound when the room does not exist
	IsChatRoomMember(ctx context.Context, chatRoomID, userID string) (bool, error)
	StoreMessage(ctx context.Context, message *types.Message) error
	ListMessages(ctx context.Context, chatRoomID string, limit int) ([]*types.Message, error)
}

// Directory resolves users
type Directory interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
	SaveUser(ctx context.Context, user *types.User) error
}

// JobStore is the persistence behind the SQLite delayed queue
type JobStore interface {
	EnqueueJob(ctx context.Context, job *types.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*types.ScheduledJob, error)

	// ClaimDueJobs conditionally moves due pending jobs to processing with a lease
	ClaimDueJobs(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*types.ScheduledJob, error)
	CompleteJob(ctx context.Context, id string, at time.Time) error
	RetryJob(ctx context.Context, id string, dueAt time.Time, attempts int, lastErr string, at time.Time) error
	FailJob(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error

	// ReleaseExpiredLeases returns processing jobs whose lease lapsed to pending
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// HealthChecker is implemented by the persistence layer
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
