package types

import "time"

// Request payloads shared by the WebSocket router and the REST API.

type JoinChannelsRequest struct {
	UserID string `json:"userId" validate:"omitempty,userid"`
	Role   Role   `json:"role" validate:"omitempty,oneof=admin teacher student"`
}

type ChatRoomRequest struct {
	ChatRoomID string `json:"chatRoomId" validate:"required,max=64"`
}

type SendMessageRequest struct {
	ChatRoomID string `json:"chatRoomId" validate:"required,max=64"`
	SenderID   string `json:"senderId" validate:"required,userid"`
	SenderRole Role   `json:"senderRole" validate:"omitempty,oneof=admin teacher student"`
	Content    string `json:"content" validate:"required,max=4000"`
}

type CreateChatRoomRequest struct {
	Name      string   `json:"name" validate:"required,max=200"`
	ClassID   string   `json:"classId" validate:"omitempty,max=64"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1,dive,userid"`
}

type SendNotificationRequest struct {
	Title         string        `json:"title" validate:"required,max=200"`
	Message       string        `json:"message" validate:"required,max=4000"`
	RecipientType RecipientType `json:"recipientType" validate:"required,oneof=global role student"`
	RecipientIDs  []string      `json:"recipientIds" validate:"omitempty,dive,required,max=64"`
	SenderID      string        `json:"senderId" validate:"required,userid"`
	SenderRole    Role          `json:"senderRole" validate:"omitempty,oneof=admin teacher student"`
	ScheduledAt   *time.Time    `json:"scheduledAt"`
}

type MarkReadRequest struct {
	NotificationID string `json:"notificationId" validate:"required"`
}

type ApplyLeaveRequest struct {
	StudentID string `json:"studentId" validate:"required,userid"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Reason    string `json:"reason" validate:"required,max=1000"`
}

type DecideLeaveRequest struct {
	LeaveID string      `json:"leaveId" validate:"required"`
	Status  LeaveStatus `json:"status" validate:"required,oneof=approved rejected"`
}

type ScheduleSessionRequest struct {
	Title       string    `json:"title" validate:"required,max=200"`
	ClassID     string    `json:"classId" validate:"required,max=64"`
	TeacherID   string    `json:"teacherId" validate:"required,userid"`
	StudentIDs  []string  `json:"studentIds" validate:"required,min=1,dive,userid"`
	ScheduledAt time.Time `json:"scheduledAt" validate:"required"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type ParticipantRequest struct {
	SessionID     string `json:"sessionId" validate:"required"`
	ParticipantID string `json:"participantId" validate:"required,userid"`
}

type CreateUserRequest struct {
	ID    string `json:"id" validate:"required,userid"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
	Role  Role   `json:"role" validate:"required,oneof=admin teacher student"`
}

// JoinResult is returned to a participant entering a live session
type JoinResult struct {
	SessionID    string        `json:"sessionId"`
	RoomID       string        `json:"roomId"`
	Token        string        `json:"token"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	Participants []Participant `json:"participants"`
}

// TokenResult is returned by renew-token
type TokenResult struct {
	SessionID string    `json:"sessionId"`
	RoomID    string    `json:"roomId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ParticipantsUpdate is broadcast to a session room when its roster changes
type ParticipantsUpdate struct {
	SessionID    string        `json:"sessionId"`
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

// SessionEndedEvent is broadcast to everyone when a host ends a session
type SessionEndedEvent struct {
	SessionID string    `json:"sessionId"`
	RoomID    string    `json:"roomId"`
	EndedAt   time.Time `json:"endedAt"`
}
