package types

import (
	"encoding/json"
	"time"
)

// Role identifies what an authenticated user may do
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Identity is the authenticated principal bound to a connection or REST request
// ARCHITECTURAL DISCOVERY: Identity comes only from the verified handshake token,
// never from event payloads, so payload ids are compared against it
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// User is the directory view of a person
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// SessionStatus is the live-session lifecycle state
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionOngoing   SessionStatus = "ongoing"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// Participant is a user currently present in a live session
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// LiveSession represents a scheduled online class
// FUNCTIONAL DISCOVERY: RoomID and StudentIDs are fixed at scheduling time;
// only Status, timestamps and participants change afterwards
type LiveSession struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	ClassID      string        `json:"classId"`
	TeacherID    string        `json:"teacherId"`
	StudentIDs   []string      `json:"studentIds"`
	ScheduledAt  time.Time     `json:"scheduledAt"`
	Status       SessionStatus `json:"status"`
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasStudent reports whether userID is enrolled in the session
func (s *LiveSession) HasStudent(userID string) bool {
	for _, id := range s.StudentIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// SessionDurationRecord is an append-only attendance entry
type SessionDurationRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	SessionID       string    `json:"sessionId"`
	DurationSeconds int64     `json:"durationSeconds"`
	JoinTime        time.Time `json:"joinTime"`
	LeaveTime       time.Time `json:"leaveTime"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ShortAttendance flags attendance under one hour
func (r *SessionDurationRecord) ShortAttendance() bool {
	return r.DurationSeconds < int64(time.Hour/time.Second)
}

// NewDurationRecord builds a record from join and leave instants, clamping
// a leave time that precedes the join time
func NewDurationRecord(id, userID, sessionID string, joinTime, leaveTime time.Time) *SessionDurationRecord {
	if leaveTime.Before(joinTime) {
		leaveTime = joinTime
	}
	return &SessionDurationRecord{
		ID:              id,
		UserID:          userID,
		SessionID:       sessionID,
		DurationSeconds: int64(leaveTime.Sub(joinTime) / time.Second),
		JoinTime:        joinTime,
		LeaveTime:       leaveTime,
		CreatedAt:       leaveTime,
	}
}

// JobKind names the work a delayed job performs
type JobKind string

const JobKindSessionStart JobKind = "session-start"

// JobStatus tracks a persisted delayed job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ScheduledJob is a unit of delayed work owned by the queue
type ScheduledJob struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	DueAt     time.Time       `json:"dueAt"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RecipientType discriminates how a notification's RecipientIDs are read
type RecipientType string

const (
	RecipientGlobal  RecipientType = "global"
	RecipientRole    RecipientType = "role"
	RecipientStudent RecipientType = "student"
)

// Notification is a persisted message fanned out to an audience
// ARCHITECTURAL DISCOVERY: Read state lives per recipient in a join table;
// IsRead is filled in for the viewing user only
type Notification struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Message       string        `json:"message"`
	RecipientType RecipientType `json:"recipientType"`
	RecipientIDs  []string      `json:"recipientIds"`
	SenderID      string        `json:"senderId"`
	SenderRole    Role          `json:"senderRole"`
	Sent          bool          `json:"sent"`
	SentAt        *time.Time    `json:"sentAt,omitempty"`
	IsRead        bool          `json:"isRead"`
	CreatedAt     time.Time     `json:"createdAt"`
	ScheduledAt   *time.Time    `json:"scheduledAt,omitempty"`
}

// LeaveStatus is the leave request state
type LeaveStatus string

const (
	LeavePending  LeaveStatus = "pending"
	LeaveApproved LeaveStatus = "approved"
	LeaveRejected LeaveStatus = "rejected"
)

// Leave is a student's absence request
type Leave struct {
	ID        string      `json:"id"`
	StudentID string      `json:"studentId"`
	Date      string      `json:"date"`
	Reason    string      `json:"reason"`
	Status    LeaveStatus `json:"status"`
	DecidedBy string      `json:"decidedBy,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// ChatRoom groups users who may exchange messages
type ChatRoom struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ClassID   string    `json:"classId,omitempty"`
	MemberIDs []string  `json:"memberIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted chat message
type Message struct {
	ID         string    `json:"id"`
	ChatRoomID string    `json:"chatRoomId"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Frame is the inbound WebSocket envelope
type Frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope is the outbound WebSocket envelope
type Envelope struct {
	Event     string      `json:"event"`
	AckID     string      `json:"ackId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Ack is the request/response acknowledgement payload
type Ack struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}
