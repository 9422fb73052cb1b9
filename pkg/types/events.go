package types

// Inbound event names
const (
	EventJoin                   = "join"
	EventJoinRoom               = "joinRoom"
	EventLeaveRoom              = "leaveRoom"
	EventSendMessage            = "sendMessage"
	EventSendNotification       = "sendNotification"
	EventMarkNotificationRead   = "mark-notification-read"
	EventApplyForLeave          = "apply-for-leave"
	EventApproveRejectLeave     = "approve-reject-leave"
	EventScheduleLiveSession    = "schedule-live-session"
	EventCancelLiveSession      = "cancel-live-session"
	EventJoinLiveSession        = "join-live-session"
	EventLeaveLiveSession       = "leave-live-session"
	EventStudentSessionDuration = "student-session-duration"
	EventEndLiveSession         = "end-live-session"
	EventRenewToken             = "renew-token"
)

// Outbound event names
const (
	EventAck                  = "ack"
	EventError                = "error"
	EventReceiveMessage       = "receiveMessage"
	EventNotification         = "notification"
	EventLiveSessionScheduled = "live-session-scheduled"
	EventLiveSessionStart     = "live-session-start"
	EventLiveSessionEnded     = "live-session-ended"
	EventLiveSessionCancelled = "live-session-cancelled"
	EventParticipantsUpdated  = "participants-updated"
)

// Room name prefixes
// FUNCTIONAL DISCOVERY: One namespace per channel kind keeps chat ids, media room
// ids and user ids from colliding inside the registry's single room map
const (
	roomPrefixUser    = "user:"
	roomPrefixRole    = "role:"
	roomPrefixChat    = "chat:"
	roomPrefixSession = "session:"
)

func UserRoom(userID string) string     { return roomPrefixUser + userID }
func RoleRoom(role Role) string         { return roomPrefixRole + string(role) }
func ChatRoomName(chatID string) string { return roomPrefixChat + chatID }
func SessionRoom(roomID string) string  { return roomPrefixSession + roomID }
