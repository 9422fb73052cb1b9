package interfaces

import "schoolhub/pkg/types"

// Connection represents an authenticated real-time client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// ID returns the server-assigned connection id
	ID() string

	// Identity returns the identity verified at handshake
	Identity() types.Identity

	// Emit sends a named event with payload (thread-safe, single writer)
	Emit(event string, payload interface{}) error

	// WriteJSON sends a raw JSON frame to the client (thread-safe)
	WriteJSON(v interface{}) error

	// TrySend queues a frame without blocking; used for fan-out
	TrySend(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error
}

// Rooms lets event handlers change a connection's room memberships
type Rooms interface {
	JoinRoom(connID, roomID string) error
	LeaveRoom(connID, roomID string)
}

// Emitter delivers events to connected clients
// FUNCTIONAL DISCOVERY: Emitting to a room with no members is a silent no-op,
// so none of these methods return errors
type Emitter interface {
	Broadcast(roomID, event string, payload interface{})
	BroadcastAll(event string, payload interface{})
	SendToUser(userID, event string, payload interface{})
	SendToRole(role types.Role, event string, payload interface{})
}
