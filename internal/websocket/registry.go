package websocket

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var (
	_ interfaces.Rooms   = (*Registry)(nil)
	_ interfaces.Emitter = (*Registry)(nil)
)

// Registry tracks live connections and their room memberships
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic;
// user and role delivery are ordinary rooms so one broadcast path serves every target
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // connID -> connection
	rooms       map[string]map[string]interfaces.Connection // roomID -> connID -> connection
	memberships map[string]map[string]struct{}              // connID -> roomIDs
	logger      zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		rooms:       make(map[string]map[string]interfaces.Connection),
		memberships: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Register adds an authenticated connection with no room memberships
// FUNCTIONAL DISCOVERY: Several connections per user are allowed (multiple tabs),
// so registration never evicts an existing connection
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	r.memberships[conn.ID()] = make(map[string]struct{})
	return nil
}

// Unregister removes the connection from every room; idempotent
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, exists := r.connections[id]; !exists {
		return
	}
	for roomID := range r.memberships[id] {
		r.removeMemberLocked(roomID, id)
	}
	delete(r.memberships, id)
	delete(r.connections, id)
}

func (r *Registry) JoinRoom(connID, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return ErrConnectionNotFound
	}
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]interfaces.Connection)
		r.rooms[roomID] = members
	}
	members[connID] = conn
	r.memberships[connID][roomID] = struct{}{}
	return nil
}

func (r *Registry) LeaveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rooms, exists := r.memberships[connID]; exists {
		delete(rooms, roomID)
	}
	r.removeMemberLocked(roomID, connID)
}

// removeMemberLocked deletes empty rooms to prevent unbounded map growth
func (r *Registry) removeMemberLocked(roomID, connID string) {
	members, exists := r.rooms[roomID]
	if !exists {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// RoomMembers returns a snapshot of a room's connections
func (r *Registry) RoomMembers(roomID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]interfaces.Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// Rooms returns the rooms a connection belongs to
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.memberships[connID]))
	for roomID := range r.memberships[connID] {
		out = append(out, roomID)
	}
	return out
}

// Broadcast delivers to every member of roomID
// TECHNICAL DISCOVERY: Members are snapshotted under the read lock and written
// outside it, so a slow client never blocks joins or other broadcasts
func (r *Registry) Broadcast(roomID, event string, payload interface{}) {
	r.deliver(r.RoomMembers(roomID), roomID, event, payload)
}

func (r *Registry) BroadcastAll(event string, payload interface{}) {
	r.mu.RLock()
	all := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		all = append(all, conn)
	}
	r.mu.RUnlock()

	r.deliver(all, "*", event, payload)
}

func (r *Registry) SendToUser(userID, event string, payload interface{}) {
	r.Broadcast(types.UserRoom(userID), event, payload)
}

func (r *Registry) SendToRole(role types.Role, event string, payload interface{}) {
	r.Broadcast(types.RoleRoom(role), event, payload)
}

// deliver queues one envelope on each connection; a failing or stalled member
// never aborts or delays delivery to the others
// TECHNICAL DISCOVERY: The hub delivers every background emission on one goroutine,
// so a blocking write here would let one stalled client hold up all broadcasts
func (r *Registry) deliver(conns []interfaces.Connection, roomID, event string, payload interface{}) {
	if len(conns) == 0 {
		return
	}
	envelope := types.Envelope{Event: event, Data: payload, Timestamp: time.Now().UTC()}
	for _, conn := range conns {
		if err := conn.TrySend(envelope); err != nil {
			r.logger.Warn().Err(err).
				Str("conn_id", conn.ID()).
				Str("user_id", conn.Identity().UserID).
				Str("room", roomID).
				Str("event", event).
				Msg("failed to deliver event")
		}
	}
}

// CloseAll closes every registered connection; used at shutdown
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		all = append(all, conn)
	}
	r.mu.RUnlock()

	for _, conn := range all {
		_ = conn.Close()
	}
}

// Stats returns registry statistics for monitoring and debugging
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]struct{})
	for _, conn := range r.connections {
		users[conn.Identity().UserID] = struct{}{}
	}
	return map[string]int{
		"total_connections": len(r.connections),
		"unique_users":      len(users),
		"rooms":             len(r.rooms),
	}
}
