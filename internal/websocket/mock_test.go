package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"schoolhub/pkg/types"
)

// mockConnection records everything written to it
type mockConnection struct {
	id       string
	identity types.Identity
	fail     bool

	mu     sync.Mutex
	frames []types.Envelope
	closed bool
}

func newMockConnection(id, userID string, role types.Role) *mockConnection {
	return &mockConnection{id: id, identity: types.Identity{UserID: userID, Role: role}}
}

func (m *mockConnection) ID() string               { return m.id }
func (m *mockConnection) Identity() types.Identity { return m.identity }

func (m *mockConnection) Emit(event string, payload interface{}) error {
	return m.WriteJSON(types.Envelope{Event: event, Data: payload})
}

func (m *mockConnection) WriteJSON(v interface{}) error {
	if m.fail {
		return errors.New("broken pipe")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := v.(types.Envelope); ok {
		m.frames = append(m.frames, env)
	}
	return nil
}

func (m *mockConnection) TrySend(v interface{}) error {
	return m.WriteJSON(v)
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConnection) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.frames))
	for _, f := range m.frames {
		out = append(out, f.Event)
	}
	return out
}

// stalledConnection has no writer goroutine, so its buffer only ever fills
func stalledConnection(id string, identity types.Identity, buffer int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       id,
		identity: identity,
		writeCh:  make(chan []byte, buffer),
		opts:     ConnectionOptions{BufferSize: buffer, WriteTimeout: time.Second},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Test WebSocket upgrader for creating test connections
var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// createTestPair returns the server and client ends of a live socket
func createTestPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of test connection never arrived")
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env map[string]interface{}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return env
}
