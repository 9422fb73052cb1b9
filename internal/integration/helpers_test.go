// Package integration drives the whole server over real WebSocket connections.
package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"schoolhub/internal/app"
	"schoolhub/internal/config"
	"schoolhub/internal/testutil"
	"schoolhub/pkg/types"
)

const eventTimeout = 5 * time.Second

// inbound mirrors the server envelope with the payload left raw
type inbound struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

type ackData struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testServer struct {
	app    *app.Application
	server *httptest.Server
}

// startServer boots the full application on a temp database with fast pollers
func startServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.App.Environment = "test"
	cfg.Database.Path = filepath.Join(t.TempDir(), "schoolhub.db")
	cfg.Auth.Secret = "integration-secret"
	cfg.Media.Secret = "integration-media"
	cfg.Scheduler.PollInterval = 50 * time.Millisecond
	cfg.Notification.SweepInterval = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	if err != nil {
		cancel()
		t.Fatalf("NewApplication() error = %v", err)
	}
	testutil.SeedUsers(t, application.Database(), testutil.Admin, testutil.Teacher,
		testutil.StudentA, testutil.StudentB, testutil.StudentC)

	done := make(chan error, 1)
	go func() { done <- application.RunWorkers(ctx) }()
	server := httptest.NewServer(application.Handler())

	t.Cleanup(func() {
		server.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("RunWorkers() error = %v", err)
			}
		case <-time.After(eventTimeout):
			t.Error("workers did not stop")
		}
		_ = application.Close()
	})
	return &testServer{app: application, server: server}
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan inbound
	mu     sync.Mutex
	nextID int
}

// connect dials /ws as user and subscribes to its personal channels
func (s *testServer) connect(t *testing.T, u *types.User) *client {
	t.Helper()
	token, _, err := s.app.Authenticator().Issue(testutil.IdentityOf(u), time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", u.ID, err)
	}

	c := &client{t: t, conn: conn, events: make(chan inbound, 64)}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })

	if ack := c.request(types.EventJoin, map[string]string{}); !ack.Success {
		t.Fatalf("join as %s failed: %+v", u.ID, ack)
	}
	return c
}

func (c *client) readLoop() {
	defer close(c.events)
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.events <- msg
	}
}

// request sends a frame with an ackId and waits for the matching ack
func (c *client) request(event string, data interface{}) ackData {
	c.t.Helper()
	c.mu.Lock()
	c.nextID++
	ackID := event + "-" + strconv.Itoa(c.nextID)
	c.mu.Unlock()

	if err := c.conn.WriteJSON(map[string]interface{}{"event": event, "ackId": ackID, "data": data}); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
	msg := c.waitFor(types.EventAck, func(m inbound) bool { return m.AckID == ackID })
	var ack ackData
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	return ack
}

// waitFor returns the first event matching name and filter, skipping others
func (c *client) waitFor(event string, filter func(inbound) bool) inbound {
	c.t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", event)
			}
			if msg.Event == event && (filter == nil || filter(msg)) {
				return msg
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectNone fails if event arrives within d
func (c *client) expectNone(event string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				return
			}
			if msg.Event == event {
				c.t.Fatalf("unexpected %s: %s", event, msg.Data)
			}
		case <-deadline:
			return
		}
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}
