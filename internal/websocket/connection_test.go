package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schoolhub/pkg/types"
)

var teacherIdentity = types.Identity{UserID: "teacher1", Role: types.RoleTeacher}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	server, _ := createTestPair(t)
	conn := NewConnection(context.Background(), server, teacherIdentity, ConnectionOptions{})
	defer conn.Close()

	if conn.ID() == "" {
		t.Error("connection id should be assigned")
	}
	if conn.Identity() != teacherIdentity {
		t.Errorf("Identity() = %+v", conn.Identity())
	}
	if cap(conn.writeCh) != 100 {
		t.Errorf("Expected write channel buffer of 100, got %d", cap(conn.writeCh))
	}

	other := NewConnection(context.Background(), server, teacherIdentity, ConnectionOptions{BufferSize: 3})
	defer other.Close()
	if other.ID() == conn.ID() {
		t.Error("connection ids must be unique")
	}
}

func TestConnection_EmitEnvelope(t *testing.T) {
	server, client := createTestPair(t)
	conn := NewConnection(context.Background(), server, teacherIdentity, DefaultConnectionOptions())
	defer conn.Close()

	if err := conn.Emit(types.EventNotification, map[string]string{"title": "Exam"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	env := readEnvelope(t, client)
	if env["event"] != types.EventNotification {
		t.Errorf("event = %v", env["event"])
	}
	data, _ := env["data"].(map[string]interface{})
	if data["title"] != "Exam" {
		t.Errorf("data = %v", env["data"])
	}
	if _, err := time.Parse(time.RFC3339, env["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339: %v", env["timestamp"])
	}

	if err := conn.Ack("42", types.Ack{Success: true}); err != nil {
		t.Fatal(err)
	}
	ack := readEnvelope(t, client)
	if ack["event"] != types.EventAck || ack["ackId"] != "42" {
		t.Errorf("ack = %v", ack)
	}
}

// FUNCTIONAL VALIDATION TEST: Concurrent writers never interleave frames
func TestConnection_ConcurrentWrites(t *testing.T) {
	server, client := createTestPair(t)
	conn := NewConnection(context.Background(), server, teacherIdentity, DefaultConnectionOptions())
	defer conn.Close()

	const writers, perWriter = 10, 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := conn.Emit("tick", n*perWriter+j); err != nil {
					t.Errorf("Emit() error = %v", err)
				}
			}
		}(i)
	}

	seen := make(map[float64]bool)
	for i := 0; i < writers*perWriter; i++ {
		env := readEnvelope(t, client)
		seen[env["data"].(float64)] = true
	}
	wg.Wait()
	if len(seen) != writers*perWriter {
		t.Errorf("received %d distinct frames, want %d", len(seen), writers*perWriter)
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	server, _ := createTestPair(t)
	conn := NewConnection(context.Background(), server, teacherIdentity, DefaultConnectionOptions())

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = conn.Close()

	if err := conn.WriteJSON("late"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("WriteJSON after close = %v, want ErrConnectionClosed", err)
	}
	select {
	case <-conn.Context().Done():
	default:
		t.Error("context should be cancelled on close")
	}
}

func TestConnection_ParentCancellationStopsWriter(t *testing.T) {
	server, _ := createTestPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnection(ctx, server, teacherIdentity, DefaultConnectionOptions())
	defer conn.Close()

	cancel()
	if err := conn.WriteJSON("x"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("WriteJSON after parent cancel = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_InvalidJSON(t *testing.T) {
	server, _ := createTestPair(t)
	conn := NewConnection(context.Background(), server, teacherIdentity, DefaultConnectionOptions())
	defer conn.Close()

	if err := conn.WriteJSON(make(chan int)); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("WriteJSON(chan) = %v, want ErrInvalidJSON", err)
	}
}

func TestConnection_TrySendClosesSlowConsumer(t *testing.T) {
	conn := stalledConnection("slow", teacherIdentity, 1)

	if err := conn.TrySend("first"); err != nil {
		t.Fatalf("TrySend() into empty buffer error = %v", err)
	}
	start := time.Now()
	if err := conn.TrySend("second"); !errors.Is(err, ErrSlowConsumer) {
		t.Errorf("TrySend() into full buffer = %v, want ErrSlowConsumer", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("TrySend() waited %v on a full buffer", elapsed)
	}
	select {
	case <-conn.Context().Done():
	default:
		t.Error("slow consumer should be closed")
	}
	if err := conn.TrySend("third"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("TrySend() after close = %v, want ErrConnectionClosed", err)
	}
}
