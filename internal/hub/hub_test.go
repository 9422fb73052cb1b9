package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"schoolhub/internal/testutil"
	"schoolhub/pkg/types"
)

func newTestHub(t *testing.T, buffer int) (*Hub, *testutil.RecordingEmitter) {
	t.Helper()
	target := testutil.NewRecordingEmitter()
	h, err := NewHub(target, buffer, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	return h, target
}

func TestHub_RequiresTarget(t *testing.T) {
	if _, err := NewHub(nil, 0, zerolog.Nop()); err != ErrNilEmitter {
		t.Errorf("NewHub(nil) = %v, want ErrNilEmitter", err)
	}
}

// TestHub_StartStop tests functional validation - hub lifecycle management
func TestHub_StartStop(t *testing.T) {
	h, _ := newTestHub(t, 0)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
	// restartable
	if err := h.Start(ctx); err != nil {
		t.Errorf("restart error = %v", err)
	}
	_ = h.Stop()
}

func TestHub_RoutesEachTargetKind(t *testing.T) {
	h, target := newTestHub(t, 0)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.Broadcast(types.SessionRoom("r1"), types.EventParticipantsUpdated, 1)
	h.BroadcastAll(types.EventLiveSessionEnded, 2)
	h.SendToUser("studentA", types.EventLiveSessionStart, 3)
	h.SendToRole(types.RoleTeacher, types.EventNotification, 4)

	if err := h.Stop(); err != nil {
		t.Fatal(err)
	}

	got := target.Calls()
	want := []testutil.Emission{
		{Kind: "room", Target: "session:r1", Event: types.EventParticipantsUpdated, Payload: 1},
		{Kind: "all", Event: types.EventLiveSessionEnded, Payload: 2},
		{Kind: "user", Target: "studentA", Event: types.EventLiveSessionStart, Payload: 3},
		{Kind: "role", Target: "teacher", Event: types.EventNotification, Payload: 4},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d emissions, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emission %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// FUNCTIONAL VALIDATION TEST: Emissions leave in queue order
func TestHub_PreservesOrder(t *testing.T) {
	h, target := newTestHub(t, 0)
	_ = h.Start(context.Background())

	for i := 0; i < 500; i++ {
		h.SendToUser("u1", "seq", i)
	}
	_ = h.Stop()

	calls := target.Calls()
	if len(calls) != 500 {
		t.Fatalf("got %d emissions, want 500", len(calls))
	}
	for i, c := range calls {
		if c.Payload != i {
			t.Fatalf("emission %d carried %v", i, c.Payload)
		}
	}
}

func TestHub_StoppedHubDeliversInline(t *testing.T) {
	h, target := newTestHub(t, 0)
	h.SendToUser("u1", "inline", nil)
	if len(target.Filter("inline")) != 1 {
		t.Error("a stopped hub must still deliver")
	}
}

func TestHub_FullQueueDeliversInline(t *testing.T) {
	target := &blockingEmitter{RecordingEmitter: testutil.NewRecordingEmitter(), release: make(chan struct{})}
	h, err := NewHub(target, 1, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = h.Start(context.Background())

	h.SendToUser("u1", "first", nil) // taken by the drain goroutine, which blocks
	time.Sleep(20 * time.Millisecond)
	h.SendToUser("u1", "second", nil) // fills the buffer
	h.Broadcast("room", "overflow", nil)

	if len(target.Filter("overflow")) != 1 {
		t.Error("overflow emission should be delivered inline")
	}
	close(target.release)
	_ = h.Stop()
	if len(target.Filter("second")) != 1 {
		t.Error("buffered emission lost on stop")
	}
}

func TestHub_ContextCancelStops(t *testing.T) {
	h, target := newTestHub(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	_ = h.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for h.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Running() {
		t.Fatal("hub should stop when its context ends")
	}
	h.BroadcastAll("after", nil)
	if len(target.Filter("after")) != 1 {
		t.Error("emission after cancel should be delivered inline")
	}
}

// TECHNICAL VALIDATION TEST: Concurrent producers (run with -race)
func TestHub_ConcurrentProducers(t *testing.T) {
	h, target := newTestHub(t, 0)
	_ = h.Start(context.Background())

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.SendToUser(fmt.Sprintf("u%d", p), "burst", i)
			}
		}(p)
	}
	wg.Wait()
	_ = h.Stop()

	if n := len(target.Filter("burst")); n != 1000 {
		t.Errorf("delivered %d, want 1000", n)
	}
}

func TestHub_RecoversPanickingTarget(t *testing.T) {
	h, err := NewHub(&panicEmitter{}, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = h.Start(context.Background())
	h.BroadcastAll("boom", nil)
	h.BroadcastAll("boom", nil)
	if err := h.Stop(); err != nil {
		t.Errorf("Stop() after panics = %v", err)
	}
}

type blockingEmitter struct {
	*testutil.RecordingEmitter
	release chan struct{}
}

func (b *blockingEmitter) SendToUser(userID, event string, payload interface{}) {
	if event == "first" {
		<-b.release
	}
	b.RecordingEmitter.SendToUser(userID, event, payload)
}

type panicEmitter struct{ testutil.RecordingEmitter }

func (*panicEmitter) BroadcastAll(string, interface{}) { panic("socket exploded") }
