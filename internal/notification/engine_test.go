package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"schoolhub/internal/database"
	"schoolhub/internal/guard"
	"schoolhub/internal/testutil"
	"schoolhub/pkg/types"
)

var (
	teacher  = testutil.IdentityOf(testutil.Teacher)
	admin    = testutil.IdentityOf(testutil.Admin)
	studentA = testutil.IdentityOf(testutil.StudentA)
	studentB = testutil.IdentityOf(testutil.StudentB)
	studentC = testutil.IdentityOf(testutil.StudentC)
)

type fixture struct {
	engine  *Engine
	db      *database.Manager
	emitter *testutil.RecordingEmitter
	now     time.Time
	mu      sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDatabase(t)
	f := &fixture{
		db:      db,
		emitter: testutil.NewRecordingEmitter(),
		now:     time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(db, f.emitter, guard.New(db), Config{SweepInterval: 10 * time.Millisecond})
	f.engine.SetClock(f.clock)
	return f
}

func sendReq(sender types.Identity, rt types.RecipientType, ids ...string) types.SendNotificationRequest {
	return types.SendNotificationRequest{
		Title:         "Exam moved",
		Message:       "The physics exam moves to Friday",
		RecipientType: rt,
		RecipientIDs:  ids,
		SenderID:      sender.UserID,
	}
}

func TestEngine_SendImmediateGlobal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	n, err := f.engine.Send(ctx, admin, sendReq(admin, types.RecipientGlobal))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !n.Sent || n.SentAt == nil {
		t.Errorf("immediate notification should be sent when Send returns: %+v", n)
	}
	if n.SenderRole != types.RoleAdmin {
		t.Errorf("SenderRole = %q, want caller role", n.SenderRole)
	}

	stored, err := f.db.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Sent {
		t.Error("stored notification should be sent")
	}
	if got := f.emitter.Targets(types.EventNotification); len(got) != 1 || got[0] != "all:" {
		t.Errorf("targets = %v, want one BroadcastAll", got)
	}
}

// FUNCTIONAL VALIDATION TEST: A student-addressed notification to [A, B] yields exactly two direct sends
func TestEngine_StudentFanOut(t *testing.T) {
	f := setup(t)
	_, err := f.engine.Send(context.Background(), teacher, sendReq(teacher, types.RecipientStudent, "studentA", "studentB", "studentA"))
	if err != nil {
		t.Fatal(err)
	}
	got := f.emitter.Targets(types.EventNotification)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "user:studentA" || got[1] != "user:studentB" {
		t.Errorf("targets = %v, want user:studentA and user:studentB once each", got)
	}
}

func TestEngine_RoleFanOut(t *testing.T) {
	f := setup(t)
	_, err := f.engine.Send(context.Background(), admin, sendReq(admin, types.RecipientRole, "teacher", "student"))
	if err != nil {
		t.Fatal(err)
	}
	got := f.emitter.Targets(types.EventNotification)
	if len(got) != 2 || got[0] != "role:teacher" || got[1] != "role:student" {
		t.Errorf("targets = %v", got)
	}
}

func TestEngine_SendRejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller types.Identity
		req    types.SendNotificationRequest
		want   error
	}{
		{"student sender", studentA, sendReq(studentA, types.RecipientGlobal), types.ErrForbidden},
		{"impersonated sender", teacher, sendReq(admin, types.RecipientGlobal), types.ErrUnauthorized},
		{"student claiming teacher sender", studentA, sendReq(teacher, types.RecipientGlobal), types.ErrUnauthorized},
		{"student type without ids", teacher, sendReq(teacher, types.RecipientStudent), types.ErrValidation},
		{"role type without ids", teacher, sendReq(teacher, types.RecipientRole), types.ErrValidation},
		{"unknown role", teacher, sendReq(teacher, types.RecipientRole, "parent"), types.ErrValidation},
		{"unknown type", teacher, sendReq(teacher, "everyone"), types.ErrValidation},
		{"missing title", teacher, types.SendNotificationRequest{Message: "m", RecipientType: types.RecipientGlobal, SenderID: "teacher1"}, types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Send(ctx, tt.caller, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Send() = %v, want %v", err, tt.want)
			}
		})
	}
	if len(f.emitter.Calls()) != 0 {
		t.Errorf("rejected sends emitted %v", f.emitter.Calls())
	}
}

// FUNCTIONAL VALIDATION TEST: A future notification stays unsent until a sweep after its time
func TestEngine_ScheduledDeliveredBySweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req := sendReq(teacher, types.RecipientStudent, "studentA")
	at := f.clock().Add(10 * time.Minute)
	req.ScheduledAt = &at

	n, err := f.engine.Send(ctx, teacher, req)
	if err != nil {
		t.Fatal(err)
	}
	if n.Sent {
		t.Fatal("future notification must not be sent yet")
	}

	if delivered, err := f.engine.Sweep(ctx); err != nil || delivered != 0 {
		t.Fatalf("early Sweep() = %d, %v", delivered, err)
	}
	if err := f.engine.MarkAsRead(ctx, studentA, n.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("MarkAsRead() before delivery = %v, want ErrNotFound", err)
	}
	if len(f.emitter.Calls()) != 0 {
		t.Fatal("nothing should be emitted before scheduledAt")
	}

	f.advance(10 * time.Minute)
	if delivered, err := f.engine.Sweep(ctx); err != nil || delivered != 1 {
		t.Fatalf("Sweep() = %d, %v, want 1", delivered, err)
	}
	stored, _ := f.db.GetNotification(ctx, n.ID)
	if !stored.Sent {
		t.Error("notification should be sent after sweep")
	}
	if err := f.engine.MarkAsRead(ctx, studentA, n.ID); err != nil {
		t.Errorf("MarkAsRead() after delivery = %v", err)
	}

	if delivered, _ := f.engine.Sweep(ctx); delivered != 0 {
		t.Errorf("second sweep delivered %d, want 0", delivered)
	}
	if got := f.emitter.Targets(types.EventNotification); len(got) != 1 {
		t.Errorf("targets = %v, want exactly one delivery", got)
	}
}

func TestEngine_SweepRecoversUnclaimedImmediate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// inserted but never claimed, as after a crash between insert and claim
	orphan := &types.Notification{
		ID: "orphan", Title: "t", Message: "m", RecipientType: types.RecipientGlobal,
		SenderID: "admin1", SenderRole: types.RoleAdmin, CreatedAt: f.clock(),
	}
	if err := f.db.CreateNotification(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if delivered, err := f.engine.Sweep(ctx); err != nil || delivered != 1 {
		t.Fatalf("Sweep() = %d, %v", delivered, err)
	}
}

// TECHNICAL VALIDATION TEST: Overlapping sweeps fan each notification out exactly once
func TestEngine_ConcurrentSweepsDeliverOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const total = 20
	past := f.clock().Add(-time.Minute)
	for i := 0; i < total; i++ {
		n := &types.Notification{
			ID: "n" + string(rune('a'+i)), Title: "t", Message: "m",
			RecipientType: types.RecipientStudent, RecipientIDs: []string{"studentA"},
			SenderID: "teacher1", SenderRole: types.RoleTeacher,
			CreatedAt: past, ScheduledAt: &past,
		}
		if err := f.db.CreateNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.engine.Sweep(ctx)
			if err != nil {
				t.Errorf("Sweep() error = %v", err)
			}
			mu.Lock()
			claimed += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if claimed != total {
		t.Errorf("sweeps claimed %d, want %d", claimed, total)
	}
	if got := len(f.emitter.Filter(types.EventNotification)); got != total {
		t.Errorf("emitted %d notifications, want %d", got, total)
	}
}

// FUNCTIONAL VALIDATION TEST: markAsRead is not-found outside the audience for every recipient type
func TestEngine_MarkAsReadAudience(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	global, _ := f.engine.Send(ctx, admin, sendReq(admin, types.RecipientGlobal))
	toTeachers, _ := f.engine.Send(ctx, admin, sendReq(admin, types.RecipientRole, "teacher"))
	toA, _ := f.engine.Send(ctx, teacher, sendReq(teacher, types.RecipientStudent, "studentA"))

	allowed := []struct {
		id     string
		caller types.Identity
	}{
		{global.ID, studentC},
		{toTeachers.ID, teacher},
		{toA.ID, studentA},
	}
	for _, a := range allowed {
		if err := f.engine.MarkAsRead(ctx, a.caller, a.id); err != nil {
			t.Errorf("MarkAsRead(%s by %s) = %v", a.id, a.caller.UserID, err)
		}
		// idempotent
		if err := f.engine.MarkAsRead(ctx, a.caller, a.id); err != nil {
			t.Errorf("repeat MarkAsRead = %v", err)
		}
	}

	denied := []struct {
		id     string
		caller types.Identity
	}{
		{toTeachers.ID, studentA},
		{toA.ID, studentB},
		{toA.ID, teacher},
		{"missing", studentA},
	}
	for _, d := range denied {
		if err := f.engine.MarkAsRead(ctx, d.caller, d.id); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("MarkAsRead(%s by %s) = %v, want ErrNotFound", d.id, d.caller.UserID, err)
		}
	}

	// read state is per recipient
	if read, _ := f.db.IsRead(ctx, global.ID, studentC.UserID); !read {
		t.Error("studentC read the global notification")
	}
	if read, _ := f.db.IsRead(ctx, global.ID, studentA.UserID); read {
		t.Error("studentA never read the global notification")
	}
}

func TestEngine_ListForUser(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	global, _ := f.engine.Send(ctx, admin, sendReq(admin, types.RecipientGlobal))
	f.advance(time.Second)
	_, _ = f.engine.Send(ctx, teacher, sendReq(teacher, types.RecipientStudent, "studentB"))
	f.advance(time.Second)
	toA, _ := f.engine.Send(ctx, teacher, sendReq(teacher, types.RecipientStudent, "studentA"))
	_ = f.engine.MarkAsRead(ctx, studentA, toA.ID)

	list, err := f.engine.ListForUser(ctx, studentA)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("ListForUser() returned %d, want 2", len(list))
	}
	if list[0].ID != toA.ID || !list[0].IsRead {
		t.Errorf("newest first and read: %+v", list[0])
	}
	if list[1].ID != global.ID || list[1].IsRead {
		t.Errorf("global unread: %+v", list[1])
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	req := sendReq(teacher, types.RecipientStudent, "studentA")
	at := f.clock().Add(time.Second)
	req.ScheduledAt = &at
	if _, err := f.engine.Send(ctx, teacher, req); err != nil {
		t.Fatal(err)
	}
	f.advance(2 * time.Second)

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	if !f.emitter.WaitFor(types.EventNotification, 1, 2*time.Second) {
		t.Error("Run should deliver due notifications")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
