package leave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"schoolhub/internal/database"
	"schoolhub/internal/guard"
	"schoolhub/internal/notification"
	"schoolhub/internal/testutil"
	"schoolhub/pkg/types"
)

var (
	teacher  = testutil.IdentityOf(testutil.Teacher)
	teacher2 = testutil.IdentityOf(testutil.Teacher2)
	studentA = testutil.IdentityOf(testutil.StudentA)
)

func setup(t *testing.T) (*Workflow, *database.Manager, *testutil.RecordingEmitter) {
	t.Helper()
	db := testutil.NewDatabase(t)
	emitter := testutil.NewRecordingEmitter()
	g := guard.New(db)
	engine := notification.NewEngine(db, emitter, g, notification.DefaultConfig())
	return NewWorkflow(db, engine, g), db, emitter
}

func applyReq(studentID string) types.ApplyLeaveRequest {
	return types.ApplyLeaveRequest{StudentID: studentID, Date: "2026-05-11", Reason: "Dentist appointment"}
}

// FUNCTIONAL VALIDATION TEST: Apply creates a pending leave and notifies the teacher role
func TestWorkflow_Apply(t *testing.T) {
	w, db, emitter := setup(t)
	ctx := context.Background()

	l, err := w.Apply(ctx, studentA, applyReq("studentA"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if l.Status != types.LeavePending || l.StudentID != "studentA" {
		t.Errorf("leave = %+v", l)
	}
	stored, err := db.GetLeave(ctx, l.ID)
	if err != nil || stored.Status != types.LeavePending {
		t.Fatalf("stored leave = %+v, %v", stored, err)
	}
	if got := emitter.Targets(types.EventNotification); len(got) != 1 || got[0] != "role:teacher" {
		t.Errorf("targets = %v, want role:teacher", got)
	}
}

func TestWorkflow_ApplyRejections(t *testing.T) {
	w, _, emitter := setup(t)
	ctx := context.Background()

	if _, err := w.Apply(ctx, teacher, applyReq("teacher1")); !errors.Is(err, types.ErrForbidden) {
		t.Errorf("teacher apply = %v, want ErrForbidden", err)
	}
	if _, err := w.Apply(ctx, studentA, applyReq("studentB")); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("apply for someone else = %v, want ErrUnauthorized", err)
	}
	if _, err := w.Apply(ctx, teacher, applyReq("studentA")); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("teacher claiming student id = %v, want ErrUnauthorized", err)
	}
	bad := applyReq("studentA")
	bad.Date = "11/05/2026"
	if _, err := w.Apply(ctx, studentA, bad); !errors.Is(err, types.ErrValidation) {
		t.Errorf("bad date = %v, want ErrValidation", err)
	}
	if len(emitter.Calls()) != 0 {
		t.Errorf("rejected applies emitted %v", emitter.Calls())
	}
}

// FUNCTIONAL VALIDATION TEST: A leave can be decided once; the second attempt conflicts
func TestWorkflow_DecideOnce(t *testing.T) {
	w, db, emitter := setup(t)
	ctx := context.Background()

	l, _ := w.Apply(ctx, studentA, applyReq("studentA"))
	emitter.Reset()

	decided, err := w.Decide(ctx, teacher, types.DecideLeaveRequest{LeaveID: l.ID, Status: types.LeaveApproved})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if decided.Status != types.LeaveApproved || decided.DecidedBy != "teacher1" {
		t.Errorf("decided = %+v", decided)
	}
	if got := emitter.Targets(types.EventNotification); len(got) != 1 || got[0] != "user:studentA" {
		t.Errorf("targets = %v, want only the student", got)
	}

	_, err = w.Decide(ctx, teacher2, types.DecideLeaveRequest{LeaveID: l.ID, Status: types.LeaveRejected})
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("second Decide() = %v, want ErrConflict", err)
	}
	stored, _ := db.GetLeave(ctx, l.ID)
	if stored.Status != types.LeaveApproved || stored.DecidedBy != "teacher1" {
		t.Errorf("state changed by second decision: %+v", stored)
	}
	if n := len(emitter.Filter(types.EventNotification)); n != 1 {
		t.Errorf("conflicting decision notified: %d emissions", n)
	}
}

func TestWorkflow_DecideRejections(t *testing.T) {
	w, _, _ := setup(t)
	ctx := context.Background()
	l, _ := w.Apply(ctx, studentA, applyReq("studentA"))

	if _, err := w.Decide(ctx, studentA, types.DecideLeaveRequest{LeaveID: l.ID, Status: types.LeaveApproved}); !errors.Is(err, types.ErrForbidden) {
		t.Errorf("student decide = %v, want ErrForbidden", err)
	}
	if _, err := w.Decide(ctx, teacher, types.DecideLeaveRequest{LeaveID: "nope", Status: types.LeaveApproved}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown leave = %v, want ErrNotFound", err)
	}
	if _, err := w.Decide(ctx, teacher, types.DecideLeaveRequest{LeaveID: l.ID, Status: types.LeavePending}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("pending as decision = %v, want ErrValidation", err)
	}
}

// TECHNICAL VALIDATION TEST: Racing teachers produce one decision
func TestWorkflow_ConcurrentDecide(t *testing.T) {
	w, _, emitter := setup(t)
	ctx := context.Background()
	l, _ := w.Apply(ctx, studentA, applyReq("studentA"))
	emitter.Reset()

	var (
		wg        sync.WaitGroup
		wins      int32
		conflicts int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := types.LeaveApproved
			if i%2 == 1 {
				status = types.LeaveRejected
			}
			_, err := w.Decide(ctx, teacher, types.DecideLeaveRequest{LeaveID: l.ID, Status: status})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, types.ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("Decide() unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != 7 {
		t.Errorf("wins=%d conflicts=%d, want 1 and 7", wins, conflicts)
	}
	if n := len(emitter.Filter(types.EventNotification)); n != 1 {
		t.Errorf("decision notifications = %d, want 1", n)
	}
}
