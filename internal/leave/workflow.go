// Package leave implements the student leave request workflow.
package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"schoolhub/internal/guard"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.LeaveService = (*Workflow)(nil)

// Publisher persists and delivers a system notification
type Publisher interface {
	Publish(ctx context.Context, n *types.Notification) error
}

// Workflow moves a leave from pending to approved or rejected exactly once
type Workflow struct {
	repo      interfaces.LeaveRepository
	publisher Publisher
	guard     *guard.Guard
	now       func() time.Time
}

func NewWorkflow(repo interfaces.LeaveRepository, publisher Publisher, g *guard.Guard) *Workflow {
	return &Workflow{
		repo:      repo,
		publisher: publisher,
		guard:     g,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply files a pending leave for the calling student and tells the teachers
func (w *Workflow) Apply(ctx context.Context, caller types.Identity, req types.ApplyLeaveRequest) (*types.Leave, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := w.guard.RequireSelf(caller, req.StudentID); err != nil {
		return nil, err
	}
	if err := w.guard.RequireRole(caller, types.RoleStudent); err != nil {
		return nil, err
	}

	now := w.now()
	l := &types.Leave{
		ID:        uuid.NewString(),
		StudentID: caller.UserID,
		Date:      req.Date,
		Reason:    req.Reason,
		Status:    types.LeavePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.repo.CreateLeave(ctx, l); err != nil {
		return nil, fmt.Errorf("store leave: %w", err)
	}

	w.notify(ctx, l, &types.Notification{
		Title:         "New leave request",
		Message:       fmt.Sprintf("%s applied for leave on %s: %s", l.StudentID, l.Date, l.Reason),
		RecipientType: types.RecipientRole,
		RecipientIDs:  []string{string(types.RoleTeacher)},
		SenderID:      caller.UserID,
		SenderRole:    caller.Role,
	})
	return l, nil
}

// Decide approves or rejects a pending leave; a second decision is a conflict
func (w *Workflow) Decide(ctx context.Context, caller types.Identity, req types.DecideLeaveRequest) (*types.Leave, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := w.guard.RequireRole(caller, types.RoleTeacher); err != nil {
		return nil, err
	}

	l, err := w.repo.GetLeave(ctx, req.LeaveID)
	if err != nil {
		return nil, err
	}
	if l.Status != types.LeavePending {
		return nil, types.Conflictf("leave %s is already %s", l.ID, l.Status)
	}

	now := w.now()
	won, err := w.repo.DecideLeave(ctx, l.ID, req.Status, caller.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("decide leave: %w", err)
	}
	if !won {
		// FUNCTIONAL DISCOVERY: Lost a race with another teacher between read and update
		return nil, types.Conflictf("leave %s was decided concurrently", l.ID)
	}

	l.Status = req.Status
	l.DecidedBy = caller.UserID
	l.UpdatedAt = now

	w.notify(ctx, l, &types.Notification{
		Title:         "Leave " + string(l.Status),
		Message:       fmt.Sprintf("Your leave request for %s was %s", l.Date, l.Status),
		RecipientType: types.RecipientStudent,
		RecipientIDs:  []string{l.StudentID},
		SenderID:      caller.UserID,
		SenderRole:    caller.Role,
	})
	return l, nil
}

// notify never fails the workflow: the leave is already committed
func (w *Workflow) notify(ctx context.Context, l *types.Leave, n *types.Notification) {
	if err := w.publisher.Publish(ctx, n); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("leave_id", l.ID).
			Str("status", string(l.Status)).
			Msg("failed to publish leave notification")
	}
}
