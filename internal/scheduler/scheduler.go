// Package scheduler turns scheduled live sessions into delayed start jobs and
// dispatches due jobs back to the session lifecycle.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"schoolhub/internal/queue"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.JobScheduler = (*Scheduler)(nil)

// Starter is the session transition a due start job triggers
type Starter interface {
	Start(ctx context.Context, sessionID string) error
}

// Scheduler is independent of the queue driver
type Scheduler struct {
	queue interfaces.JobQueue
	now   func() time.Time
}

func New(q interfaces.JobQueue) *Scheduler {
	return &Scheduler{queue: q, now: func() time.Time { return time.Now().UTC() }}
}

// Schedule registers a start job for session after delay; delay <= 0 means
// the next poll
func (s *Scheduler) Schedule(ctx context.Context, session *types.LiveSession, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	job := &types.ScheduledJob{
		Kind:      types.JobKindSessionStart,
		SessionID: session.ID,
		Payload:   payload,
		DueAt:     s.now().Add(delay),
	}
	return s.queue.Enqueue(ctx, job)
}

// Run drives the queue worker until ctx ends
func (s *Scheduler) Run(ctx context.Context, starter Starter) error {
	return s.queue.Run(ctx, Handler(starter))
}

// Handler maps job kinds onto the lifecycle
func Handler(starter Starter) interfaces.JobHandler {
	return func(ctx context.Context, job *types.ScheduledJob) error {
		switch job.Kind {
		case types.JobKindSessionStart:
			zerolog.Ctx(ctx).Debug().Str("session_id", job.SessionID).Msg("session start due")
			return starter.Start(ctx, job.SessionID)
		default:
			return queue.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
		}
	}
}
