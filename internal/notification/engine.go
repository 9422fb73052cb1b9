// Package notification persists notifications and fans them out to global,
// role or per-student audiences, immediately or from the periodic sweep.
package notification

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

var _ interfaces.NotificationService = (*Engine)(nil)

type Config struct {
	SweepInterval time.Duration
	BatchSize     int
	// ListLimit caps ListForUser results
	ListLimit int
}

func DefaultConfig() Config {
	return Config{SweepInterval: time.Minute, BatchSize: 200, ListLimit: 100}
}

// Engine owns notification delivery
// ARCHITECTURAL DISCOVERY: Immediate sends and the sweep share one claim-then-deliver
// path; MarkSent is the single point that decides who fans out
type Engine struct {
	repo    interfaces.NotificationRepository
	emitter interfaces.Emitter
	guard   *guard.Guard
	config  Config
	now     func() time.Time
}

func NewEngine(repo interfaces.NotificationRepository, emitter interfaces.Emitter, g *guard.Guard, config Config) *Engine {
	d := DefaultConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = d.SweepInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = d.BatchSize
	}
	if config.ListLimit <= 0 {
		config.ListLimit = d.ListLimit
	}
	return &Engine{
		repo:    repo,
		emitter: emitter,
		guard:   g,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source; tests only
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Send is the admin/teacher entry point
func (e *Engine) Send(ctx context.Context, caller types.Identity, req types.SendNotificationRequest) (*types.Notification, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := e.guard.RequireSelf(caller, req.SenderID); err != nil {
		return nil, err
	}
	if err := e.guard.RequireRole(caller, types.RoleAdmin, types.RoleTeacher); err != nil {
		return nil, err
	}

	n := &types.Notification{
		Title:         req.Title,
		Message:       req.Message,
		RecipientType: req.RecipientType,
		RecipientIDs:  req.RecipientIDs,
		SenderID:      caller.UserID,
		SenderRole:    caller.Role,
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		n.ScheduledAt = &at
	}
	if err := e.Publish(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Publish persists n and delivers it now unless it is scheduled for later.
// System notifications (leave workflow) enter here without the sender checks.
func (e *Engine) Publish(ctx context.Context, n *types.Notification) error {
	if err := validateAudience(n); err != nil {
		return err
	}
	now := e.now()
	n.ID = uuid.NewString()
	n.RecipientIDs = dedupe(n.RecipientIDs)
	n.Sent = false
	n.SentAt = nil
	n.CreatedAt = now

	if err := e.repo.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}

	logger := zerolog.Ctx(ctx).With().Str("notification_id", n.ID).Logger()
	if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
		logger.Info().Time("scheduled_at", *n.ScheduledAt).Msg("notification deferred")
		return nil
	}

	// FUNCTIONAL DISCOVERY: A failed claim is left for the sweep, which picks up
	// unsent rows with no schedule, so the caller still gets the stored record
	if _, err := e.deliver(ctx, n); err != nil {
		logger.Warn().Err(err).Msg("immediate delivery failed, sweep will retry")
	}
	return nil
}

// deliver claims n and fans it out when this caller won the claim
func (e *Engine) deliver(ctx context.Context, n *types.Notification) (bool, error) {
	at := e.now()
	won, err := e.repo.MarkSent(ctx, n.ID, at)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	n.Sent = true
	n.SentAt = &at
	e.fanOut(n)
	zerolog.Ctx(ctx).Debug().
		Str("notification_id", n.ID).
		Str("recipient_type", string(n.RecipientType)).
		Int("recipients", len(n.RecipientIDs)).
		Msg("notification delivered")
	return true, nil
}

func (e *Engine) fanOut(n *types.Notification) {
	switch n.RecipientType {
	case types.RecipientGlobal:
		e.emitter.BroadcastAll(types.EventNotification, n)
	case types.RecipientRole:
		for _, role := range n.RecipientIDs {
			e.emitter.SendToRole(types.Role(role), types.EventNotification, n)
		}
	case types.RecipientStudent:
		for _, id := range n.RecipientIDs {
			e.emitter.SendToUser(id, types.EventNotification, n)
		}
	}
}

// Sweep delivers every due unsent notification once and returns how many
// this call fanned out
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	due, err := e.repo.ListDueNotifications(ctx, e.now(), e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}

	delivered := 0
	for _, n := range due {
		won, err := e.deliver(ctx, n)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("notification_id", n.ID).Msg("sweep delivery failed")
			continue
		}
		if won {
			delivered++
		}
	}
	return delivered, nil
}

// Run sweeps on a fixed interval until ctx ends
func (e *Engine) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().Dur("interval", e.config.SweepInterval).Msg("notification sweep started")

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		if n, err := e.Sweep(ctx); err != nil {
			logger.Error().Err(err).Msg("notification sweep failed")
		} else if n > 0 {
			logger.Info().Int("delivered", n).Msg("notification sweep delivered")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("notification sweep stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// MarkAsRead records that caller read the notification
func (e *Engine) MarkAsRead(ctx context.Context, caller types.Identity, notificationID string) error {
	if notificationID == "" {
		return types.Validationf("notificationId is required")
	}
	n, err := e.repo.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	// A scheduled notification does not exist for its recipients until delivered
	if !n.Sent {
		return types.NotFoundf("notification %s", notificationID)
	}
	if err := e.guard.NotificationAudience(caller, n); err != nil {
		return err
	}
	return e.repo.MarkRead(ctx, notificationID, caller.UserID, e.now())
}

// ListForUser returns delivered notifications visible to caller with their read flag
func (e *Engine) ListForUser(ctx context.Context, caller types.Identity) ([]*types.Notification, error) {
	return e.repo.ListNotificationsFor(ctx, caller, e.config.ListLimit)
}

func validateAudience(n *types.Notification) error {
	switch n.RecipientType {
	case types.RecipientGlobal:
		return nil
	case types.RecipientRole:
		if len(n.RecipientIDs) == 0 {
			return types.Validationf("recipientIds are required for role notifications")
		}
		for _, r := range n.RecipientIDs {
			if !types.IsValidRole(types.Role(r)) {
				return types.Validationf("unknown role %q", r)
			}
		}
		return nil
	case types.RecipientStudent:
		if len(n.RecipientIDs) == 0 {
			return types.Validationf("recipientIds are required for student notifications")
		}
		return nil
	default:
		return types.Validationf("unknown recipient type %q", n.RecipientType)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
