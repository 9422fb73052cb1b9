// Package session runs the live-session lifecycle:
// scheduled -> ongoing -> ended, and scheduled -> cancelled.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"schoolhub/internal/guard"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.SessionService = (*Manager)(nil)

type Config struct {
	// PastBuffer is how far in the past scheduledAt may be and still start immediately
	PastBuffer time.Duration
	// EnqueueAttempts bounds start-job registration before the session is compensated
	EnqueueAttempts uint
	EnqueueBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{PastBuffer: 5 * time.Second, EnqueueAttempts: 3, EnqueueBackoff: 100 * time.Millisecond}
}

// Dependencies groups the collaborators the lifecycle needs
type Dependencies struct {
	Sessions  interfaces.SessionRepository
	Durations interfaces.DurationRepository
	Directory interfaces.Directory
	Media     interfaces.MediaService
	Scheduler interfaces.JobScheduler
	Emitter   interfaces.Emitter
	Guard     *guard.Guard
}

// Manager implements the lifecycle use cases
// ARCHITECTURAL DISCOVERY: Every status change is a conditional update; only the
// caller that wins it performs side effects (media calls, broadcasts, durations)
type Manager struct {
	Dependencies
	config Config
	now    func() time.Time
}

func NewManager(deps Dependencies, config Config) *Manager {
	d := DefaultConfig()
	if config.PastBuffer < 0 {
		config.PastBuffer = 0
	}
	if config.EnqueueAttempts == 0 {
		config.EnqueueAttempts = d.EnqueueAttempts
	}
	if config.EnqueueBackoff <= 0 {
		config.EnqueueBackoff = d.EnqueueBackoff
	}
	return &Manager{
		Dependencies: deps,
		config:       config,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source; tests only
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Schedule creates a session for the calling teacher and registers its start job
func (m *Manager) Schedule(ctx context.Context, caller types.Identity, req types.ScheduleSessionRequest) (*types.LiveSession, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	// Identity is checked before role: a spoofed teacherId is unauthorized, not forbidden
	if err := m.Guard.RequireSelf(caller, req.TeacherID); err != nil {
		return nil, err
	}
	if err := m.Guard.RequireRole(caller, types.RoleTeacher); err != nil {
		return nil, err
	}

	now := m.now()
	scheduledAt := req.ScheduledAt.UTC()
	if scheduledAt.Before(now.Add(-m.config.PastBuffer)) {
		return nil, types.Validationf("scheduledAt %s is in the past", scheduledAt.Format(time.RFC3339))
	}
	// FUNCTIONAL DISCOVERY: Clients and server clocks drift by a few seconds, so
	// "now" from the client lands slightly in the past and is treated as now
	if scheduledAt.Before(now) {
		scheduledAt = now
	}

	session := &types.LiveSession{
		ID:          uuid.NewString(),
		Title:       req.Title,
		ClassID:     req.ClassID,
		TeacherID:   caller.UserID,
		StudentIDs:  dedupe(req.StudentIDs),
		ScheduledAt: scheduledAt,
		Status:      types.SessionScheduled,
		RoomID:      m.Media.GenerateRoomID(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.Sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	logger := zerolog.Ctx(ctx).With().Str("session_id", session.ID).Logger()
	if err := m.registerStart(ctx, session, scheduledAt.Sub(now)); err != nil {
		// the session must never sit in scheduled with nothing to start it
		if _, cerr := m.Sessions.TransitionSession(context.WithoutCancel(ctx), session.ID,
			types.SessionScheduled, types.SessionCancelled, m.now()); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to cancel session after job registration failure")
		}
		logger.Error().Err(err).Msg("start job registration failed, session cancelled")
		return nil, fmt.Errorf("register start job for session %s: %w", session.ID, err)
	}

	for _, id := range session.StudentIDs {
		m.Emitter.SendToUser(id, types.EventLiveSessionScheduled, session)
	}
	m.Emitter.SendToUser(session.TeacherID, types.EventLiveSessionScheduled, session)

	logger.Info().Time("scheduled_at", scheduledAt).Int("students", len(session.StudentIDs)).Msg("session scheduled")
	return session, nil
}

// registerStart retries enqueueing; a conflict means an earlier try already landed
func (m *Manager) registerStart(ctx context.Context, session *types.LiveSession, delay time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.config.EnqueueBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.Scheduler.Schedule(ctx, session, delay)
		if err != nil && !errors.Is(err, types.ErrConflict) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", session.ID).Msg("start job registration attempt failed")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(m.config.EnqueueAttempts))
	return err
}

// Start is the due-job target. Redelivery and cancelled sessions are no-ops;
// a media failure is returned so the queue retries.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Logger()

	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			logger.Warn().Msg("start job for unknown session ignored")
			return nil
		}
		return err
	}
	if session.Status != types.SessionScheduled {
		logger.Info().Str("status", string(session.Status)).Msg("session no longer scheduled, start skipped")
		return nil
	}

	if err := m.Media.StartSession(ctx, session.RoomID); err != nil {
		return fmt.Errorf("start media room %s: %w", session.RoomID, err)
	}

	now := m.now()
	won, err := m.Sessions.TransitionSession(ctx, sessionID, types.SessionScheduled, types.SessionOngoing, now)
	if err != nil {
		return err
	}
	if !won {
		logger.Info().Msg("session start lost to a concurrent transition")
		return nil
	}

	session.Status = types.SessionOngoing
	session.StartedAt = &now
	session.UpdatedAt = now
	for _, id := range session.StudentIDs {
		m.Emitter.SendToUser(id, types.EventLiveSessionStart, session)
	}
	m.Emitter.SendToUser(session.TeacherID, types.EventLiveSessionStart, session)
	m.Emitter.Broadcast(types.SessionRoom(session.RoomID), types.EventLiveSessionStart, session)

	logger.Info().Msg("session started")
	return nil
}

// Get returns a session to admins, its host or an enrolled student
func (m *Manager) Get(ctx context.Context, caller types.Identity, sessionID string) (*types.LiveSession, error) {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if caller.Role != types.RoleAdmin {
		if err := m.Guard.SessionParticipant(caller, session); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// Cancel moves a scheduled session to cancelled; the pending start job becomes a no-op
func (m *Manager) Cancel(ctx context.Context, caller types.Identity, sessionID string) (*types.LiveSession, error) {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.Guard.SessionHost(caller, session); err != nil {
		return nil, err
	}

	now := m.now()
	won, err := m.Sessions.TransitionSession(ctx, sessionID, types.SessionScheduled, types.SessionCancelled, now)
	if err != nil {
		return nil, err
	}
	if !won {
		current, gerr := m.Sessions.GetSession(ctx, sessionID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, types.Conflictf("session %s is %s and cannot be cancelled", sessionID, current.Status)
	}

	session.Status = types.SessionCancelled
	session.UpdatedAt = now
	for _, id := range session.StudentIDs {
		m.Emitter.SendToUser(id, types.EventLiveSessionCancelled, session)
	}
	m.Emitter.SendToUser(session.TeacherID, types.EventLiveSessionCancelled, session)

	zerolog.Ctx(ctx).Info().Str("session_id", sessionID).Msg("session cancelled")
	return session, nil
}

// Join admits the host or an enrolled student into an ongoing session
func (m *Manager) Join(ctx context.Context, caller types.Identity, req types.ParticipantRequest) (*types.JoinResult, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := m.Guard.RequireSelf(caller, req.ParticipantID); err != nil {
		return nil, err
	}
	session, err := m.joinable(ctx, caller, req.SessionID)
	if err != nil {
		return nil, err
	}

	user, err := m.Directory.GetUser(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	participant := types.Participant{
		ID:       user.ID,
		Name:     user.Name,
		Email:    user.Email,
		Role:     user.Role,
		JoinedAt: m.now(),
	}
	// The upsert re-checks the status, so a session ended since joinable is a conflict
	if err := m.Sessions.UpsertParticipant(ctx, session.ID, participant); err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}
	token, expiresAt, err := m.Media.GenerateToken(session.RoomID, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("mint media token: %w", err)
	}

	participants, err := m.broadcastRoster(ctx, session)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("session_id", session.ID).Str("user_id", caller.UserID).Msg("participant joined")
	return &types.JoinResult{
		SessionID:    session.ID,
		RoomID:       session.RoomID,
		Token:        token,
		ExpiresAt:    expiresAt,
		Participants: participants,
	}, nil
}

// RenewToken re-mints the media token without touching the session
func (m *Manager) RenewToken(ctx context.Context, caller types.Identity, sessionID string) (*types.TokenResult, error) {
	session, err := m.joinable(ctx, caller, sessionID)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := m.Media.GenerateToken(session.RoomID, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("mint media token: %w", err)
	}
	return &types.TokenResult{SessionID: session.ID, RoomID: session.RoomID, Token: token, ExpiresAt: expiresAt}, nil
}

// joinable loads an ongoing session the caller may enter
func (m *Manager) joinable(ctx context.Context, caller types.Identity, sessionID string) (*types.LiveSession, error) {
	if sessionID == "" {
		return nil, types.Validationf("sessionId is required")
	}
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.Guard.SessionParticipant(caller, session); err != nil {
		return nil, err
	}
	if session.Status != types.SessionOngoing {
		return nil, types.Conflictf("session %s is %s", session.ID, session.Status)
	}
	if session.RoomID == "" {
		return nil, types.Conflictf("session %s has no media room", session.ID)
	}
	return session, nil
}

// Leave removes the caller and records attendance once
func (m *Manager) Leave(ctx context.Context, caller types.Identity, req types.ParticipantRequest) (*types.SessionDurationRecord, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := m.Guard.RequireSelf(caller, req.ParticipantID); err != nil {
		return nil, err
	}
	session, err := m.Sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	p, err := m.Sessions.RemoveParticipant(ctx, session.ID, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("remove participant: %w", err)
	}
	if p == nil {
		return nil, types.NotFoundf("user %s is not in session %s", caller.UserID, session.ID)
	}

	record := m.recordDuration(ctx, session.ID, *p, m.now())
	if _, err := m.broadcastRoster(ctx, session); err != nil {
		return nil, err
	}
	return record, nil
}

// End is host-only; ending an ended session succeeds without side effects
func (m *Manager) End(ctx context.Context, caller types.Identity, sessionID string) (*types.LiveSession, error) {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.Guard.SessionHost(caller, session); err != nil {
		return nil, err
	}

	switch session.Status {
	case types.SessionEnded:
		return session, nil
	case types.SessionOngoing:
	default:
		return nil, types.Conflictf("session %s is %s and cannot be ended", sessionID, session.Status)
	}

	now := m.now()
	won, err := m.Sessions.TransitionSession(ctx, sessionID, types.SessionOngoing, types.SessionEnded, now)
	if err != nil {
		return nil, err
	}
	if !won {
		// a concurrent End won; report the state it produced
		return m.Sessions.GetSession(ctx, sessionID)
	}

	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Logger()
	if err := m.Media.EndSession(ctx, session.RoomID); err != nil {
		logger.Error().Err(err).Str("room_id", session.RoomID).Msg("failed to close media room")
	}

	remaining, err := m.Sessions.ClearParticipants(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to clear participants")
	}
	for _, p := range remaining {
		m.recordDuration(ctx, sessionID, p, now)
	}

	m.Emitter.BroadcastAll(types.EventLiveSessionEnded, types.SessionEndedEvent{
		SessionID: sessionID,
		RoomID:    session.RoomID,
		EndedAt:   now,
	})
	logger.Info().Int("participants", len(remaining)).Msg("session ended")

	return m.Sessions.GetSession(ctx, sessionID)
}

// recordDuration appends the attendance record; only the first per user persists
func (m *Manager) recordDuration(ctx context.Context, sessionID string, p types.Participant, leftAt time.Time) *types.SessionDurationRecord {
	record := types.NewDurationRecord(uuid.NewString(), p.ID, sessionID, p.JoinedAt, leftAt)
	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Str("user_id", p.ID).Logger()

	inserted, err := m.Durations.RecordDuration(ctx, record)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("failed to record session duration")
	case !inserted:
		logger.Debug().Msg("session duration already recorded")
	default:
		logger.Info().Int64("seconds", record.DurationSeconds).Bool("short", record.ShortAttendance()).Msg("session duration recorded")
	}
	return record
}

func (m *Manager) broadcastRoster(ctx context.Context, session *types.LiveSession) ([]types.Participant, error) {
	participants, err := m.Sessions.ListParticipants(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	m.Emitter.Broadcast(types.SessionRoom(session.RoomID), types.EventParticipantsUpdated, types.ParticipantsUpdate{
		SessionID:    session.ID,
		RoomID:       session.RoomID,
		Participants: participants,
	})
	return participants, nil
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
