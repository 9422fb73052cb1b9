// Package guard holds the authorization predicates every event handler runs
// before touching state.
package guard

import (
	"context"
	"errors"
	"fmt"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// Guard is stateless apart from its repository and safe for concurrent use
// ARCHITECTURAL DISCOVERY: Denials are returned to the caller only; the router
// never broadcasts them
type Guard struct {
	chats interfaces.ChatRepository
}

func New(chats interfaces.ChatRepository) *Guard {
	return &Guard{chats: chats}
}

// RequireRole passes when the caller holds one of roles
func (g *Guard) RequireRole(id types.Identity, roles ...types.Role) error {
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return types.Forbiddenf("role %q may not perform this action", id.Role)
}

// RequireSelf rejects payloads that claim to act for another user
// FUNCTIONAL DISCOVERY: Identity comes from the handshake token, so a payload
// id that differs from it is an impersonation attempt, not a permission gap
func (g *Guard) RequireSelf(id types.Identity, claimedUserID string) error {
	if claimedUserID == "" || claimedUserID != id.UserID {
		return types.Unauthorizedf("payload user %q does not match authenticated user", claimedUserID)
	}
	return nil
}

// ChatMember passes when the caller belongs to the chat room
func (g *Guard) ChatMember(ctx context.Context, id types.Identity, chatRoomID string) error {
	ok, err := g.chats.IsChatRoomMember(ctx, chatRoomID, id.UserID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return err
		}
		return fmt.Errorf("check chat membership: %w", err)
	}
	if !ok {
		return types.Forbiddenf("user %s is not a member of chat room %s", id.UserID, chatRoomID)
	}
	return nil
}

// SessionHost passes only for the session's teacher
func (g *Guard) SessionHost(id types.Identity, s *types.LiveSession) error {
	if s.TeacherID != id.UserID {
		return types.Forbiddenf("only the host may manage session %s", s.ID)
	}
	return nil
}

// SessionParticipant passes for the host or an enrolled student
func (g *Guard) SessionParticipant(id types.Identity, s *types.LiveSession) error {
	if s.TeacherID == id.UserID || s.HasStudent(id.UserID) {
		return nil
	}
	return types.Forbiddenf("user %s is not enrolled in session %s", id.UserID, s.ID)
}

// NotificationAudience passes when n is addressed to the caller
// TECHNICAL DISCOVERY: Outsiders get ErrNotFound rather than ErrForbidden so
// notification ids cannot be discovered
func (g *Guard) NotificationAudience(id types.Identity, n *types.Notification) error {
	if InAudience(id, n) {
		return nil
	}
	return types.NotFoundf("notification %s", n.ID)
}

// InAudience reports whether n is addressed to id
func InAudience(id types.Identity, n *types.Notification) bool {
	switch n.RecipientType {
	case types.RecipientGlobal:
		return true
	case types.RecipientRole:
		return contains(n.RecipientIDs, string(id.Role))
	case types.RecipientStudent:
		return contains(n.RecipientIDs, id.UserID)
	default:
		return false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
