// Package chat implements chat room membership and message relay.
package chat

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

var _ interfaces.ChatService = (*Service)(nil)

const historyLimit = 100

// Service persists messages before relaying them to the room
// ARCHITECTURAL DISCOVERY: Persist-then-route keeps the history complete even
// when every recipient is offline
type Service struct {
	repo    interfaces.ChatRepository
	emitter interfaces.Emitter
	guard   *guard.Guard
	now     func() time.Time
}

func NewService(repo interfaces.ChatRepository, emitter interfaces.Emitter, g *guard.Guard) *Service {
	return &Service{
		repo:    repo,
		emitter: emitter,
		guard:   g,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// JoinRoom checks that caller may subscribe to the room's channel
func (s *Service) JoinRoom(ctx context.Context, caller types.Identity, chatRoomID string) error {
	if chatRoomID == "" {
		return types.Validationf("chatRoomId is required")
	}
	return s.guard.ChatMember(ctx, caller, chatRoomID)
}

// SendMessage stores the message and broadcasts receiveMessage to the room
func (s *Service) SendMessage(ctx context.Context, caller types.Identity, req types.SendMessageRequest) (*types.Message, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := s.guard.RequireSelf(caller, req.SenderID); err != nil {
		return nil, err
	}
	if err := s.guard.ChatMember(ctx, caller, req.ChatRoomID); err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID:         uuid.NewString(),
		ChatRoomID: req.ChatRoomID,
		SenderID:   caller.UserID,
		SenderRole: caller.Role,
		Content:    req.Content,
		CreatedAt:  s.now(),
	}
	if err := s.repo.StoreMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	s.emitter.Broadcast(types.ChatRoomName(msg.ChatRoomID), types.EventReceiveMessage, msg)
	zerolog.Ctx(ctx).Debug().Str("chat_room_id", msg.ChatRoomID).Str("message_id", msg.ID).Msg("message relayed")
	return msg, nil
}

// CreateRoom is available to admins and teachers; the creator is always a member
func (s *Service) CreateRoom(ctx context.Context, caller types.Identity, req types.CreateChatRoomRequest) (*types.ChatRoom, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := s.guard.RequireRole(caller, types.RoleAdmin, types.RoleTeacher); err != nil {
		return nil, err
	}

	members := make([]string, 0, len(req.MemberIDs)+1)
	seen := map[string]bool{}
	for _, id := range append([]string{caller.UserID}, req.MemberIDs...) {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	room := &types.ChatRoom{
		ID:        uuid.NewString(),
		Name:      req.Name,
		ClassID:   req.ClassID,
		MemberIDs: members,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateChatRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// History returns the latest messages of a room the caller belongs to
func (s *Service) History(ctx context.Context, caller types.Identity, chatRoomID string) ([]*types.Message, error) {
	if err := s.guard.ChatMember(ctx, caller, chatRoomID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, chatRoomID, historyLimit)
}
