package router

import (
	"context"
	"encoding/json"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// joinResult lists the personal channels a connection subscribed to
type joinResult struct {
	Rooms []string `json:"rooms"`
}

// handleJoin subscribes the socket to its own user and role channels
func (r *Router) handleJoin(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.JoinChannelsRequest](data)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	id := conn.Identity()
	if req.UserID != "" && req.UserID != id.UserID {
		return nil, types.Unauthorizedf("cannot subscribe to user %s", req.UserID)
	}
	if req.Role != "" && req.Role != id.Role {
		return nil, types.Unauthorizedf("cannot subscribe to role %s", req.Role)
	}

	rooms := []string{types.UserRoom(id.UserID), types.RoleRoom(id.Role)}
	for _, room := range rooms {
		if err := r.services.Rooms.JoinRoom(conn.ID(), room); err != nil {
			return nil, err
		}
	}
	return joinResult{Rooms: rooms}, nil
}

func (r *Router) handleJoinRoom(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.ChatRoomRequest](data)
	if err != nil {
		return nil, err
	}
	if err := r.services.Chat.JoinRoom(ctx, conn.Identity(), req.ChatRoomID); err != nil {
		return nil, err
	}
	if err := r.services.Rooms.JoinRoom(conn.ID(), types.ChatRoomName(req.ChatRoomID)); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Router) handleLeaveRoom(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.ChatRoomRequest](data)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	r.services.Rooms.LeaveRoom(conn.ID(), types.ChatRoomName(req.ChatRoomID))
	return req, nil
}

func (r *Router) handleSendMessage(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.SendMessageRequest](data)
	if err != nil {
		return nil, err
	}
	return r.services.Chat.SendMessage(ctx, conn.Identity(), req)
}

func (r *Router) handleSendNotification(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.SendNotificationRequest](data)
	if err != nil {
		return nil, err
	}
	return r.services.Notifications.Send(ctx, conn.Identity(), req)
}

func (r *Router) handleMarkRead(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.MarkReadRequest](data)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := r.services.Notifications.MarkAsRead(ctx, conn.Identity(), req.NotificationID); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Router) handleApplyLeave(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.ApplyLeaveRequest](data)
	if err != nil {
		return nil, err
	}
	return r.services.Leaves.Apply(ctx, conn.Identity(), req)
}

func (r *Router) handleDecideLeave(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.DecideLeaveRequest](data)
	if err != nil {
		return nil, err
	}
	return r.services.Leaves.Decide(ctx, conn.Identity(), req)
}

func (r *Router) handleSchedule(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.ScheduleSessionRequest](data)
	if err != nil {
		return nil, err
	}
	return r.services.Sessions.Schedule(ctx, conn.Identity(), req)
}

func (r *Router) handleCancel(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	return r.services.Sessions.Cancel(ctx, conn.Identity(), req.SessionID)
}

// handleJoinSession also subscribes the socket to the session room so it sees roster updates
func (r *Router) handleJoinSession(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.ParticipantRequest](data)
	if err != nil {
		return nil, err
	}
	res, err := r.services.Sessions.Join(ctx, conn.Identity(), req)
	if err != nil {
		return nil, err
	}
	if err := r.services.Rooms.JoinRoom(conn.ID(), types.SessionRoom(res.RoomID)); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Router) handleLeaveSession(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decode[types.ParticipantRequest](data)
	if err != nil {
		return nil, err
	}
	record, err := r.services.Sessions.Leave(ctx, conn.Identity(), req)
	if err != nil {
		return nil, err
	}
	if session, err := r.services.Sessions.Get(ctx, conn.Identity(), req.SessionID); err == nil {
		r.services.Rooms.LeaveRoom(conn.ID(), types.SessionRoom(session.RoomID))
	}
	return record, nil
}

func (r *Router) handleEndSession(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	session, err := r.services.Sessions.End(ctx, conn.Identity(), req.SessionID)
	if err != nil {
		return nil, err
	}
	r.services.Rooms.LeaveRoom(conn.ID(), types.SessionRoom(session.RoomID))
	return session, nil
}

func (r *Router) handleRenewToken(ctx context.Context, conn interfaces.Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	return r.services.Sessions.RenewToken(ctx, conn.Identity(), req.SessionID)
}

func decodeSession(data json.RawMessage) (types.SessionRequest, error) {
	req, err := decode[types.SessionRequest](data)
	if err != nil {
		return req, err
	}
	return req, types.ValidateStruct(req)
}
