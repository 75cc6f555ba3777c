package roomserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

// publishEvent is the single broadcast path every mutating handler that
// isn't owned by one of the domain engines (room membership, chat) goes
// through. It relies on the room's own Redis subscription to fan the event
// back out to locally-connected clients, the same delivery path the domain
// engines' own Publish calls take — one consistent ordering per room.
func (r *Room) publishEvent(ctx context.Context, event Event, payload any, senderID domain.UserIDType, roles []string) error {
	if err := r.deps.Bus.Publish(ctx, string(r.id), string(event), payload, string(senderID), roles); err != nil {
		slog.Error("failed to publish event", "roomId", r.id, "event", event, "error", err)
		return err
	}
	return nil
}

// sendException maps a roomerr.Error (or a generic error, wrapped as
// internal) to the client-visible exception frame and sends it point-to-
// point to the offending connection only.
func (r *Room) sendException(c *Client, err error) {
	kind := string(roomerr.Internal)
	message := err.Error()
	var ctxMap map[string]any
	if re, ok := err.(*roomerr.Error); ok {
		kind = string(re.Kind)
		message = re.Message
		ctxMap = re.Context
	}
	c.sendMessage(EventException, ExceptionPayload{Kind: kind, Message: message, Context: ctxMap})
}

// buildRoomState assembles the full reconciliation snapshot sent to a
// connection immediately on join, before any delta event.
func (r *Room) buildRoomState(ctx context.Context, caller domain.UserIDType, callerRole domain.RoleType) RoomStatePayload {
	r.mu.RLock()
	owner := r.ownerID
	name := r.name
	r.mu.RUnlock()

	members, err := r.deps.Store.Members(ctx, r.id)
	if err != nil {
		slog.Error("failed to list members for room:state", "roomId", r.id, "error", err)
	}
	views := make([]MemberView, 0, len(members))
	for _, m := range members {
		displayName := string(m.UserID)
		if u, err := r.deps.Store.GetUser(ctx, m.UserID); err == nil {
			displayName = u.DisplayName
		}
		views = append(views, MemberView{
			UserID:      m.UserID,
			DisplayName: displayName,
			Role:        m.Role,
			JoinedAt:    m.JoinedAt.UnixMilli(),
		})
	}

	var djID domain.UserIDType
	if current, ok, err := r.deps.DJ.Current(ctx, r.id); err == nil && ok {
		djID = current
	}

	playing, rec, err := r.deps.Playback.State(ctx, r.id)
	var playbackView PlaybackStatePayload
	if err == nil && playing {
		playbackView = PlaybackStatePayload{
			Playing:           true,
			Media:             rec.Media,
			StartAtServerTime: rec.StartAtServerTime,
			ServerNowMs:       time.Now().UnixMilli(),
		}
	} else {
		playbackView = PlaybackStatePayload{Playing: false, ServerNowMs: time.Now().UnixMilli()}
	}

	var pendingVote *domain.VoteSession
	if session, ok := r.deps.Vote.Pending(r.id); ok {
		pendingVote = session
	}

	return RoomStatePayload{
		RoomID:   r.id,
		Code:     r.code,
		Name:     name,
		OwnerID:  owner,
		DJID:     djID,
		Members:  views,
		Queue:    r.deps.Queue.List(r.id, caller),
		Playback: playbackView,
		Vote:     pendingVote,
		YourRole: callerRole,
	}
}
