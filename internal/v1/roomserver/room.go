package roomserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/waveroomhq/roomserver/internal/v1/clocksync"
	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
	"github.com/waveroomhq/roomserver/internal/v1/store"
)

// Room is one live, in-memory instance of a persisted room: the set of
// locally-connected clients, the per-room clock-sync service, and the DJ
// grace timers started on an unexpected DJ disconnect. The domain engines
// (djstate, queue, vote, playback) are process-wide and shared across every
// Room through Deps; Room itself owns only membership/connection state and
// routing.
type Room struct {
	id           domain.RoomIDType
	code         domain.RoomCodeType
	name         string
	passwordHash string
	deps         Deps
	clock    *clocksync.Service
	onEmpty  func(domain.RoomIDType)

	mu       sync.RWMutex
	clients  map[domain.ConnectionIDType]*Client
	settings domain.RoomSettings
	ownerID  domain.UserIDType
	active   bool

	djGraceTimers map[domain.UserIDType]*time.Timer

	subCtx    context.Context
	subCancel context.CancelFunc
}

func newRoom(persisted domain.Room, onEmpty func(domain.RoomIDType), deps Deps) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:            persisted.ID,
		code:          persisted.Code,
		name:          persisted.Name,
		passwordHash:  persisted.PasswordHash,
		deps:          deps,
		clock:         clocksync.New(deps.Bus, string(persisted.ID)),
		onEmpty:       onEmpty,
		clients:       make(map[domain.ConnectionIDType]*Client),
		settings:      persisted.Settings,
		ownerID:       persisted.OwnerID,
		active:        persisted.Active,
		djGraceTimers: make(map[domain.UserIDType]*time.Timer),
		subCtx:        ctx,
		subCancel:     cancel,
	}
	r.subscribe()
	return r
}

// Close stops the room's Redis subscription and any pending DJ grace
// timers. Called by the Hub once the room is evicted from memory.
func (r *Room) Close() {
	r.subCancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.djGraceTimers {
		t.Stop()
	}
}

// Code returns the room's human-facing join code.
func (r *Room) Code() domain.RoomCodeType {
	return r.code
}

// checkPassword reports whether password grants entry: rooms created
// without a password accept any value, including empty.
func (r *Room) checkPassword(password string) bool {
	r.mu.RLock()
	hash := r.passwordHash
	r.mu.RUnlock()
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (r *Room) memberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// handleClientConnect admits a connection into the room: it enforces
// capacity and the active flag, resolves or creates the member's
// Membership row, sends the reconciliation room:state snapshot directly to
// the new connection, and announces the join to everyone else.
func (r *Room) handleClientConnect(c *Client) {
	ctx := context.Background()

	_ = r.deps.Store.UpsertUser(ctx, domain.User{ID: c.ID, DisplayName: c.DisplayName, CreatedAt: time.Now().UTC()})

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		r.sendException(c, roomerr.New(roomerr.RoomInactive, "room is not active", nil))
		c.conn.Close()
		return
	}
	if len(r.clients) >= r.settings.MaxMembers {
		r.mu.Unlock()
		r.sendException(c, roomerr.New(roomerr.RoomFull, "room has reached its member limit", nil))
		c.conn.Close()
		return
	}
	r.clients[c.ConnID] = c
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(string(r.id)).Set(float64(r.memberCount()))

	membership, err := r.deps.Store.GetMembership(r.id, c.ID)
	role := domain.RoleListener
	switch {
	case err == store.ErrNotFound:
		r.mu.RLock()
		isOwner := c.ID == r.ownerID
		r.mu.RUnlock()
		if isOwner {
			role = domain.RoleOwner
		}
		now := time.Now().UTC()
		if err := r.deps.Store.UpsertMembership(domain.Membership{
			RoomID: r.id, UserID: c.ID, Role: role, JoinedAt: now, LastActive: now,
		}); err != nil {
			slog.Error("failed to create membership on join", "roomId", r.id, "userId", c.ID, "error", err)
		}
	case err != nil:
		slog.Error("failed to look up membership on join", "roomId", r.id, "userId", c.ID, "error", err)
	default:
		role = membership.Role
		_ = r.deps.Store.TouchLastActive(r.id, c.ID)
	}
	c.SetRole(role)

	r.mu.Lock()
	if timer, ok := r.djGraceTimers[c.ID]; ok {
		timer.Stop()
		delete(r.djGraceTimers, c.ID)
	}
	r.mu.Unlock()

	c.sendMessage(EventRoomState, r.buildRoomState(ctx, c.ID, role))

	_ = r.publishEvent(ctx, EventMemberJoined, MemberJoinedPayload{
		UserID: c.ID, DisplayName: c.DisplayName, Role: role,
	}, c.ID, nil)
}

// handleClientDisconnect unregisters a connection, and — if that was the
// member's only open connection — removes the Membership, transfers
// ownership if the leaver was the owner, deactivates the room if it is now
// empty, and starts the DJ grace timer if the leaver was the DJ.
func (r *Room) handleClientDisconnect(c *Client) {
	ctx := context.Background()

	r.mu.Lock()
	if _, ok := r.clients[c.ConnID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.ConnID)
	stillConnected := false
	for _, other := range r.clients {
		if other.ID == c.ID {
			stillConnected = true
			break
		}
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(string(r.id)).Set(float64(remaining))

	if stillConnected {
		return // another tab/device for the same user is still in the room
	}

	_ = r.deps.Store.RemoveMembership(r.id, c.ID)

	r.mu.RLock()
	wasOwner := c.ID == r.ownerID
	r.mu.RUnlock()

	if wasOwner && remaining > 0 {
		members, err := r.deps.Store.Members(ctx, r.id)
		if err == nil && len(members) > 0 {
			newOwner := members[0].UserID
			if err := r.deps.Store.UpdateRoomOwner(r.id, newOwner); err == nil {
				r.mu.Lock()
				r.ownerID = newOwner
				r.mu.Unlock()
			}
		}
	}

	if current, ok, err := r.deps.DJ.Current(ctx, r.id); err == nil && ok && current == c.ID {
		r.armDJGraceTimer(c.ID)
	}

	if session, ok := r.deps.Vote.Pending(r.id); ok && session.Type == domain.VoteSessionMutiny && session.Target == c.ID {
		_ = r.deps.Vote.Cancel(ctx, r.id)
	}

	_ = r.publishEvent(ctx, EventMemberLeft, MemberLeftPayload{UserID: c.ID}, c.ID, nil)

	if remaining == 0 {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
		_ = r.deps.Store.SetRoomActive(r.id, false)
		_ = r.deps.Vote.Cancel(ctx, r.id)
		if r.onEmpty != nil {
			r.onEmpty(r.id)
		}
	}
}

// armDJGraceTimer starts (or restarts) the configurable grace window after
// which an unexpectedly disconnected DJ is removed with reason timeout. It
// is cancelled if the same user reconnects first.
func (r *Room) armDJGraceTimer(userID domain.UserIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.djGraceTimers[userID]; ok {
		existing.Stop()
	}

	grace := r.deps.DJGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}

	r.djGraceTimers[userID] = time.AfterFunc(grace, func() {
		ctx := context.Background()
		r.mu.Lock()
		delete(r.djGraceTimers, userID)
		r.mu.Unlock()

		r.mu.RLock()
		_, stillHere := r.connectedUserLocked(userID)
		r.mu.RUnlock()
		if stillHere {
			return
		}

		current, ok, err := r.deps.DJ.Current(ctx, r.id)
		if err != nil || !ok || current != userID {
			return
		}
		if err := r.deps.DJ.Remove(ctx, r.id, domain.ReasonTimeout); err != nil {
			slog.Error("failed to remove timed-out dj", "roomId", r.id, "userId", userID, "error", err)
		}
	})
}

// connectedUserLocked reports whether userID still has an open connection.
// Callers must hold r.mu (read or write).
func (r *Room) connectedUserLocked(userID domain.UserIDType) (*Client, bool) {
	for _, c := range r.clients {
		if c.ID == userID {
			return c, true
		}
	}
	return nil, false
}
