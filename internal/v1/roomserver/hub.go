package roomserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"golang.org/x/crypto/bcrypt"

	"github.com/waveroomhq/roomserver/internal/v1/auth"
	"github.com/waveroomhq/roomserver/internal/v1/bus"
	"github.com/waveroomhq/roomserver/internal/v1/djstate"
	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metadata"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/playback"
	"github.com/waveroomhq/roomserver/internal/v1/queue"
	"github.com/waveroomhq/roomserver/internal/v1/roomcode"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
	"github.com/waveroomhq/roomserver/internal/v1/store"
	"github.com/waveroomhq/roomserver/internal/v1/vote"
)

// Room data-model bounds: max_members and mutiny_threshold must each lie in a
// fixed range; values outside it are rejected.
const (
	minMaxMembers      = 2
	maxMaxMembers      = 100
	minMutinyThreshold = 0.5
	maxMutinyThreshold = 1.0
)

// TokenValidator authenticates the JWT a client presents on connect.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Deps bundles the shared, process-wide dependencies every room needs. One
// Deps is constructed at startup and handed to every Room the Hub creates.
type Deps struct {
	Bus              *bus.Service
	Store            *store.Store
	Resolver         metadata.Resolver
	DJ               *djstate.Machine
	Queue            *queue.Engine
	Vote             *vote.Engine
	Playback         *playback.Coordinator
	MetadataCacheTTL time.Duration
	VoteTimeout      time.Duration
	MutinyCooldown   time.Duration
	DJCooldown       time.Duration
	DJGracePeriod    time.Duration
	MaxMembers       int
	MutinyThreshold  float64
}

// Hub is the top-level coordinator: it authenticates connections, creates
// rooms on first join, and cleans them up once they've sat empty past a
// grace period.
type Hub struct {
	rooms               map[domain.RoomIDType]*Room
	mu                  sync.Mutex
	validator           TokenValidator
	pendingRoomCleanups map[domain.RoomIDType]*time.Timer
	deps                Deps
	cleanupGracePeriod  time.Duration
	allowedOrigins      []string
}

func NewHub(validator TokenValidator, deps Deps, allowedOrigins []string) *Hub {
	return &Hub{
		rooms:               make(map[domain.RoomIDType]*Room),
		validator:           validator,
		pendingRoomCleanups: make(map[domain.RoomIDType]*time.Timer),
		deps:                deps,
		cleanupGracePeriod:  5 * time.Second,
		allowedOrigins:      allowedOrigins,
	}
}

// ServeWs authenticates the request, upgrades it to a WebSocket, and joins
// the caller to the room named in the path.
func (h *Hub) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	roomCode := c.Param("roomCode")
	room, err := h.getOrCreateRoom(domain.RoomCodeType(roomCode))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if !room.checkPassword(c.Query("password")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid room password"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range h.allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	displayName := c.Query("username")
	if displayName == "" {
		displayName = claims.Name
		if displayName == "" && claims.Email != "" {
			if parts := strings.Split(claims.Email, "@"); len(parts) > 0 {
				displayName = parts[0]
			}
		}
	}
	if displayName == "" {
		displayName = claims.Subject
	}

	connID := domain.ConnectionIDType(claims.Subject + ":" + time.Now().UTC().Format(time.RFC3339Nano))
	client := NewClient(conn, room, domain.UserIDType(claims.Subject), displayName, connID, domain.RoleListener)

	metrics.ActiveWebSocketConnections.Inc()
	room.handleClientConnect(client)

	go client.writePump()
	go client.readPump()
}

// getOrCreateRoom resolves a room by its short join code, loading it from
// the persisted layout on first access in this process and cancelling any
// pending cleanup if it's still alive in memory.
func (h *Hub) getOrCreateRoom(code domain.RoomCodeType) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, room := range h.rooms {
		if room.code == code {
			if timer, ok := h.pendingRoomCleanups[id]; ok {
				timer.Stop()
				delete(h.pendingRoomCleanups, id)
			}
			return room, nil
		}
	}

	persisted, err := h.deps.Store.GetRoomByCode(code)
	if err != nil {
		return nil, err
	}

	room := newRoom(persisted, h.removeRoom, h.deps)
	h.rooms[persisted.ID] = room
	metrics.ActiveRooms.Inc()
	return room, nil
}

// CreateRoom persists a brand-new room and registers it with the hub,
// generating its short join code via roomcode.Generate. password is
// optional; an empty string leaves the room unprotected.
func (h *Hub) CreateRoom(ctx context.Context, owner domain.UserIDType, name, password string, settings domain.RoomSettings) (*Room, error) {
	if settings.MaxMembers < minMaxMembers || settings.MaxMembers > maxMaxMembers {
		return nil, roomerr.InvalidInputf("maxMembers must be between %d and %d", minMaxMembers, maxMaxMembers)
	}
	if settings.MutinyThreshold < minMutinyThreshold || settings.MutinyThreshold > maxMutinyThreshold {
		return nil, roomerr.InvalidInputf("mutinyThreshold must be between %.2f and %.2f", minMutinyThreshold, maxMutinyThreshold)
	}

	code, err := roomcode.Generate(h.deps.Store.CodeExists)
	if err != nil {
		return nil, err
	}

	var passwordHash string
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, roomerr.Internalf("failed to hash room password: %v", err)
		}
		passwordHash = string(hash)
	}

	room := domain.Room{
		ID:           domain.RoomIDType(string(code)),
		Code:         domain.RoomCodeType(code),
		Name:         name,
		PasswordHash: passwordHash,
		OwnerID:      owner,
		Settings:     settings,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.deps.Store.InsertRoom(room); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := h.deps.Store.UpsertMembership(domain.Membership{
		RoomID:     room.ID,
		UserID:     owner,
		Role:       domain.RoleOwner,
		JoinedAt:   now,
		LastActive: now,
	}); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r := newRoom(room, h.removeRoom, h.deps)
	h.rooms[room.ID] = r
	metrics.ActiveRooms.Inc()
	return r, nil
}

// removeRoom schedules a room for deletion from the in-memory registry once
// it has sat empty for the grace period, double-checking emptiness right
// before deleting to avoid a race with a client reconnecting mid-grace.
func (h *Hub) removeRoom(roomID domain.RoomIDType) {
	h.mu.Lock()

	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if room, ok := h.rooms[roomID]; ok && room.memberCount() == 0 {
			room.Close()
			delete(h.rooms, roomID)
			delete(h.pendingRoomCleanups, roomID)
			metrics.ActiveRooms.Dec()
			slog.Info("removed empty room after grace period", "roomId", roomID)
		} else {
			delete(h.pendingRoomCleanups, roomID)
		}
	})

	h.pendingRoomCleanups[roomID] = timer
	h.mu.Unlock()
}

// Close closes the bus, the only shared resource the Hub owns directly. It
// does not close rooms or stop their timers.
func (h *Hub) Close() error {
	if h.deps.Bus != nil {
		return h.deps.Bus.Close()
	}
	return nil
}
