package roomserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
)

// wsConnection is the subset of *websocket.Conn a Client needs, abstracted
// out so tests can drive a Client with a mock connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Roomer is the subset of *Room a Client needs, abstracted out so tests can
// drive a Client against a mock room.
type Roomer interface {
	router(ctx context.Context, client *Client, msg Message)
	handleClientDisconnect(c *Client)
}

// Client represents one member's live WebSocket connection to a room.
type Client struct {
	conn        wsConnection
	send        chan []byte
	room        Roomer
	ID          domain.UserIDType
	DisplayName string
	ConnID      domain.ConnectionIDType
	role        domain.RoleType
	mu          sync.RWMutex
}

func NewClient(conn wsConnection, room Roomer, id domain.UserIDType, displayName string, connID domain.ConnectionIDType, role domain.RoleType) *Client {
	return &Client{
		conn:        conn,
		send:        make(chan []byte, 256),
		room:        room,
		ID:          id,
		DisplayName: displayName,
		ConnID:      connID,
		role:        role,
	}
}

func (c *Client) GetRole() domain.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) SetRole(role domain.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// readPump continuously decodes incoming frames and routes them to the room.
// It runs in its own goroutine for the life of the connection.
func (c *Client) readPump() {
	defer func() {
		c.room.handleClientDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("failed to unmarshal client message", "clientId", c.ID, "error", err)
			continue
		}

		c.room.router(context.Background(), c, msg)
	}
}

// writePump drains the send channel onto the wire. It runs in its own
// goroutine and exits when send is closed.
func (c *Client) writePump() {
	defer c.conn.Close()
	const writeWait = 10 * time.Second

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			slog.Error("error writing message", "clientId", c.ID, "error", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) sendMessage(event Event, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal outgoing payload", "event", event, "error", err)
		return
	}
	data, err := json.Marshal(Message{Event: event, Payload: raw})
	if err != nil {
		slog.Error("failed to marshal outgoing message", "event", event, "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("client send channel full, dropping message", "clientId", c.ID, "event", event)
	}
}
