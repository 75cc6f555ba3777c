package roomserver

import (
	"encoding/json"
	"log/slog"

	"github.com/waveroomhq/roomserver/internal/v1/bus"
	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// subscribe starts the room's Broadcast Fabric listener: every event any
// domain engine (or this Room itself, via publishEvent) publishes for this
// room arrives here and is fanned out to every matching locally-connected
// client. This is the sole local delivery path for broadcast events, so a
// single room never has two different code paths racing to deliver the
// same event in a different order to different clients.
func (r *Room) subscribe() {
	r.deps.Bus.Subscribe(r.subCtx, string(r.id), nil, r.handleBusMessage)
}

func (r *Room) handleBusMessage(msg bus.PubSubPayload) {
	data, err := json.Marshal(Message{Event: Event(msg.Event), Payload: msg.Payload})
	if err != nil {
		slog.Error("failed to marshal relayed message", "roomId", r.id, "event", msg.Event, "error", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if !roleAllowed(msg.Roles, c.GetRole()) {
			continue
		}
		deliver(c, data)
	}
}

// roleAllowed reports whether a client holding role may receive an event
// restricted to the given role set (nil/empty means unrestricted).
func roleAllowed(roles []string, role domain.RoleType) bool {
	if len(roles) == 0 {
		return true
	}
	for _, want := range roles {
		if want == string(role) {
			return true
		}
	}
	return false
}

// deliver pushes an already-framed message onto a client's outbound queue,
// dropping it rather than blocking if the client is backed up.
func deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("client send channel full, dropping relayed message", "clientId", c.ID)
	}
}
