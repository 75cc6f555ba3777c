package roomserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/waveroomhq/roomserver/internal/v1/bus"
	"github.com/waveroomhq/roomserver/internal/v1/djstate"
	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/playback"
	"github.com/waveroomhq/roomserver/internal/v1/queue"
	"github.com/waveroomhq/roomserver/internal/v1/store"
	"github.com/waveroomhq/roomserver/internal/v1/vote"
)

// stubResolver satisfies queue.MediaResolver without hitting the network.
type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, url string) (domain.MediaRef, error) {
	return domain.MediaRef{URL: url, Title: "stub track", DurationSeconds: 180}, nil
}

// newTestDeps builds a full Deps wired to a real in-memory sqlite store and
// a real miniredis-backed bus, so buildRoomState/handleClientConnect exercise
// the actual engines rather than hand-rolled doubles.
func newTestDeps(t *testing.T) (Deps, *store.Store, *bus.Service) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	busSvc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busSvc.Close() })

	sqlStore, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	playbackCoord := playback.New(busSvc, busSvc)
	djMachine := djstate.New(busSvc, sqlStore, sqlStore, playbackCoord, busSvc, 30*time.Second)
	queueEngine := queue.New(busSvc, busSvc, stubResolver{})
	voteEngine := vote.New(busSvc, busSvc, djMachine, sqlStore, time.Minute, time.Minute)

	deps := Deps{
		Bus:             busSvc,
		Store:           sqlStore,
		DJ:              djMachine,
		Queue:           queueEngine,
		Vote:            voteEngine,
		Playback:        playbackCoord,
		DJGracePeriod:   50 * time.Millisecond,
		MaxMembers:      10,
		MutinyThreshold: 0.51,
	}
	return deps, sqlStore, busSvc
}

// newTestRoomWithOwner persists a room with a single owner membership and
// constructs its in-memory Room, mirroring Hub.CreateRoom.
func newTestRoomWithOwner(t *testing.T, deps Deps, sqlStore *store.Store, owner domain.UserIDType) *Room {
	t.Helper()

	now := time.Now().UTC()
	persisted := domain.Room{
		ID:        domain.RoomIDType("room-1"),
		Code:      domain.RoomCodeType("ABC123"),
		Name:      "test room",
		OwnerID:   owner,
		Settings:  domain.DefaultRoomSettings(10, 0.51),
		Active:    true,
		CreatedAt: now,
	}
	require.NoError(t, sqlStore.InsertRoom(persisted))
	require.NoError(t, sqlStore.UpsertMembership(domain.Membership{
		RoomID: persisted.ID, UserID: owner, Role: domain.RoleOwner, JoinedAt: now, LastActive: now,
	}))

	r := newRoom(persisted, func(domain.RoomIDType) {}, deps)
	t.Cleanup(r.Close)
	return r
}

// MockWSConnection is an in-process stand-in for *websocket.Conn, recording
// what's written and replaying a queued sequence of inbound frames.
type MockWSConnection struct {
	writeMessages [][]byte
	closed        bool
}

func (m *MockWSConnection) ReadMessage() (int, []byte, error) {
	return 0, nil, errClosedForTest
}

func (m *MockWSConnection) WriteMessage(messageType int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writeMessages = append(m.writeMessages, cp)
	return nil
}

func (m *MockWSConnection) Close() error {
	m.closed = true
	return nil
}

func (m *MockWSConnection) SetWriteDeadline(t time.Time) error { return nil }

var errClosedForTest = &testConnClosedError{}

type testConnClosedError struct{}

func (*testConnClosedError) Error() string { return "mock connection closed" }

func unmarshalTestMessage(raw []byte, out *Message) error {
	return json.Unmarshal(raw, out)
}

func unmarshalTestPayload(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
