package djstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

type fakeSlotStore struct {
	mu   sync.Mutex
	vals map[string]string
}

func newFakeSlotStore() *fakeSlotStore { return &fakeSlotStore{vals: make(map[string]string)} }

func (f *fakeSlotStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vals[key], nil
}

func (f *fakeSlotStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vals[key] != oldValue {
		return false, nil
	}
	f.vals[key] = newValue
	return true, nil
}

type fakeMemberships struct {
	mu      sync.Mutex
	roles   map[domain.UserIDType]domain.RoleType
	members []domain.Membership
}

func (f *fakeMemberships) SetRole(ctx context.Context, roomID domain.RoomIDType, userID domain.UserIDType, role domain.RoleType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[userID] = role
	return nil
}

func (f *fakeMemberships) Members(ctx context.Context, roomID domain.RoomIDType) ([]domain.Membership, error) {
	return f.members, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []domain.DJHistoryEntry
}

func (f *fakeHistory) Append(ctx context.Context, entry domain.DJHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistory) LastRemoval(ctx context.Context, roomID domain.RoomIDType, userID domain.UserIDType, reason domain.DJTransitionReason) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	found := false
	for _, e := range f.entries {
		if e.UserID == userID && e.Reason == reason && !e.RemovedAt.IsZero() {
			if !found || e.RemovedAt.After(latest) {
				latest = e.RemovedAt
				found = true
			}
		}
	}
	return latest, found, nil
}

type fakePlayback struct {
	playing bool
	stopped bool
}

func (f *fakePlayback) Stop(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType) error {
	f.stopped = true
	f.playing = false
	return nil
}

func (f *fakePlayback) IsPlaying(ctx context.Context, roomID domain.RoomIDType) (bool, domain.ActivePlaybackRecord, error) {
	return f.playing, domain.ActivePlaybackRecord{}, nil
}

type fakePublisher struct{ events []string }

func (f *fakePublisher) Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error {
	f.events = append(f.events, event)
	return nil
}

func newTestMachine(members []domain.Membership, cooldown time.Duration) (*Machine, *fakeSlotStore, *fakeHistory, *fakePlayback, *fakePublisher) {
	slot := newFakeSlotStore()
	mem := &fakeMemberships{roles: make(map[domain.UserIDType]domain.RoleType), members: members}
	hist := &fakeHistory{}
	pb := &fakePlayback{}
	pub := &fakePublisher{}
	return New(slot, mem, hist, pb, pub, cooldown), slot, hist, pb, pub
}

func TestSetByOwner_RequiresOwnerRole(t *testing.T) {
	m, _, _, _, _ := newTestMachine([]domain.Membership{{UserID: "u1"}}, 0)
	err := m.SetByOwner(context.Background(), "room-1", domain.RoleListener, "u1")
	assert.Error(t, err)
	assert.True(t, roomerr.Is(err, roomerr.Forbidden))
}

func TestSetByOwner_RequiresTargetIsMember(t *testing.T) {
	m, _, _, _, _ := newTestMachine([]domain.Membership{{UserID: "u1"}}, 0)
	err := m.SetByOwner(context.Background(), "room-1", domain.RoleOwner, "u-not-a-member")
	assert.Error(t, err)
	assert.True(t, roomerr.Is(err, roomerr.InvalidInput))
}

func TestSetByOwner_SucceedsAndBroadcasts(t *testing.T) {
	m, slot, hist, _, pub := newTestMachine([]domain.Membership{{UserID: "u1"}}, 0)
	ctx := context.Background()

	err := m.SetByOwner(ctx, "room-1", domain.RoleOwner, "u1")
	require.NoError(t, err)

	current, ok, err := m.Current(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.UserIDType("u1"), current)
	assert.Contains(t, pub.events, "dj:changed")
	assert.Len(t, hist.entries, 1)
	_ = slot
}

func TestRemove_StopsOrphanedPlaybackAndDemotes(t *testing.T) {
	m, _, hist, pb, pub := newTestMachine([]domain.Membership{{UserID: "u1"}}, 0)
	ctx := context.Background()
	require.NoError(t, m.SetByOwner(ctx, "room-1", domain.RoleOwner, "u1"))

	pb.playing = true
	require.NoError(t, m.Remove(ctx, "room-1", domain.ReasonTimeout))

	_, ok, err := m.Current(ctx, "room-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, pb.stopped)
	assert.Contains(t, pub.events, "dj:removed")

	var removalFound bool
	for _, e := range hist.entries {
		if e.UserID == "u1" && e.Reason == domain.ReasonTimeout {
			removalFound = true
		}
	}
	assert.True(t, removalFound)
}

func TestCooldownCheck_RejectsWithinWindow(t *testing.T) {
	m, _, hist, _, _ := newTestMachine(nil, time.Minute)
	hist.entries = append(hist.entries, domain.DJHistoryEntry{
		RoomID: "room-1", UserID: "u1", RemovedAt: time.Now(), Reason: domain.ReasonMutiny,
	})

	err := m.CooldownCheck(context.Background(), "room-1", "u1")
	assert.Error(t, err)
	assert.True(t, roomerr.Is(err, roomerr.Conflict))
}

func TestCooldownCheck_IgnoresNonMutinyReasons(t *testing.T) {
	m, _, hist, _, _ := newTestMachine(nil, time.Minute)
	hist.entries = append(hist.entries, domain.DJHistoryEntry{
		RoomID: "room-1", UserID: "u1", RemovedAt: time.Now(), Reason: domain.ReasonVoluntary,
	})

	err := m.CooldownCheck(context.Background(), "room-1", "u1")
	assert.NoError(t, err)
}

func TestRandomize_NoOpWhenOnlyCurrentDJRemains(t *testing.T) {
	m, _, _, _, _ := newTestMachine([]domain.Membership{{UserID: "u1"}}, 0)
	ctx := context.Background()
	require.NoError(t, m.SetByOwner(ctx, "room-1", domain.RoleOwner, "u1"))

	got, err := m.Randomize(ctx, "room-1", "u1", domain.RoleDJ)
	require.NoError(t, err)
	assert.Equal(t, domain.UserIDType("u1"), got)
}

func TestRandomize_RequiresOwnerOrCurrentDJ(t *testing.T) {
	m, _, _, _, _ := newTestMachine([]domain.Membership{{UserID: "u1"}, {UserID: "u2"}}, 0)
	ctx := context.Background()
	require.NoError(t, m.SetByOwner(ctx, "room-1", domain.RoleOwner, "u1"))

	_, err := m.Randomize(ctx, "room-1", "u2", domain.RoleListener)
	assert.Error(t, err)
	assert.True(t, roomerr.Is(err, roomerr.Forbidden))
}
