package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_AppliesSchemaAndPings(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping())
}

func TestRoom_InsertGetByIDAndCode(t *testing.T) {
	s := newTestStore(t)
	room := domain.Room{
		ID: "room-1", Code: "ABC123", Name: "Lounge", OwnerID: "user-1",
		Settings:  domain.DefaultRoomSettings(50, 0.6),
		Active:    true,
		CreatedAt: time.Unix(1000, 0),
	}
	require.NoError(t, s.InsertRoom(room))

	byID, err := s.GetRoomByID(room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.Code, byID.Code)
	assert.Equal(t, room.Settings.MaxMembers, byID.Settings.MaxMembers)
	assert.True(t, byID.Active)

	byCode, err := s.GetRoomByCode(room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, byCode.ID)

	exists, err := s.CodeExists(string(room.Code))
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.CodeExists("NOPE99")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRoom_GetByIDMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRoomByID("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoom_SetActive(t *testing.T) {
	s := newTestStore(t)
	room := domain.Room{ID: "room-2", Code: "XYZ789", OwnerID: "user-1", CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, s.InsertRoom(room))

	require.NoError(t, s.SetRoomActive(room.ID, false))
	got, err := s.GetRoomByID(room.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestRoom_UpdateRoomOwner(t *testing.T) {
	s := newTestStore(t)
	room := domain.Room{ID: "room-3", Code: "OWN111", OwnerID: "user-1", CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, s.InsertRoom(room))

	require.NoError(t, s.UpdateRoomOwner(room.ID, "user-2"))
	got, err := s.GetRoomByID(room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserIDType("user-2"), got.OwnerID)
}

func TestMembership_UpsertGetAndSetRole(t *testing.T) {
	s := newTestStore(t)
	m := domain.Membership{RoomID: "room-1", UserID: "user-1", Role: domain.RoleListener, JoinedAt: time.Unix(100, 0), LastActive: time.Unix(100, 0)}
	require.NoError(t, s.UpsertMembership(m))

	got, err := s.GetMembership(m.RoomID, m.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleListener, got.Role)

	require.NoError(t, s.SetRole(context.Background(), m.RoomID, m.UserID, domain.RoleDJ))
	got, err = s.GetMembership(m.RoomID, m.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleDJ, got.Role)
}

func TestMembership_MembersOrderedByJoinedAt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertMembership(domain.Membership{RoomID: "room-1", UserID: "user-2", Role: domain.RoleListener, JoinedAt: time.Unix(200, 0), LastActive: time.Unix(200, 0)}))
	require.NoError(t, s.UpsertMembership(domain.Membership{RoomID: "room-1", UserID: "user-1", Role: domain.RoleOwner, JoinedAt: time.Unix(100, 0), LastActive: time.Unix(100, 0)}))

	members, err := s.Members(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, domain.UserIDType("user-1"), members[0].UserID)
	assert.Equal(t, domain.UserIDType("user-2"), members[1].UserID)
}

func TestMembership_Remove(t *testing.T) {
	s := newTestStore(t)
	m := domain.Membership{RoomID: "room-1", UserID: "user-1", Role: domain.RoleListener, JoinedAt: time.Unix(100, 0), LastActive: time.Unix(100, 0)}
	require.NoError(t, s.UpsertMembership(m))
	require.NoError(t, s.RemoveMembership(m.RoomID, m.UserID))

	_, err := s.GetMembership(m.RoomID, m.UserID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmission_InsertGetAndUpdateCounts(t *testing.T) {
	s := newTestStore(t)
	sub := domain.Submission{
		ID: "sub-1", RoomID: "room-1", SubmitterID: "user-1",
		Media:     domain.MediaRef{URL: "https://example.com/a", Title: "Track"},
		CreatedAt: time.Unix(100, 0),
	}
	require.NoError(t, s.InsertSubmission(context.Background(), sub))

	got, err := s.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "Track", got.Media.Title)
	assert.False(t, got.Played)

	require.NoError(t, s.UpdateSubmissionCounts(context.Background(), sub.ID, 3, 1))
	got, err = s.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UpCount)
	assert.Equal(t, 1, got.DownCount)

	require.NoError(t, s.MarkSubmissionPlayed(context.Background(), sub.ID))
	got, err = s.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Played)
}

func TestSubmission_ListByRoomOrderedByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertSubmission(context.Background(), domain.Submission{ID: "sub-2", RoomID: "room-1", SubmitterID: "user-1", CreatedAt: time.Unix(200, 0)}))
	require.NoError(t, s.InsertSubmission(context.Background(), domain.Submission{ID: "sub-1", RoomID: "room-1", SubmitterID: "user-1", CreatedAt: time.Unix(100, 0)}))

	subs, err := s.ListByRoom(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, domain.SubmissionIDType("sub-1"), subs[0].ID)
	assert.Equal(t, domain.SubmissionIDType("sub-2"), subs[1].ID)
}

func TestBallot_UpsertGetAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertBallot(ctx, "sub-1", "user-1", domain.BallotUp))

	choice, found, err := s.GetBallot(ctx, "sub-1", "user-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.BallotUp, choice)

	require.NoError(t, s.UpsertBallot(ctx, "sub-1", "user-1", domain.BallotDown))
	choice, _, err = s.GetBallot(ctx, "sub-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BallotDown, choice)

	require.NoError(t, s.RemoveBallot(ctx, "sub-1", "user-1"))
	_, found, err = s.GetBallot(ctx, "sub-1", "user-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBallot_ListBySubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertBallot(ctx, "sub-1", "user-1", domain.BallotUp))
	require.NoError(t, s.UpsertBallot(ctx, "sub-1", "user-2", domain.BallotDown))

	ballots, err := s.ListBySubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BallotUp, ballots["user-1"])
	assert.Equal(t, domain.BallotDown, ballots["user-2"])
}

func TestDJHistory_AppendAndLastRemoval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.DJHistoryEntry{RoomID: "room-1", UserID: "user-1", BecameDJAt: time.Unix(100, 0), Reason: domain.ReasonOwnerSet}))
	require.NoError(t, s.Append(ctx, domain.DJHistoryEntry{RoomID: "room-1", UserID: "user-1", RemovedAt: time.Unix(200, 0), Reason: domain.ReasonMutiny}))

	removedAt, found, err := s.LastRemoval(ctx, "room-1", "user-1", domain.ReasonMutiny)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, time.Unix(200, 0).UTC(), removedAt)

	_, found, err = s.LastRemoval(ctx, "room-1", "user-1", domain.ReasonTimeout)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDJHistory_ListByRoomOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.DJHistoryEntry{RoomID: "room-1", UserID: "user-1", BecameDJAt: time.Unix(100, 0), Reason: domain.ReasonOwnerSet}))
	require.NoError(t, s.Append(ctx, domain.DJHistoryEntry{RoomID: "room-1", UserID: "user-2", BecameDJAt: time.Unix(200, 0), Reason: domain.ReasonVote}))

	entries, err := s.ListByRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.UserIDType("user-1"), entries[0].UserID)
	assert.Equal(t, domain.UserIDType("user-2"), entries[1].UserID)
}

func TestMessage_InsertAndListRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertMessage(ctx, domain.Message{RoomID: "room-1", UserID: "user-1", Content: "hey"})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, domain.Message{RoomID: "room-1", UserID: "user-2", Content: "hi"})
	require.NoError(t, err)

	msgs, err := s.ListRecent(ctx, "room-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hey", msgs[0].Content)
	assert.Equal(t, "hi", msgs[1].Content)
}

func TestMessage_ListRecentRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.InsertMessage(ctx, domain.Message{RoomID: "room-1", UserID: "user-1", Content: "msg"})
		require.NoError(t, err)
	}

	msgs, err := s.ListRecent(ctx, "room-1", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestUser_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := domain.User{ID: "user-1", DisplayName: "Alice", CreatedAt: time.Unix(100, 0)}
	require.NoError(t, s.UpsertUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)

	require.NoError(t, s.UpsertUser(ctx, domain.User{ID: "user-1", DisplayName: "Alicia", CreatedAt: time.Unix(100, 0)}))
	got, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", got.DisplayName)
}

func TestUser_GetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUser(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
