package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

type fakeCounters struct{}

func (f *fakeCounters) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return delta, nil
}

type fakePublisher struct{ count int }

func (f *fakePublisher) Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error {
	f.count++
	return nil
}

type fakeResolver struct {
	media domain.MediaRef
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, url string) (domain.MediaRef, error) {
	return f.media, f.err
}

func newTestEngine() (*Engine, *fakePublisher) {
	pub := &fakePublisher{}
	return New(&fakeCounters{}, pub, &fakeResolver{media: domain.MediaRef{Title: "t", DurationSeconds: 10}}), pub
}

func TestSubmit_AddsEntryAndBroadcasts(t *testing.T) {
	e, pub := newTestEngine()
	ctx := context.Background()

	sub, err := e.Submit(ctx, "room-1", "user-1", "https://example.com/track")
	require.NoError(t, err)
	assert.Equal(t, domain.UserIDType("user-1"), sub.SubmitterID)
	assert.Equal(t, 1, pub.count)

	entries := e.List("room-1", "user-1")
	require.Len(t, entries, 1)
	assert.Equal(t, sub.ID, entries[0].ID)
}

func TestSubmit_ResolverFailureRejectsSubmission(t *testing.T) {
	pub := &fakePublisher{}
	e := New(&fakeCounters{}, pub, &fakeResolver{err: roomerr.Upstream("timeout", "resolver timed out")})

	_, err := e.Submit(context.Background(), "room-1", "user-1", "bad-url")
	assert.Error(t, err)
	assert.True(t, roomerr.Is(err, roomerr.UpstreamUnavailable))
}

func TestVote_SubmitterCannotVoteOwnEntry(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	sub, err := e.Submit(ctx, "room-1", "user-1", "url")
	require.NoError(t, err)

	err = e.Upvote(ctx, "room-1", sub.ID, "user-1")
	assert.Error(t, err)
	assert.True(t, roomerr.Is(err, roomerr.Forbidden))
}

func TestVote_SecondSamePolarityIsIdempotent(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	sub, err := e.Submit(ctx, "room-1", "user-1", "url")
	require.NoError(t, err)

	require.NoError(t, e.Upvote(ctx, "room-1", sub.ID, "user-2"))
	require.NoError(t, e.Upvote(ctx, "room-1", sub.ID, "user-2"))

	entries := e.List("room-1", "user-2")
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].UpCount)
	assert.Equal(t, 0, entries[0].DownCount)
	assert.Equal(t, 1, entries[0].UserVote)
}

func TestVote_OppositePolarityReplacesPrior(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	sub, err := e.Submit(ctx, "room-1", "user-1", "url")
	require.NoError(t, err)

	require.NoError(t, e.Upvote(ctx, "room-1", sub.ID, "user-2"))
	require.NoError(t, e.Downvote(ctx, "room-1", sub.ID, "user-2"))

	entries := e.List("room-1", "user-2")
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].UpCount)
	assert.Equal(t, 1, entries[0].DownCount)
	assert.Equal(t, -1, entries[0].UserVote)
}

func TestClearVote_RemovesBallot(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	sub, err := e.Submit(ctx, "room-1", "user-1", "url")
	require.NoError(t, err)

	require.NoError(t, e.Upvote(ctx, "room-1", sub.ID, "user-2"))
	require.NoError(t, e.ClearVote(ctx, "room-1", sub.ID, "user-2"))

	entries := e.List("room-1", "user-2")
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].UpCount)
	assert.Equal(t, 0, entries[0].UserVote)
}

func TestList_OrderedByNetScoreThenCreatedAt(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	subA, err := e.Submit(ctx, "room-1", "user-1", "a")
	require.NoError(t, err)
	subB, err := e.Submit(ctx, "room-1", "user-2", "b")
	require.NoError(t, err)

	require.NoError(t, e.Upvote(ctx, "room-1", subB.ID, "user-1"))

	entries := e.List("room-1", "user-3")
	require.Len(t, entries, 2)
	assert.Equal(t, subB.ID, entries[0].ID)
	assert.Equal(t, subA.ID, entries[1].ID)
}

func TestRemove_RequiresSubmitterOrOwner(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	sub, err := e.Submit(ctx, "room-1", "user-1", "url")
	require.NoError(t, err)

	err = e.Remove(ctx, "room-1", sub.ID, "user-2", domain.RoleListener)
	assert.Error(t, err)

	err = e.Remove(ctx, "room-1", sub.ID, "user-2", domain.RoleOwner)
	assert.NoError(t, err)

	assert.Empty(t, e.List("room-1", "user-1"))
}

func TestPopNext_PicksHighestScoredAndMarksPlayed(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	subA, err := e.Submit(ctx, "room-1", "user-1", "a")
	require.NoError(t, err)
	subB, err := e.Submit(ctx, "room-1", "user-2", "b")
	require.NoError(t, err)
	require.NoError(t, e.Upvote(ctx, "room-1", subB.ID, "user-1"))

	next := e.PopNext("room-1")
	require.NotNil(t, next)
	assert.Equal(t, subB.ID, next.ID)

	remaining := e.List("room-1", "user-1")
	require.Len(t, remaining, 1)
	assert.Equal(t, subA.ID, remaining[0].ID)
}

func TestPopNext_EmptyQueueReturnsNil(t *testing.T) {
	e, _ := newTestEngine()
	assert.Nil(t, e.PopNext("room-empty"))
}
