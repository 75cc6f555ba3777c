package playback

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroomhq/roomserver/internal/v1/bus"
	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

type fakeQueue struct {
	marked []domain.SubmissionIDType
	next   *domain.Submission
}

func (f *fakeQueue) MarkPlayed(ctx context.Context, roomID domain.RoomIDType, id domain.SubmissionIDType) error {
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeQueue) Next(ctx context.Context, roomID domain.RoomIDType) (*domain.Submission, error) {
	return f.next, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	return New(store, store), mr
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Authorize(domain.RoleDJ, true))
	assert.NoError(t, Authorize(domain.RoleOwner, false))
	assert.Error(t, Authorize(domain.RoleOwner, true))
	assert.Error(t, Authorize(domain.RoleListener, false))
}

func TestLeadMs_Bounds(t *testing.T) {
	assert.Equal(t, int64(minLeadMs), leadMs(nil))
	assert.Equal(t, int64(minLeadMs), leadMs([]int64{10, 20, 30}))
	assert.Equal(t, int64(maxLeadMs), leadMs([]int64{5000, 5000, 5000}))
}

func TestStartThenState(t *testing.T) {
	c, mr := newTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	media := domain.MediaRef{Title: "track one", DurationSeconds: 180}

	rec, err := c.Start(ctx, "room-1", "dj-1", "sub-1", media, []int64{50})
	require.NoError(t, err)
	assert.True(t, rec.IsPlaying)
	assert.Equal(t, domain.SubmissionIDType("sub-1"), rec.SubmissionID)

	playing, snap, err := c.State(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, playing)
	assert.Equal(t, rec.StartAtServerTime, snap.StartAtServerTime)
}

func TestPauseClearsIsPlayingButKeepsRecord(t *testing.T) {
	c, mr := newTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	media := domain.MediaRef{Title: "t", DurationSeconds: 10}
	_, err := c.Start(ctx, "room-2", "dj-1", "sub-1", media, nil)
	require.NoError(t, err)

	require.NoError(t, c.Pause(ctx, "room-2", "dj-1"))

	playing, snap, err := c.State(ctx, "room-2")
	require.NoError(t, err)
	assert.False(t, playing)
	assert.Equal(t, domain.SubmissionIDType("sub-1"), snap.SubmissionID)
}

func TestStopClearsRecordEntirely(t *testing.T) {
	c, mr := newTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	media := domain.MediaRef{Title: "t", DurationSeconds: 10}
	_, err := c.Start(ctx, "room-3", "dj-1", "sub-1", media, nil)
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx, "room-3", "dj-1"))

	playing, _, err := c.State(ctx, "room-3")
	require.NoError(t, err)
	assert.False(t, playing)
}

func TestReportEnded_MismatchedSubmissionIsIgnored(t *testing.T) {
	c, mr := newTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	media := domain.MediaRef{Title: "t", DurationSeconds: 10}
	_, err := c.Start(ctx, "room-4", "dj-1", "sub-1", media, nil)
	require.NoError(t, err)

	q := &fakeQueue{}
	rec, err := c.ReportEnded(ctx, "room-4", "dj-1", "sub-wrong", q, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, q.marked)
}

func TestReportEnded_AdvancesToNextSubmission(t *testing.T) {
	c, mr := newTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	media := domain.MediaRef{Title: "first", DurationSeconds: 10}
	_, err := c.Start(ctx, "room-5", "dj-1", "sub-1", media, nil)
	require.NoError(t, err)

	q := &fakeQueue{next: &domain.Submission{ID: "sub-2", Media: domain.MediaRef{Title: "second", DurationSeconds: 20}}}
	rec, err := c.ReportEnded(ctx, "room-5", "dj-1", "sub-1", q, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.SubmissionIDType("sub-2"), rec.SubmissionID)
	assert.Equal(t, []domain.SubmissionIDType{"sub-1"}, q.marked)
}

func TestReportEnded_NoNextLeavesRoomSilent(t *testing.T) {
	c, mr := newTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	media := domain.MediaRef{Title: "t", DurationSeconds: 10}
	_, err := c.Start(ctx, "room-6", "dj-1", "sub-1", media, nil)
	require.NoError(t, err)

	q := &fakeQueue{}
	rec, err := c.ReportEnded(ctx, "room-6", "dj-1", "sub-1", q, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)

	playing, _, err := c.State(ctx, "room-6")
	require.NoError(t, err)
	assert.False(t, playing)
}
