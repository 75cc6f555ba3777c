package clocksync

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroomhq/roomserver/internal/v1/bus"
)

func newTestSvc(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	return New(store, "room-1"), mr
}

func TestPing_ComputesOffset(t *testing.T) {
	svc, mr := newTestSvc(t)
	defer mr.Close()

	ctx := context.Background()
	clientT0 := nowMs() - 20
	res := svc.Ping(ctx, "conn-1", clientT0)

	assert.Equal(t, clientT0, res.ClientT0)
	assert.GreaterOrEqual(t, res.ServerT2, res.ServerT1)

	rec, err := svc.get(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, res.ServerT1-clientT0, rec.ClockOffsetMs)
}

func TestPing_DiscardsUnusableOffset(t *testing.T) {
	svc, mr := newTestSvc(t)
	defer mr.Close()

	ctx := context.Background()
	// clientT0 far in the past -> offset blows past the sanity cap
	svc.Ping(ctx, "conn-bad", 1)

	_, ok := svc.RecentRTT(ctx, "conn-bad")
	assert.False(t, ok)

	rec, err := svc.get(ctx, "conn-bad")
	require.NoError(t, err)
	assert.Zero(t, rec.ClockOffsetMs)
}

func TestReport_MergesIntoExistingRecord(t *testing.T) {
	svc, mr := newTestSvc(t)
	defer mr.Close()

	ctx := context.Background()
	svc.Ping(ctx, "conn-2", nowMs())
	svc.Report(ctx, "conn-2", 42)

	rtt, ok := svc.RecentRTT(ctx, "conn-2")
	require.True(t, ok)
	assert.Equal(t, int64(42), rtt)
}

func TestReport_DiscardsNegativeOrOversizedRTT(t *testing.T) {
	svc, mr := newTestSvc(t)
	defer mr.Close()

	ctx := context.Background()
	svc.Report(ctx, "conn-3", -5)
	svc.Report(ctx, "conn-3", 999_999)

	_, ok := svc.RecentRTT(ctx, "conn-3")
	assert.False(t, ok)
}

func TestRecentRTT_MissReturnsFalse(t *testing.T) {
	svc, mr := newTestSvc(t)
	defer mr.Close()

	_, ok := svc.RecentRTT(context.Background(), "never-seen")
	assert.False(t, ok)
}
