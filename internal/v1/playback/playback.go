// Package playback implements the authoritative now-playing record for a
// room: the lead-time computation that gives every member's client enough
// slack to start in sync, and the broadcasts that follow from
// start/pause/stop/report_ended.
//
// Every transition follows the same shape: mutate the record in the
// Shared-State Store, then broadcast — no local cache, since the store is
// the single source of truth for every room a process serves.
package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

const (
	minLeadMs   = 500
	maxLeadMs   = 2000
	leadRTTMult = 3
)

// Store is the subset of the Shared-State Store the coordinator needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Publisher is the subset of the Broadcast Fabric the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error
}

// QueueSource lets report_ended hand off to the Queue Engine without an
// import cycle between the two packages.
type QueueSource interface {
	MarkPlayed(ctx context.Context, roomID domain.RoomIDType, submissionID domain.SubmissionIDType) error
	Next(ctx context.Context, roomID domain.RoomIDType) (*domain.Submission, error)
}

// Coordinator is the Playback Coordinator for all rooms; state is keyed per
// room in the Shared-State Store, so one Coordinator instance is shared
// across every room a process serves.
type Coordinator struct {
	store     Store
	publisher Publisher
}

func New(store Store, publisher Publisher) *Coordinator {
	return &Coordinator{store: store, publisher: publisher}
}

// StartEvent is the payload of a playback:start broadcast.
type StartEvent struct {
	TrackRef        domain.MediaRef `json:"trackRef"`
	StartAtServerTime int64         `json:"startAtServerTime"`
	ServerNowMs     int64           `json:"serverNowMs"`
	DurationSeconds float64         `json:"durationSeconds"`
}

func key(roomID domain.RoomIDType) string {
	return fmt.Sprintf("room:%s:playback", roomID)
}

// Authorize checks that the actor may control playback: the room's DJ, or
// the owner when no DJ is currently set.
func Authorize(actorRole domain.RoleType, djPresent bool) error {
	if actorRole == domain.RoleDJ {
		return nil
	}
	if actorRole == domain.RoleOwner && !djPresent {
		return nil
	}
	return roomerr.Forbiddenf("only the current dj (or owner when no dj is set) may control playback")
}

// Start begins playback of a track. recentRTTs is the set of recently
// observed per-member round-trip times (milliseconds), gathered by the
// caller from the Clock-Sync Service; callers in single-member rooms may
// pass an empty slice, which falls back to minLeadMs.
func (c *Coordinator) Start(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType, submissionID domain.SubmissionIDType, media domain.MediaRef, recentRTTs []int64) (domain.ActivePlaybackRecord, error) {
	lead := leadMs(recentRTTs)
	now := time.Now().UnixMilli()

	rec := domain.ActivePlaybackRecord{
		RoomID:            roomID,
		SubmissionID:      submissionID,
		Media:             media,
		StartAtServerTime: now + lead,
		StartedBy:         actor,
		IsPlaying:         true,
	}

	if err := c.persist(ctx, roomID, rec); err != nil {
		return domain.ActivePlaybackRecord{}, roomerr.Internalf("failed to persist playback record: %v", err)
	}

	metrics.PlaybackTransitions.WithLabelValues("start").Inc()

	evt := StartEvent{
		TrackRef:          media,
		StartAtServerTime: rec.StartAtServerTime,
		ServerNowMs:       now,
		DurationSeconds:   media.DurationSeconds,
	}
	if err := c.publisher.Publish(ctx, string(roomID), "playback:start", evt, string(actor), nil); err != nil {
		return domain.ActivePlaybackRecord{}, roomerr.Internalf("failed to broadcast playback:start: %v", err)
	}

	return rec, nil
}

// Pause clears is_playing without discarding the record; there is no resume
// operation, a later start replaces it outright.
func (c *Coordinator) Pause(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType) error {
	return c.clearPlaying(ctx, roomID, actor, "playback:pause")
}

// Stop clears the active playback record entirely.
func (c *Coordinator) Stop(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType) error {
	if err := c.store.Del(ctx, key(roomID)); err != nil {
		return roomerr.Internalf("failed to clear playback record: %v", err)
	}
	metrics.PlaybackTransitions.WithLabelValues("stop").Inc()
	if err := c.publisher.Publish(ctx, string(roomID), "playback:stop", struct{}{}, string(actor), nil); err != nil {
		return roomerr.Internalf("failed to broadcast playback:stop: %v", err)
	}
	return nil
}

func (c *Coordinator) clearPlaying(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType, event string) error {
	rec, ok, err := c.load(ctx, roomID)
	if err != nil {
		return roomerr.Internalf("failed to load playback record: %v", err)
	}
	if ok {
		rec.IsPlaying = false
		if err := c.persist(ctx, roomID, rec); err != nil {
			return roomerr.Internalf("failed to persist paused record: %v", err)
		}
	}
	metrics.PlaybackTransitions.WithLabelValues("pause").Inc()
	return c.publisher.Publish(ctx, string(roomID), event, struct{}{}, string(actor), nil)
}

// ReportEnded closes the current playback (accepted from the DJ only),
// marks the originating submission played, and advances to the next queued
// submission if one exists. A mismatched submission ID is ignored, since it
// means a stale report arrived for a track that is no longer current.
func (c *Coordinator) ReportEnded(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType, endedSubmissionID domain.SubmissionIDType, q QueueSource, recentRTTs []int64) (*domain.ActivePlaybackRecord, error) {
	rec, ok, err := c.load(ctx, roomID)
	if err != nil {
		return nil, roomerr.Internalf("failed to load playback record: %v", err)
	}
	if !ok || rec.SubmissionID != endedSubmissionID {
		return nil, nil // stale report_ended for a track that isn't current; ignored
	}

	if err := c.store.Del(ctx, key(roomID)); err != nil {
		return nil, roomerr.Internalf("failed to clear ended playback record: %v", err)
	}
	metrics.PlaybackTransitions.WithLabelValues("ended").Inc()

	if err := q.MarkPlayed(ctx, roomID, endedSubmissionID); err != nil {
		return nil, roomerr.Internalf("failed to mark submission played: %v", err)
	}

	next, err := q.Next(ctx, roomID)
	if err != nil {
		return nil, roomerr.Internalf("failed to fetch next submission: %v", err)
	}
	if next == nil {
		return nil, nil
	}

	started, err := c.Start(ctx, roomID, actor, next.ID, next.Media, recentRTTs)
	if err != nil {
		return nil, err
	}
	return &started, nil
}

// State returns a snapshot for reconnecting clients.
func (c *Coordinator) State(ctx context.Context, roomID domain.RoomIDType) (playing bool, rec domain.ActivePlaybackRecord, err error) {
	rec, ok, err := c.load(ctx, roomID)
	if err != nil {
		return false, domain.ActivePlaybackRecord{}, roomerr.Internalf("failed to load playback state: %v", err)
	}
	return ok && rec.IsPlaying, rec, nil
}

// IsPlaying is State under the name djstate.PlaybackStopper expects, so the
// DJ State Machine can check for an orphaned playback without importing this
// package directly.
func (c *Coordinator) IsPlaying(ctx context.Context, roomID domain.RoomIDType) (bool, domain.ActivePlaybackRecord, error) {
	return c.State(ctx, roomID)
}

func (c *Coordinator) persist(ctx context.Context, roomID domain.RoomIDType, rec domain.ActivePlaybackRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.store.SetEx(ctx, key(roomID), string(data), 0)
}

func (c *Coordinator) load(ctx context.Context, roomID domain.RoomIDType) (domain.ActivePlaybackRecord, bool, error) {
	var rec domain.ActivePlaybackRecord
	raw, err := c.store.Get(ctx, key(roomID))
	if err != nil {
		return rec, false, err
	}
	if raw == "" {
		return rec, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// leadMs computes the start lead: max(500ms, 3x p95 RTT), clamped to 2s.
func leadMs(recentRTTs []int64) int64 {
	if len(recentRTTs) == 0 {
		return minLeadMs
	}

	sorted := make([]int64, len(recentRTTs))
	copy(sorted, recentRTTs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * 0.95)
	p95 := sorted[idx]

	lead := leadRTTMult * p95
	if lead < minLeadMs {
		lead = minLeadMs
	}
	if lead > maxLeadMs {
		lead = maxLeadMs
	}
	return lead
}
