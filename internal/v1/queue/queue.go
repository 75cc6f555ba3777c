// Package queue implements the voted song queue for a room: net_score
// bookkeeping per submission and the single broadcast event that follows
// every mutation.
//
// Each room's queue is a mutex-protected map of entries mutated through
// small exported methods, each ending in exactly one broadcast.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

// CounterStore is the atomic-increment half of the Shared-State Store;
// net_score is maintained there rather than recomputed from ballots on the
// hot path.
type CounterStore interface {
	Incr(ctx context.Context, key string, delta int64) (int64, error)
}

// Publisher is the subset of the Broadcast Fabric the engine needs.
type Publisher interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error
}

// MediaResolver validates and enriches a submitted URL. Implemented by
// pkg/media's resolve_media client.
type MediaResolver interface {
	Resolve(ctx context.Context, url string) (domain.MediaRef, error)
}

type ballotKey struct {
	submission domain.SubmissionIDType
	voter      domain.UserIDType
}

type roomQueue struct {
	mu      sync.RWMutex
	entries map[domain.SubmissionIDType]*domain.Submission
	ballots map[ballotKey]domain.BallotChoice
	seq     int64
}

func newRoomQueue() *roomQueue {
	return &roomQueue{
		entries: make(map[domain.SubmissionIDType]*domain.Submission),
		ballots: make(map[ballotKey]domain.BallotChoice),
	}
}

// Engine is the Queue Engine for all rooms a process serves.
type Engine struct {
	mu        sync.Mutex
	rooms     map[domain.RoomIDType]*roomQueue
	counters  CounterStore
	publisher Publisher
	resolver  MediaResolver
}

func New(counters CounterStore, publisher Publisher, resolver MediaResolver) *Engine {
	return &Engine{
		rooms:     make(map[domain.RoomIDType]*roomQueue),
		counters:  counters,
		publisher: publisher,
		resolver:  resolver,
	}
}

func (e *Engine) room(roomID domain.RoomIDType) *roomQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	rq, ok := e.rooms[roomID]
	if !ok {
		rq = newRoomQueue()
		e.rooms[roomID] = rq
	}
	return rq
}

func netScoreKey(submissionID domain.SubmissionIDType) string {
	return fmt.Sprintf("submission:%s:net_score", submissionID)
}

// Submit validates url via the metadata resolver and adds a new entry.
func (e *Engine) Submit(ctx context.Context, roomID domain.RoomIDType, submitter domain.UserIDType, url string) (*domain.Submission, error) {
	media, err := e.resolver.Resolve(ctx, url)
	if err != nil {
		metrics.MetadataResolveTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.MetadataResolveTotal.WithLabelValues("accepted").Inc()

	rq := e.room(roomID)
	rq.mu.Lock()
	rq.seq++
	id := domain.SubmissionIDType(fmt.Sprintf("%s-%d", roomID, rq.seq))
	sub := &domain.Submission{
		ID:          id,
		RoomID:      roomID,
		SubmitterID: submitter,
		Media:       media,
		CreatedAt:   time.Now(),
	}
	rq.entries[id] = sub
	rq.mu.Unlock()

	if err := e.broadcastUpdated(ctx, roomID, submitter); err != nil {
		return nil, err
	}
	return sub, nil
}

// Upvote casts or idempotently repeats an up vote; an opposite-polarity
// vote on file is replaced.
func (e *Engine) Upvote(ctx context.Context, roomID domain.RoomIDType, submissionID domain.SubmissionIDType, voter domain.UserIDType) error {
	return e.vote(ctx, roomID, submissionID, voter, domain.BallotUp)
}

// Downvote is the down-polarity counterpart of Upvote.
func (e *Engine) Downvote(ctx context.Context, roomID domain.RoomIDType, submissionID domain.SubmissionIDType, voter domain.UserIDType) error {
	return e.vote(ctx, roomID, submissionID, voter, domain.BallotDown)
}

func (e *Engine) vote(ctx context.Context, roomID domain.RoomIDType, submissionID domain.SubmissionIDType, voter domain.UserIDType, choice domain.BallotChoice) error {
	rq := e.room(roomID)

	rq.mu.Lock()
	sub, ok := rq.entries[submissionID]
	if !ok {
		rq.mu.Unlock()
		return roomerr.NotFoundf("submission %s not found", submissionID)
	}
	if sub.SubmitterID == voter {
		rq.mu.Unlock()
		return roomerr.Forbiddenf("a submitter cannot vote on their own entry")
	}

	bk := ballotKey{submission: submissionID, voter: voter}
	prior, hadPrior := rq.ballots[bk]

	if hadPrior && prior == choice {
		rq.mu.Unlock()
		return nil // idempotent repeat of the same polarity
	}

	var upDelta, downDelta int64
	if hadPrior {
		// opposite-polarity vote replaces the prior one
		if prior == domain.BallotUp {
			upDelta--
		} else {
			downDelta--
		}
	}
	if choice == domain.BallotUp {
		upDelta++
	} else {
		downDelta++
	}
	rq.ballots[bk] = choice
	rq.mu.Unlock()

	if err := e.applyDelta(ctx, sub, upDelta, downDelta); err != nil {
		return err
	}
	return e.broadcastUpdated(ctx, roomID, voter)
}

// ClearVote removes a voter's ballot on an entry, if any.
func (e *Engine) ClearVote(ctx context.Context, roomID domain.RoomIDType, submissionID domain.SubmissionIDType, voter domain.UserIDType) error {
	rq := e.room(roomID)

	rq.mu.Lock()
	sub, ok := rq.entries[submissionID]
	if !ok {
		rq.mu.Unlock()
		return roomerr.NotFoundf("submission %s not found", submissionID)
	}
	bk := ballotKey{submission: submissionID, voter: voter}
	prior, hadPrior := rq.ballots[bk]
	if !hadPrior {
		rq.mu.Unlock()
		return nil
	}
	delete(rq.ballots, bk)
	rq.mu.Unlock()

	var upDelta, downDelta int64
	if prior == domain.BallotUp {
		upDelta = -1
	} else {
		downDelta = -1
	}
	if err := e.applyDelta(ctx, sub, upDelta, downDelta); err != nil {
		return err
	}
	return e.broadcastUpdated(ctx, roomID, voter)
}

func (e *Engine) applyDelta(ctx context.Context, sub *domain.Submission, upDelta, downDelta int64) error {
	if upDelta != 0 {
		if _, err := e.counters.Incr(ctx, netScoreKey(sub.ID)+":up", upDelta); err != nil {
			return roomerr.Internalf("failed to update up-vote counter: %v", err)
		}
	}
	if downDelta != 0 {
		if _, err := e.counters.Incr(ctx, netScoreKey(sub.ID)+":down", downDelta); err != nil {
			return roomerr.Internalf("failed to update down-vote counter: %v", err)
		}
	}
	sub.UpCount += int(upDelta)
	sub.DownCount += int(downDelta)
	return nil
}

// Remove deletes an entry; the actor must be the submitter or a room owner.
func (e *Engine) Remove(ctx context.Context, roomID domain.RoomIDType, submissionID domain.SubmissionIDType, actor domain.UserIDType, actorRole domain.RoleType) error {
	rq := e.room(roomID)

	rq.mu.Lock()
	sub, ok := rq.entries[submissionID]
	if !ok {
		rq.mu.Unlock()
		return roomerr.NotFoundf("submission %s not found", submissionID)
	}
	if sub.SubmitterID != actor && actorRole != domain.RoleOwner {
		rq.mu.Unlock()
		return roomerr.Forbiddenf("only the submitter or the room owner may remove an entry")
	}
	delete(rq.entries, submissionID)
	for bk := range rq.ballots {
		if bk.submission == submissionID {
			delete(rq.ballots, bk)
		}
	}
	rq.mu.Unlock()

	return e.broadcastUpdated(ctx, roomID, actor)
}

// EntryView is a queue entry resolved for a specific caller's perspective.
type EntryView struct {
	domain.Submission
	UserVote int `json:"userVote"` // -1, 0, or 1
}

// List returns entries ordered by net_score descending, ties broken by
// earlier created_at, with each entry's user_vote resolved for caller.
func (e *Engine) List(roomID domain.RoomIDType, caller domain.UserIDType) []EntryView {
	rq := e.room(roomID)
	rq.mu.RLock()
	defer rq.mu.RUnlock()

	views := make([]EntryView, 0, len(rq.entries))
	for _, sub := range rq.entries {
		if sub.Played {
			continue
		}
		vote := 0
		if choice, ok := rq.ballots[ballotKey{submission: sub.ID, voter: caller}]; ok {
			vote = int(choice)
		}
		views = append(views, EntryView{Submission: *sub, UserVote: vote})
	}

	sort.Slice(views, func(i, j int) bool {
		si, sj := views[i].NetScore(), views[j].NetScore()
		if si != sj {
			return si > sj
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// PopNext picks the highest-scored unplayed entry, marks it played, and
// returns it (nil if the queue is empty).
func (e *Engine) PopNext(roomID domain.RoomIDType) *domain.Submission {
	rq := e.room(roomID)
	rq.mu.Lock()
	defer rq.mu.Unlock()

	var best *domain.Submission
	for _, sub := range rq.entries {
		if sub.Played {
			continue
		}
		if best == nil || sub.NetScore() > best.NetScore() ||
			(sub.NetScore() == best.NetScore() && sub.CreatedAt.Before(best.CreatedAt)) {
			best = sub
		}
	}
	if best == nil {
		return nil
	}
	best.Played = true
	return best
}

// MarkPlayed satisfies playback.QueueSource.
func (e *Engine) MarkPlayed(ctx context.Context, roomID domain.RoomIDType, submissionID domain.SubmissionIDType) error {
	rq := e.room(roomID)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if sub, ok := rq.entries[submissionID]; ok {
		sub.Played = true
	}
	return nil
}

// Next satisfies playback.QueueSource.
func (e *Engine) Next(ctx context.Context, roomID domain.RoomIDType) (*domain.Submission, error) {
	return e.PopNext(roomID), nil
}

func (e *Engine) broadcastUpdated(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType) error {
	entries := e.List(roomID, actor)
	metrics.QueueDepth.WithLabelValues(string(roomID)).Set(float64(len(entries)))
	if err := e.publisher.Publish(ctx, string(roomID), "queue:updated", entries, string(actor), nil); err != nil {
		return roomerr.Internalf("failed to broadcast queue:updated: %v", err)
	}
	return nil
}
