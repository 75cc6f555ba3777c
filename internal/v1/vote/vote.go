// Package vote implements the shared election/mutiny state machine: a single
// pending vote per room, ballot bookkeeping, threshold evaluation, and the
// post-mutiny-failure cooldown.
//
// Each room has at most one open vote at a time, moving from pending to one
// of passed, failed, or cancelled. Ballots are inserted through the
// Shared-State Store's compare-and-swap primitive so a reconnect that
// re-sends a ballot is a harmless no-op rather than a double vote.
package vote

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

// BallotStore is the ballot-insertion half of the Shared-State Store.
type BallotStore interface {
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string) (bool, error)
}

// Publisher is the subset of the Broadcast Fabric the engine needs.
type Publisher interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error
}

// DJControl is the subset of the DJ State Machine the engine drives.
type DJControl interface {
	SetByVote(ctx context.Context, roomID domain.RoomIDType, target domain.UserIDType) error
	RemoveByMutiny(ctx context.Context, roomID domain.RoomIDType) error
	Current(ctx context.Context, roomID domain.RoomIDType) (domain.UserIDType, bool, error)
}

// MembershipLister is the subset of room membership the engine reads.
type MembershipLister interface {
	Members(ctx context.Context, roomID domain.RoomIDType) ([]domain.Membership, error)
}

type mutinyKey struct {
	room   domain.RoomIDType
	target domain.UserIDType
}

// Engine is the Vote Engine for all rooms a process serves.
type Engine struct {
	mu       sync.Mutex
	sessions map[domain.RoomIDType]*domain.VoteSession
	seq      int64

	ballots     BallotStore
	publisher   Publisher
	dj          DJControl
	memberships MembershipLister

	timeout        time.Duration
	mutinyCooldown time.Duration
	lastFailedMutiny map[mutinyKey]time.Time

	afterFunc func(time.Duration, func()) *time.Timer
}

func New(ballots BallotStore, publisher Publisher, dj DJControl, memberships MembershipLister, timeout, mutinyCooldown time.Duration) *Engine {
	return &Engine{
		sessions:         make(map[domain.RoomIDType]*domain.VoteSession),
		ballots:          ballots,
		publisher:        publisher,
		dj:               dj,
		memberships:      memberships,
		timeout:          timeout,
		mutinyCooldown:   mutinyCooldown,
		lastFailedMutiny: make(map[mutinyKey]time.Time),
		afterFunc:        time.AfterFunc,
	}
}

// StartedEvent is the payload of vote:election-started / vote:mutiny-started.
type StartedEvent struct {
	SessionID domain.VoteSessionIDType `json:"sessionId"`
	Initiator domain.UserIDType        `json:"initiator"`
	Target    domain.UserIDType        `json:"target,omitempty"`
}

// ResultsUpdatedEvent is the payload of vote:results-updated.
type ResultsUpdatedEvent struct {
	SessionID domain.VoteSessionIDType `json:"sessionId"`
	BallotsCast int                    `json:"ballotsCast"`
	Eligible    int                    `json:"eligible"`
}

// CompleteEvent is the payload of vote:complete.
type CompleteEvent struct {
	SessionID domain.VoteSessionIDType  `json:"sessionId"`
	Outcome   domain.VoteSessionOutcome `json:"outcome"`
	Winner    domain.UserIDType         `json:"winner,omitempty"`
}

// OpenElection opens a DJ election; room must have at least two members and
// no pending vote.
func (e *Engine) OpenElection(ctx context.Context, roomID domain.RoomIDType, initiator domain.UserIDType) (*domain.VoteSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.sessions[roomID]; pending {
		return nil, roomerr.Conflictf("a vote is already open in this room")
	}

	members, err := e.memberships.Members(ctx, roomID)
	if err != nil {
		return nil, roomerr.Internalf("failed to list members: %v", err)
	}
	if len(members) < 2 {
		return nil, roomerr.InvalidInputf("an election requires at least 2 members")
	}

	session := e.newSession(roomID, domain.VoteSessionElection, initiator, "", 0, members)
	e.sessions[roomID] = session
	e.armTimeout(roomID, session.ID)

	if err := e.publisher.Publish(ctx, string(roomID), "vote:election-started", StartedEvent{SessionID: session.ID, Initiator: initiator}, string(initiator), nil); err != nil {
		return nil, roomerr.Internalf("failed to broadcast vote:election-started: %v", err)
	}
	return session, nil
}

// OpenMutiny opens a mutiny against the current DJ; threshold is the room's
// configured mutiny_threshold.
func (e *Engine) OpenMutiny(ctx context.Context, roomID domain.RoomIDType, initiator domain.UserIDType, threshold float64) (*domain.VoteSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.sessions[roomID]; pending {
		return nil, roomerr.Conflictf("a vote is already open in this room")
	}

	current, hasDJ, err := e.dj.Current(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !hasDJ {
		return nil, roomerr.InvalidInputf("room has no dj to mutiny against")
	}
	if initiator == current {
		return nil, roomerr.Forbiddenf("the dj cannot initiate a mutiny against themself")
	}

	key := mutinyKey{room: roomID, target: current}
	if failedAt, ok := e.lastFailedMutiny[key]; ok && time.Since(failedAt) < e.mutinyCooldown {
		return nil, roomerr.Conflictf("a mutiny against this dj failed recently; cooldown still in effect")
	}

	members, err := e.memberships.Members(ctx, roomID)
	if err != nil {
		return nil, roomerr.Internalf("failed to list members: %v", err)
	}

	eligible := make([]domain.Membership, 0, len(members))
	for _, m := range members {
		if m.UserID != current {
			eligible = append(eligible, m)
		}
	}

	session := e.newSession(roomID, domain.VoteSessionMutiny, initiator, current, threshold, eligible)
	e.sessions[roomID] = session
	e.armTimeout(roomID, session.ID)

	if err := e.publisher.Publish(ctx, string(roomID), "vote:mutiny-started", StartedEvent{SessionID: session.ID, Initiator: initiator, Target: current}, string(initiator), nil); err != nil {
		return nil, roomerr.Internalf("failed to broadcast vote:mutiny-started: %v", err)
	}
	return session, nil
}

func (e *Engine) newSession(roomID domain.RoomIDType, typ domain.VoteSessionType, initiator, target domain.UserIDType, threshold float64, eligibleMembers []domain.Membership) *domain.VoteSession {
	e.seq++
	eligible := make(map[domain.UserIDType]struct{}, len(eligibleMembers))
	order := make([]domain.UserIDType, 0, len(eligibleMembers))
	for _, m := range eligibleMembers {
		eligible[m.UserID] = struct{}{}
		order = append(order, m.UserID)
	}
	return &domain.VoteSession{
		ID:               domain.VoteSessionIDType(fmt.Sprintf("%s-vote-%d", roomID, e.seq)),
		RoomID:           roomID,
		Type:             typ,
		Initiator:        initiator,
		Target:           target,
		Threshold:        threshold,
		EligibleVoterSet: eligible,
		EligibleOrder:    order,
		Ballots:          make(map[domain.UserIDType]string),
		OpenedAt:         time.Now(),
		Outcome:          domain.OutcomePending,
	}
}

func (e *Engine) armTimeout(roomID domain.RoomIDType, sessionID domain.VoteSessionIDType) {
	if e.timeout <= 0 {
		return
	}
	e.afterFunc(e.timeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		session, ok := e.sessions[roomID]
		if !ok || session.ID != sessionID || session.Outcome != domain.OutcomePending {
			return
		}
		e.finalize(context.Background(), session, domain.OutcomeFailed, "")
	})
}

// Cast records a ballot. choice is a user ID for an election, or "yes"/"no"
// for a mutiny.
func (e *Engine) Cast(ctx context.Context, roomID domain.RoomIDType, voter domain.UserIDType, choice string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, ok := e.sessions[roomID]
	if !ok || session.Outcome != domain.OutcomePending {
		return roomerr.NotFoundf("no open vote in this room")
	}
	if _, eligible := session.EligibleVoterSet[voter]; !eligible {
		return roomerr.Forbiddenf("voter is not eligible for this vote")
	}
	if session.Type == domain.VoteSessionMutiny && choice != "yes" && choice != "no" {
		return roomerr.InvalidInputf("mutiny ballots must be yes or no")
	}
	if session.Type == domain.VoteSessionElection {
		if _, eligible := session.EligibleVoterSet[domain.UserIDType(choice)]; !eligible {
			return roomerr.InvalidInputf("election ballots must name an eligible member")
		}
	}

	ballotKey := fmt.Sprintf("vote:%s:ballot:%s", session.ID, voter)
	claimed, err := e.ballots.CompareAndSwap(ctx, ballotKey, "", choice)
	if err != nil {
		return roomerr.Internalf("failed to record ballot: %v", err)
	}
	if !claimed {
		return nil // already voted; a reconnect re-send is a harmless no-op
	}

	session.Ballots[voter] = choice

	if err := e.publisher.Publish(ctx, string(roomID), "vote:results-updated",
		ResultsUpdatedEvent{SessionID: session.ID, BallotsCast: len(session.Ballots), Eligible: len(session.EligibleVoterSet)},
		string(voter), nil); err != nil {
		return roomerr.Internalf("failed to broadcast vote:results-updated: %v", err)
	}

	return e.reevaluate(ctx, session)
}

// reevaluate must be called while holding e.mu.
func (e *Engine) reevaluate(ctx context.Context, session *domain.VoteSession) error {
	eligible := len(session.EligibleVoterSet)
	cast := len(session.Ballots)

	if session.Type == domain.VoteSessionMutiny {
		yes := 0
		for _, choice := range session.Ballots {
			if choice == "yes" {
				yes++
			}
		}
		yesShare := float64(yes) / float64(eligible)
		if yesShare >= session.Threshold {
			return e.finalize(ctx, session, domain.OutcomePassed, "")
		}
		neededYes := int(math.Ceil(session.Threshold * float64(eligible)))
		remainingUnvoted := eligible - cast
		if remainingUnvoted+yes < neededYes {
			return e.finalize(ctx, session, domain.OutcomeFailed, "")
		}
		if cast == eligible {
			return e.finalize(ctx, session, domain.OutcomeFailed, "")
		}
		return nil
	}

	// election: no numeric threshold — finalize once every eligible voter
	// has cast a ballot; a timeout before that yields a failed vote rather
	// than crowning a winner off partial turnout.
	if cast == eligible {
		winner := electionWinner(session)
		return e.finalize(ctx, session, domain.OutcomePassed, winner)
	}
	return nil
}

// electionWinner picks the candidate with the most ballots; ties are broken
// by earliest joined_at, using EligibleOrder (already join-order-sorted by
// the caller).
func electionWinner(session *domain.VoteSession) domain.UserIDType {
	tally := make(map[domain.UserIDType]int)
	for _, choice := range session.Ballots {
		tally[domain.UserIDType(choice)]++
	}
	var winner domain.UserIDType
	best := -1
	for _, candidate := range session.EligibleOrder {
		count, ok := tally[candidate]
		if !ok {
			continue
		}
		if count > best {
			best, winner = count, candidate
		}
	}
	return winner
}

func (e *Engine) finalize(ctx context.Context, session *domain.VoteSession, outcome domain.VoteSessionOutcome, winner domain.UserIDType) error {
	session.Outcome = outcome
	session.ClosedAt = time.Now()
	delete(e.sessions, session.RoomID)

	metrics.VoteSessionsTotal.WithLabelValues(string(session.Type), string(outcome)).Inc()

	if outcome == domain.OutcomePassed {
		if session.Type == domain.VoteSessionElection {
			if err := e.dj.SetByVote(ctx, session.RoomID, winner); err != nil {
				return roomerr.Internalf("failed to install elected dj: %v", err)
			}
		} else {
			if err := e.dj.RemoveByMutiny(ctx, session.RoomID); err != nil {
				return roomerr.Internalf("failed to remove mutinied dj: %v", err)
			}
		}
	}

	if session.Type == domain.VoteSessionMutiny && outcome == domain.OutcomeFailed {
		e.lastFailedMutiny[mutinyKey{room: session.RoomID, target: session.Target}] = time.Now()
	}

	return e.publisher.Publish(ctx, string(session.RoomID), "vote:complete",
		CompleteEvent{SessionID: session.ID, Outcome: outcome, Winner: winner},
		string(session.Initiator), nil)
}

// Cancel closes the pending vote without a winner — used when the room
// deactivates or the mutiny target leaves.
func (e *Engine) Cancel(ctx context.Context, roomID domain.RoomIDType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, ok := e.sessions[roomID]
	if !ok || session.Outcome != domain.OutcomePending {
		return nil
	}
	return e.finalize(ctx, session, domain.OutcomeCancelled, "")
}

// Pending returns the room's open vote session, if any.
func (e *Engine) Pending(roomID domain.RoomIDType) (*domain.VoteSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[roomID]
	return session, ok
}
