// Package djstate implements the single per-room DJ slot: its authorized
// transitions, the membership-role and history side effects every
// transition carries, and the post-mutiny cooldown.
//
// Every transition follows the same shape: compare-and-swap the shared slot,
// then promote or demote roles and record history, then broadcast.
package djstate

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

// SlotStore is the CAS half of the Shared-State Store; every DJ slot
// transition goes through a single compare-and-swap so concurrent attempts
// resolve to exactly one winner.
type SlotStore interface {
	Get(ctx context.Context, key string) (string, error)
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string) (bool, error)
}

// MembershipStore is the subset of room membership the machine mutates and
// reads.
type MembershipStore interface {
	SetRole(ctx context.Context, roomID domain.RoomIDType, userID domain.UserIDType, role domain.RoleType) error
	Members(ctx context.Context, roomID domain.RoomIDType) ([]domain.Membership, error)
}

// HistoryStore is the append-only DJ History ledger.
type HistoryStore interface {
	Append(ctx context.Context, entry domain.DJHistoryEntry) error
	LastRemoval(ctx context.Context, roomID domain.RoomIDType, userID domain.UserIDType, reason domain.DJTransitionReason) (time.Time, bool, error)
}

// PlaybackStopper lets Remove stop an orphaned playback without an import
// cycle between djstate and playback.
type PlaybackStopper interface {
	Stop(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType) error
	IsPlaying(ctx context.Context, roomID domain.RoomIDType) (bool, domain.ActivePlaybackRecord, error)
}

// Publisher is the subset of the Broadcast Fabric the machine needs.
type Publisher interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error
}

// Machine is the DJ State Machine for all rooms a process serves.
type Machine struct {
	slot        SlotStore
	memberships MembershipStore
	history     HistoryStore
	playback    PlaybackStopper
	publisher   Publisher
	cooldown    time.Duration
}

func New(slot SlotStore, memberships MembershipStore, history HistoryStore, playback PlaybackStopper, publisher Publisher, cooldown time.Duration) *Machine {
	return &Machine{
		slot:        slot,
		memberships: memberships,
		history:     history,
		playback:    playback,
		publisher:   publisher,
		cooldown:    cooldown,
	}
}

func slotKey(roomID domain.RoomIDType) string {
	return fmt.Sprintf("room:%s:dj", roomID)
}

// Current returns the room's current DJ, if any.
func (m *Machine) Current(ctx context.Context, roomID domain.RoomIDType) (domain.UserIDType, bool, error) {
	v, err := m.slot.Get(ctx, slotKey(roomID))
	if err != nil {
		return "", false, roomerr.Internalf("failed to read dj slot: %v", err)
	}
	if v == "" {
		return "", false, nil
	}
	return domain.UserIDType(v), true, nil
}

// ChangedEvent is the payload of a dj:changed broadcast.
type ChangedEvent struct {
	UserID domain.UserIDType        `json:"userId"`
	Reason domain.DJTransitionReason `json:"reason"`
}

// SetByOwner assigns the DJ slot directly. actor must hold role owner and
// target must be a current member.
func (m *Machine) SetByOwner(ctx context.Context, roomID domain.RoomIDType, actorRole domain.RoleType, target domain.UserIDType) error {
	if actorRole != domain.RoleOwner {
		return roomerr.Forbiddenf("only the room owner may assign the dj slot directly")
	}
	if err := m.requireMember(ctx, roomID, target); err != nil {
		return err
	}
	if err := m.CooldownCheck(ctx, roomID, target); err != nil {
		return err
	}
	return m.transition(ctx, roomID, target, domain.ReasonOwnerSet)
}

// SetByVote is called only by the Vote Engine on a passed election.
func (m *Machine) SetByVote(ctx context.Context, roomID domain.RoomIDType, target domain.UserIDType) error {
	return m.transition(ctx, roomID, target, domain.ReasonVote)
}

// RemoveByMutiny is called only by the Vote Engine on a passed mutiny.
func (m *Machine) RemoveByMutiny(ctx context.Context, roomID domain.RoomIDType) error {
	return m.Remove(ctx, roomID, domain.ReasonMutiny)
}

// Remove clears the DJ slot with the given reason and writes the
// corresponding history row. If playback is active and no successor is
// assigned in the same call, it is stopped.
func (m *Machine) Remove(ctx context.Context, roomID domain.RoomIDType, reason domain.DJTransitionReason) error {
	current, ok, err := m.Current(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // nothing to remove
	}

	swapped, err := m.slot.CompareAndSwap(ctx, slotKey(roomID), string(current), "")
	if err != nil {
		return roomerr.Internalf("failed to clear dj slot: %v", err)
	}
	if !swapped {
		return roomerr.Conflictf("dj slot changed concurrently")
	}

	if err := m.memberships.SetRole(ctx, roomID, current, domain.RoleListener); err != nil {
		return roomerr.Internalf("failed to demote outgoing dj: %v", err)
	}
	if err := m.history.Append(ctx, domain.DJHistoryEntry{RoomID: roomID, UserID: current, RemovedAt: time.Now(), Reason: reason}); err != nil {
		return roomerr.Internalf("failed to append dj history: %v", err)
	}
	metrics.DJTransitionsTotal.WithLabelValues(string(reason)).Inc()

	if playing, _, err := m.playback.IsPlaying(ctx, roomID); err == nil && playing {
		if err := m.playback.Stop(ctx, roomID, current); err != nil {
			return roomerr.Internalf("failed to stop orphaned playback: %v", err)
		}
	}

	if err := m.publisher.Publish(ctx, string(roomID), "dj:removed", ChangedEvent{UserID: current, Reason: reason}, string(current), nil); err != nil {
		return roomerr.Internalf("failed to broadcast dj:removed: %v", err)
	}
	return nil
}

// Randomize picks a member uniformly at random, excluding the current DJ if
// other candidates exist. actor must be the owner or the current DJ.
func (m *Machine) Randomize(ctx context.Context, roomID domain.RoomIDType, actor domain.UserIDType, actorRole domain.RoleType) (domain.UserIDType, error) {
	current, hasDJ, err := m.Current(ctx, roomID)
	if err != nil {
		return "", err
	}
	if actorRole != domain.RoleOwner && actor != current {
		return "", roomerr.Forbiddenf("only the owner or the current dj may randomize the dj slot")
	}

	members, err := m.memberships.Members(ctx, roomID)
	if err != nil {
		return "", roomerr.Internalf("failed to list members: %v", err)
	}

	candidates := make([]domain.UserIDType, 0, len(members))
	for _, mem := range members {
		if hasDJ && mem.UserID == current && len(members) > 1 {
			continue
		}
		candidates = append(candidates, mem.UserID)
	}
	if len(candidates) == 0 {
		return current, nil // no members to pick from: no-op
	}

	pick := candidates[rand.Intn(len(candidates))]
	if pick == current {
		return current, nil
	}
	if err := m.transition(ctx, roomID, pick, domain.ReasonRandomize); err != nil {
		return "", err
	}
	return pick, nil
}

// CooldownCheck rejects candidate if they were removed within the
// configured cooldown window by reason mutiny; other reasons impose no
// cooldown.
func (m *Machine) CooldownCheck(ctx context.Context, roomID domain.RoomIDType, candidate domain.UserIDType) error {
	if m.cooldown <= 0 {
		return nil
	}
	removedAt, found, err := m.history.LastRemoval(ctx, roomID, candidate, domain.ReasonMutiny)
	if err != nil {
		return roomerr.Internalf("failed to check dj cooldown: %v", err)
	}
	if found && time.Since(removedAt) < m.cooldown {
		return roomerr.Conflictf("candidate is within the post-mutiny dj cooldown window")
	}
	return nil
}

func (m *Machine) requireMember(ctx context.Context, roomID domain.RoomIDType, target domain.UserIDType) error {
	members, err := m.memberships.Members(ctx, roomID)
	if err != nil {
		return roomerr.Internalf("failed to list members: %v", err)
	}
	for _, mem := range members {
		if mem.UserID == target {
			return nil
		}
	}
	return roomerr.InvalidInputf("target %s is not a current member", target)
}

func (m *Machine) transition(ctx context.Context, roomID domain.RoomIDType, newDJ domain.UserIDType, reason domain.DJTransitionReason) error {
	current, hadCurrent, err := m.Current(ctx, roomID)
	if err != nil {
		return err
	}

	oldValue := ""
	if hadCurrent {
		oldValue = string(current)
	}
	swapped, err := m.slot.CompareAndSwap(ctx, slotKey(roomID), oldValue, string(newDJ))
	if err != nil {
		return roomerr.Internalf("failed to assign dj slot: %v", err)
	}
	if !swapped {
		return roomerr.Conflictf("dj slot changed concurrently")
	}

	if hadCurrent && current != newDJ {
		if err := m.memberships.SetRole(ctx, roomID, current, domain.RoleListener); err != nil {
			return roomerr.Internalf("failed to demote outgoing dj: %v", err)
		}
		if err := m.history.Append(ctx, domain.DJHistoryEntry{RoomID: roomID, UserID: current, RemovedAt: time.Now(), Reason: reason}); err != nil {
			return roomerr.Internalf("failed to append dj history: %v", err)
		}
	}

	if err := m.memberships.SetRole(ctx, roomID, newDJ, domain.RoleDJ); err != nil {
		return roomerr.Internalf("failed to promote incoming dj: %v", err)
	}
	if err := m.history.Append(ctx, domain.DJHistoryEntry{RoomID: roomID, UserID: newDJ, BecameDJAt: time.Now(), Reason: reason}); err != nil {
		return roomerr.Internalf("failed to append dj history: %v", err)
	}
	metrics.DJTransitionsTotal.WithLabelValues(string(reason)).Inc()

	return m.publisher.Publish(ctx, string(roomID), "dj:changed", ChangedEvent{UserID: newDJ, Reason: reason}, string(newDJ), nil)
}
