// Package domain holds the room server's core data model: its entities,
// their attributes, and the small invariants that are cheap to check
// locally (more expensive invariants live in the owning component — Vote
// Engine, Queue Engine, DJ State Machine).
package domain

import "time"

// RoleType is a member's role within a room.
type RoleType string

const (
	RoleOwner    RoleType = "owner"
	RoleDJ       RoleType = "dj"
	RoleListener RoleType = "listener"
)

type (
	UserIDType       string
	RoomIDType       string
	RoomCodeType     string
	SubmissionIDType string
	VoteSessionIDType string
	ConnectionIDType string
)

// RoomSettings bounds the tunable per-room knobs.
type RoomSettings struct {
	MaxMembers        int     `json:"maxMembers"`
	MutinyThreshold   float64 `json:"mutinyThreshold"`
	DJCooldownMinutes int     `json:"djCooldownMinutes"`
	AutoRandomizeDJ   bool    `json:"autoRandomizeDj"`
}

// DefaultRoomSettings returns the settings a newly created room starts with,
// per the configured defaults (not hardcoded — callers fill these from config).
func DefaultRoomSettings(maxMembers int, mutinyThreshold float64) RoomSettings {
	return RoomSettings{
		MaxMembers:        maxMembers,
		MutinyThreshold:   mutinyThreshold,
		DJCooldownMinutes: 0,
		AutoRandomizeDJ:   false,
	}
}

// User is a minimal identity row: enough to satisfy the owner_id,
// submitter_id, and voter_id foreign keys elsewhere in the data model.
// Profile detail (avatar, auth provider) lives with the identity provider,
// not here.
type User struct {
	ID          UserIDType `json:"id"`
	DisplayName string     `json:"displayName"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Room is the top-level aggregate: identity, settings, and active flag.
type Room struct {
	ID           RoomIDType   `json:"id"`
	Code         RoomCodeType `json:"code"`
	Name         string       `json:"name"`
	PasswordHash string       `json:"-"`
	OwnerID      UserIDType   `json:"ownerId"`
	Settings     RoomSettings `json:"settings"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Membership is the (room, user) pairing with a role.
type Membership struct {
	RoomID     RoomIDType `json:"roomId"`
	UserID     UserIDType `json:"userId"`
	Role       RoleType   `json:"role"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LastActive time.Time  `json:"lastActive"`
}

// MediaRef is the parsed, resolved media metadata for a submission.
type MediaRef struct {
	URL             string  `json:"url"`
	VideoID         string  `json:"videoId"`
	Title           string  `json:"title"`
	Channel         string  `json:"channel"`
	Thumbnail       string  `json:"thumbnail"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Submission is a queue entry: a member's proposed track plus its tally.
type Submission struct {
	ID          SubmissionIDType `json:"id"`
	RoomID      RoomIDType       `json:"roomId"`
	SubmitterID UserIDType       `json:"submitterId"`
	Media       MediaRef         `json:"media"`
	UpCount     int              `json:"upCount"`
	DownCount   int              `json:"downCount"`
	Played      bool             `json:"played"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// NetScore is up_count minus down_count, the queue's ordering key.
func (s Submission) NetScore() int {
	return s.UpCount - s.DownCount
}

// BallotChoice is a per-submission up/down vote.
type BallotChoice int

const (
	BallotDown BallotChoice = -1
	BallotUp   BallotChoice = 1
)

// ActivePlaybackRecord is the transient per-room now-playing state.
type ActivePlaybackRecord struct {
	RoomID             RoomIDType       `json:"roomId"`
	SubmissionID       SubmissionIDType `json:"submissionId"`
	Media              MediaRef         `json:"media"`
	StartAtServerTime  int64            `json:"startAtServerTime"`
	StartedBy          UserIDType       `json:"startedBy"`
	IsPlaying          bool             `json:"isPlaying"`
}

// VoteSessionType distinguishes an election from a mutiny.
type VoteSessionType string

const (
	VoteSessionElection VoteSessionType = "dj_election"
	VoteSessionMutiny   VoteSessionType = "mutiny"
)

// VoteSessionOutcome is the terminal state of a vote session.
type VoteSessionOutcome string

const (
	OutcomePending   VoteSessionOutcome = "pending"
	OutcomePassed    VoteSessionOutcome = "passed"
	OutcomeFailed    VoteSessionOutcome = "failed"
	OutcomeCancelled VoteSessionOutcome = "cancelled"
)

// VoteSession is the shared election/mutiny state machine's aggregate.
type VoteSession struct {
	ID                VoteSessionIDType     `json:"id"`
	RoomID            RoomIDType            `json:"roomId"`
	Type              VoteSessionType       `json:"type"`
	Initiator         UserIDType            `json:"initiator"`
	Target            UserIDType            `json:"target,omitempty"`
	Threshold         float64               `json:"threshold"`
	EligibleVoterSet  map[UserIDType]struct{} `json:"-"`
	// EligibleOrder lists EligibleVoterSet's members in join order, earliest
	// first, so tie-breaks can be resolved deterministically.
	EligibleOrder     []UserIDType          `json:"-"`
	Ballots           map[UserIDType]string `json:"-"`
	OpenedAt          time.Time             `json:"openedAt"`
	ClosedAt          time.Time             `json:"closedAt,omitempty"`
	Outcome           VoteSessionOutcome    `json:"outcome"`
}

// PerConnectionSyncRecord is the clock-sync state kept per open connection.
type PerConnectionSyncRecord struct {
	ConnectionID  ConnectionIDType `json:"connectionId"`
	ClockOffsetMs int64            `json:"clockOffsetMs"`
	LastRTTMs     int64            `json:"lastRttMs"`
	LastUpdated   time.Time        `json:"lastUpdated"`
}

// DJTransitionReason is why a DJ slot changed hands.
type DJTransitionReason string

const (
	ReasonVoluntary DJTransitionReason = "voluntary"
	ReasonVote      DJTransitionReason = "vote"
	ReasonMutiny    DJTransitionReason = "mutiny"
	ReasonRandomize DJTransitionReason = "randomize"
	ReasonTimeout   DJTransitionReason = "timeout"
	ReasonOwnerSet  DJTransitionReason = "owner_set"
)

// DJHistoryEntry is an append-only audit row for every DJ transition.
type DJHistoryEntry struct {
	RoomID     RoomIDType         `json:"roomId"`
	UserID     UserIDType         `json:"userId"`
	BecameDJAt time.Time          `json:"becameDjAt"`
	RemovedAt  time.Time          `json:"removedAt,omitempty"`
	Reason     DJTransitionReason `json:"reason"`
}

// Message is a persisted chat line (best-effort, no ordering guarantee).
type Message struct {
	ID        int64      `json:"id"`
	RoomID    RoomIDType `json:"roomId"`
	UserID    UserIDType `json:"userId"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
}
