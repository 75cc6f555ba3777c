// Package roomserver is the central coordinator for rooms: it upgrades
// WebSocket connections, routes client messages to the domain engines
// (clock-sync, playback, queue, vote, DJ state), and fans state changes back
// out over the websocket and the Shared Broadcast Fabric.
package roomserver

import (
	"encoding/json"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// Event names the kind of a Message envelope. Event strings are shared with
// the domain engines' Publisher calls, so a cross-pod relayed event and a
// locally originated one carry the identical wire name.
type Event string

const (
	EventRoomState     Event = "room:state"
	EventMemberJoined  Event = "room:member_joined"
	EventMemberLeft    Event = "room:member_left"
	EventChatSend      Event = "chat:send"
	EventClockPing     Event = "clock:ping"
	EventClockPong     Event = "clock:pong"
	EventClockReport   Event = "clock:report"
	EventQueueSubmit   Event = "queue:submit"
	EventQueueUpvote   Event = "queue:upvote"
	EventQueueDownvote Event = "queue:downvote"
	EventQueueClear    Event = "queue:clear_vote"
	EventQueueRemove   Event = "queue:remove"
	EventQueueUpdated  Event = "queue:updated"
	EventPlaybackStart Event = "playback:start"
	EventPlaybackPause Event = "playback:pause"
	EventPlaybackStop  Event = "playback:stop"
	EventPlaybackEnded Event = "playback:report_ended"
	EventPlaybackState Event = "playback:state"
	EventDJSetOwner    Event = "dj:set_by_owner"
	EventDJRandomize   Event = "dj:randomize"
	EventDJRemoved     Event = "dj:removed"
	EventDJChanged     Event = "dj:changed"
	EventVoteOpenElect Event = "vote:open_election"
	EventVoteOpenMut   Event = "vote:open_mutiny"
	EventVoteCast      Event = "vote:cast"
	EventVoteCancel    Event = "vote:cancel"
	EventVoteElectStart Event = "vote:election-started"
	EventVoteMutinyStart Event = "vote:mutiny-started"
	EventVoteResults   Event = "vote:results-updated"
	EventVoteComplete  Event = "vote:complete"
	EventPing          Event = "ping"
	EventException     Event = "exception"
)

// Message is the JSON envelope every WebSocket frame carries in both
// directions: an event name plus an opaque payload the handler for that
// event knows how to decode.
type Message struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// assertPayload decodes a Message's raw payload into T. Handlers call this
// once at the top and bail out on a decode failure rather than trusting a
// zero-value T.
func assertPayload[T any](raw json.RawMessage) (T, bool) {
	var out T
	if len(raw) == 0 {
		return out, true
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}

// ChatPayload is a posted chat line.
type ChatPayload struct {
	Content string `json:"content"`
}

// SubmitPayload names a URL to resolve and enqueue.
type SubmitPayload struct {
	URL string `json:"url"`
}

// SubmissionIDPayload targets an existing queue entry.
type SubmissionIDPayload struct {
	SubmissionID domain.SubmissionIDType `json:"submissionId"`
}

// ClockPingPayload carries the client's send timestamp for offset estimation.
type ClockPingPayload struct {
	ClientT0Ms int64 `json:"clientT0Ms"`
}

// ClockReportPayload carries a client-measured round-trip time.
type ClockReportPayload struct {
	RTTMs int64 `json:"rttMs"`
}

// DJSetPayload targets a member to promote to DJ.
type DJSetPayload struct {
	UserID domain.UserIDType `json:"userId"`
}

// OpenMutinyPayload configures a mutiny vote's threshold override.
type OpenMutinyPayload struct {
	Threshold float64 `json:"threshold,omitempty"`
}

// CastVotePayload is a single ballot: "yes"/"no" for a mutiny, a member ID
// for an election.
type CastVotePayload struct {
	Choice string `json:"choice"`
}

// ReportEndedPayload names which submission the client believes just ended.
type ReportEndedPayload struct {
	SubmissionID domain.SubmissionIDType `json:"submissionId"`
}

// ClockPongPayload is the direct reply to clock:ping.
type ClockPongPayload struct {
	ClientT0 int64 `json:"clientT0"`
	ServerT1 int64 `json:"serverT1"`
	ServerT2 int64 `json:"serverT2"`
}

// ExceptionPayload is the single error-reply shape sent to a client when a
// handler rejects its message.
type ExceptionPayload struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// MemberView is one entry in a room:state snapshot's member list.
type MemberView struct {
	UserID      domain.UserIDType `json:"userId"`
	DisplayName string            `json:"displayName"`
	Role        domain.RoleType   `json:"role"`
	JoinedAt    int64             `json:"joinedAt"`
}

// MemberJoinedPayload / MemberLeftPayload announce membership changes.
type MemberJoinedPayload struct {
	UserID      domain.UserIDType `json:"userId"`
	DisplayName string            `json:"displayName"`
	Role        domain.RoleType   `json:"role"`
}

type MemberLeftPayload struct {
	UserID domain.UserIDType `json:"userId"`
}

// RoomStatePayload is the full reconciliation snapshot sent on connect,
// ahead of any delta event.
type RoomStatePayload struct {
	RoomID   domain.RoomIDType      `json:"roomId"`
	Code     domain.RoomCodeType    `json:"code"`
	Name     string                 `json:"name"`
	OwnerID  domain.UserIDType      `json:"ownerId"`
	DJID     domain.UserIDType      `json:"djId,omitempty"`
	Members  []MemberView           `json:"members"`
	Queue    any                    `json:"queue"`
	Playback any                    `json:"playback"`
	Vote     *domain.VoteSession    `json:"vote,omitempty"`
	YourRole domain.RoleType        `json:"yourRole"`
}

// PlaybackStatePayload mirrors domain.ActivePlaybackRecord for the wire,
// plus server_now_ms so clients can compute position without trusting
// their own clock.
type PlaybackStatePayload struct {
	Playing           bool                     `json:"playing"`
	Media             domain.MediaRef          `json:"media,omitempty"`
	StartAtServerTime int64                    `json:"startAtServerTime,omitempty"`
	ServerNowMs       int64                    `json:"serverNowMs"`
}
