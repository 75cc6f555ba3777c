package roomserver

import (
	"context"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/playback"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

// router dispatches one decoded client message to its handler via a single
// typed table keyed by event name, timing the dispatch and counting
// outcomes.
func (r *Room) router(ctx context.Context, client *Client, msg Message) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), status).Inc()
	}()

	var err error
	switch msg.Event {
	case EventChatSend:
		err = r.handleChatSend(ctx, client, msg)
	case EventClockPing:
		err = r.handleClockPing(ctx, client, msg)
	case EventClockReport:
		err = r.handleClockReport(ctx, client, msg)
	case EventQueueSubmit:
		err = r.handleQueueSubmit(ctx, client, msg)
	case EventQueueUpvote:
		err = r.handleQueueVote(ctx, client, msg, domain.BallotUp)
	case EventQueueDownvote:
		err = r.handleQueueVote(ctx, client, msg, domain.BallotDown)
	case EventQueueClear:
		err = r.handleQueueClearVote(ctx, client, msg)
	case EventQueueRemove:
		err = r.handleQueueRemove(ctx, client, msg)
	case EventPlaybackStart:
		err = r.handlePlaybackStart(ctx, client, msg)
	case EventPlaybackPause:
		err = r.handlePlaybackPause(ctx, client)
	case EventPlaybackStop:
		err = r.handlePlaybackStop(ctx, client)
	case EventPlaybackEnded:
		err = r.handlePlaybackEnded(ctx, client, msg)
	case EventDJSetOwner:
		err = r.handleDJSet(ctx, client, msg)
	case EventDJRandomize:
		err = r.handleDJRandomize(ctx, client)
	case EventVoteOpenElect:
		err = r.handleVoteOpenElection(ctx, client)
	case EventVoteOpenMut:
		err = r.handleVoteOpenMutiny(ctx, client, msg)
	case EventVoteCast:
		err = r.handleVoteCast(ctx, client, msg)
	case EventVoteCancel:
		err = r.handleVoteCancel(ctx, client)
	case EventPing:
		// heartbeat; no reply required.
	default:
		err = roomerr.InvalidInputf("unrecognized event %q", msg.Event)
	}

	if err != nil {
		status = "error"
		r.sendException(client, err)
	}
}

func (r *Room) handleChatSend(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[ChatPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed chat payload")
	}
	if payload.Content == "" {
		return roomerr.InvalidInputf("chat content must not be empty")
	}
	if _, err := r.deps.Store.InsertMessage(ctx, domain.Message{
		RoomID: r.id, UserID: client.ID, Content: payload.Content, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return roomerr.Internalf("failed to persist chat message: %v", err)
	}
	return r.publishEvent(ctx, EventChatSend, payload, client.ID, nil)
}

func (r *Room) handleClockPing(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[ClockPingPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed clock ping payload")
	}
	result := r.clock.Ping(ctx, string(client.ConnID), payload.ClientT0Ms)
	client.sendMessage(EventClockPong, ClockPongPayload{
		ClientT0: result.ClientT0, ServerT1: result.ServerT1, ServerT2: result.ServerT2,
	})
	return nil
}

func (r *Room) handleClockReport(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[ClockReportPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed clock report payload")
	}
	r.clock.Report(ctx, string(client.ConnID), payload.RTTMs)
	return nil
}

func (r *Room) handleQueueSubmit(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[SubmitPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed submit payload")
	}
	_, err := r.deps.Queue.Submit(ctx, r.id, client.ID, payload.URL)
	return err
}

func (r *Room) handleQueueVote(ctx context.Context, client *Client, msg Message, choice domain.BallotChoice) error {
	payload, ok := assertPayload[SubmissionIDPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed vote payload")
	}
	if choice == domain.BallotUp {
		return r.deps.Queue.Upvote(ctx, r.id, payload.SubmissionID, client.ID)
	}
	return r.deps.Queue.Downvote(ctx, r.id, payload.SubmissionID, client.ID)
}

func (r *Room) handleQueueClearVote(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[SubmissionIDPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed clear-vote payload")
	}
	return r.deps.Queue.ClearVote(ctx, r.id, payload.SubmissionID, client.ID)
}

func (r *Room) handleQueueRemove(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[SubmissionIDPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed remove payload")
	}
	return r.deps.Queue.Remove(ctx, r.id, payload.SubmissionID, client.ID, client.GetRole())
}

// recentRTTs gathers the last reported RTT for every locally-connected
// member, the sample the Playback Coordinator's lead-time percentile is
// computed over.
func (r *Room) recentRTTs(ctx context.Context) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.clients))
	for _, c := range r.clients {
		if rtt, ok := r.clock.RecentRTT(ctx, string(c.ConnID)); ok {
			out = append(out, rtt)
		}
	}
	return out
}

func (r *Room) authorizePlaybackActor(ctx context.Context, client *Client) error {
	_, djPresent, err := r.deps.DJ.Current(ctx, r.id)
	if err != nil {
		return err
	}
	return playback.Authorize(client.GetRole(), djPresent)
}

func (r *Room) handlePlaybackStart(ctx context.Context, client *Client, msg Message) error {
	if err := r.authorizePlaybackActor(ctx, client); err != nil {
		return err
	}
	payload, ok := assertPayload[SubmissionIDPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed playback start payload")
	}
	entries := r.deps.Queue.List(r.id, client.ID)
	var media domain.MediaRef
	found := false
	for _, e := range entries {
		if e.ID == payload.SubmissionID {
			media = e.Media
			found = true
			break
		}
	}
	if !found {
		return roomerr.NotFoundf("submission %s not found in queue", payload.SubmissionID)
	}
	_, err := r.deps.Playback.Start(ctx, r.id, client.ID, payload.SubmissionID, media, r.recentRTTs(ctx))
	return err
}

func (r *Room) handlePlaybackPause(ctx context.Context, client *Client) error {
	if err := r.authorizePlaybackActor(ctx, client); err != nil {
		return err
	}
	return r.deps.Playback.Pause(ctx, r.id, client.ID)
}

func (r *Room) handlePlaybackStop(ctx context.Context, client *Client) error {
	if err := r.authorizePlaybackActor(ctx, client); err != nil {
		return err
	}
	return r.deps.Playback.Stop(ctx, r.id, client.ID)
}

func (r *Room) handlePlaybackEnded(ctx context.Context, client *Client, msg Message) error {
	current, ok, err := r.deps.DJ.Current(ctx, r.id)
	if err != nil {
		return err
	}
	if !ok || current != client.ID {
		return roomerr.Forbiddenf("only the current dj may report playback ended")
	}
	payload, ok := assertPayload[ReportEndedPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed report-ended payload")
	}
	_, err = r.deps.Playback.ReportEnded(ctx, r.id, client.ID, payload.SubmissionID, r.deps.Queue, r.recentRTTs(ctx))
	return err
}

func (r *Room) handleDJSet(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[DJSetPayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed dj set payload")
	}
	return r.deps.DJ.SetByOwner(ctx, r.id, client.GetRole(), payload.UserID)
}

func (r *Room) handleDJRandomize(ctx context.Context, client *Client) error {
	_, err := r.deps.DJ.Randomize(ctx, r.id, client.ID, client.GetRole())
	return err
}

func (r *Room) handleVoteOpenElection(ctx context.Context, client *Client) error {
	_, err := r.deps.Vote.OpenElection(ctx, r.id, client.ID)
	return err
}

func (r *Room) handleVoteOpenMutiny(ctx context.Context, client *Client, msg Message) error {
	payload, _ := assertPayload[OpenMutinyPayload](msg.Payload)
	threshold := payload.Threshold
	if threshold <= 0 {
		r.mu.RLock()
		threshold = r.settings.MutinyThreshold
		r.mu.RUnlock()
	}
	_, err := r.deps.Vote.OpenMutiny(ctx, r.id, client.ID, threshold)
	return err
}

func (r *Room) handleVoteCast(ctx context.Context, client *Client, msg Message) error {
	payload, ok := assertPayload[CastVotePayload](msg.Payload)
	if !ok {
		return roomerr.InvalidInputf("malformed cast-vote payload")
	}
	return r.deps.Vote.Cast(ctx, r.id, client.ID, payload.Choice)
}

func (r *Room) handleVoteCancel(ctx context.Context, client *Client) error {
	if client.GetRole() != domain.RoleOwner {
		return roomerr.Forbiddenf("only the room owner may cancel a pending vote")
	}
	return r.deps.Vote.Cancel(ctx, r.id)
}
