package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/listening-room-system/internal/taste"
	"github.com/listening-room-system/internal/vote"
	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/models"
)

func decode(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return apperr.Validation("missing payload")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperr.Validation("malformed payload: %v", err)
	}
	return nil
}

// currentRoom resolves the sender's room, host flag and room record.
func (co *Coordinator) currentRoom(cl *client) (uuid.UUID, bool, *models.Room, error) {
	roomID, isHost, inRoom := cl.room()
	if !inRoom {
		return uuid.Nil, false, nil, apperr.Validation("not in a room")
	}
	rm, err := co.rooms.GetByID(roomID)
	if err != nil {
		return uuid.Nil, false, nil, err
	}
	return roomID, isHost, rm, nil
}

func (co *Coordinator) handleJoinRoom(cl *client, raw json.RawMessage) error {
	var data joinRoomData
	if err := decode(raw, &data); err != nil {
		return err
	}
	if data.Code == "" {
		return apperr.Validation("room code required")
	}

	rm, err := co.rooms.GetByCode(data.Code)
	if err != nil {
		return err
	}

	lock := co.hub.lockRoom(rm.ID)
	lock.Lock()
	defer lock.Unlock()

	co.hub.joinRoom(rm.ID, cl)
	isHost := rm.HostID.String() == cl.userID
	cl.setRoom(rm.ID, isHost)

	ctx := context.Background()
	state, err := co.playback.GetState(ctx, rm.ID)
	if err != nil {
		state = nil
	}

	cl.send(EvtRoomState, roomStateData{
		Room: roomInfo{
			ID:       rm.ID.String(),
			JoinCode: rm.JoinCode,
			HostID:   rm.HostID.String(),
			IsActive: rm.IsActive,
			Settings: rm.Settings,
		},
		Playback: serialize(state),
		Members:  co.hub.members(rm.ID),
		IsHost:   isHost,
	})

	currentTrackID := ""
	if state != nil && state.CurrentItem != nil {
		currentTrackID = state.CurrentItem.TrackID
	}
	co.sendFeedback(rm.ID, currentTrackID, cl)

	co.hub.broadcast(rm.ID, EvtMemberJoined, memberData{
		User:        memberInfo{ID: cl.userID, Username: cl.username},
		MemberCount: co.hub.count(rm.ID),
	}, cl.userID)

	co.publish(events.EventTypeMemberJoined, rm.ID.String(), cl.userID, nil)
	co.emitSuggestions(rm.ID, rm.Settings)
	return nil
}

func (co *Coordinator) handleLeave(cl *client, dropped bool) {
	roomID, isHost, inRoom := cl.room()
	if !inRoom {
		return
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	co.hub.leaveRoom(roomID, cl.userID)
	cl.clearRoom()

	if isHost {
		// Host-dependent rooms do not survive host loss; there is no
		// failover host.
		reason := "Host closed the room"
		if dropped {
			reason = "Host disconnected"
		}
		if err := co.rooms.CloseRoom(roomID); err != nil {
			co.logger.Error("failed to close room after host loss", "room", roomID, "err", err)
		}
		co.playback.EvictRoom(context.Background(), roomID)
		co.votes.EvictRoom(roomID)
		co.hub.broadcast(roomID, EvtRoomClosed, roomClosedData{Reason: reason}, "")
		co.hub.dropRoom(roomID)
		co.publish(events.EventTypeRoomClosed, roomID.String(), cl.userID, events.RoomClosedPayload{Reason: reason})
		return
	}

	if co.hub.dropFeedbackUser(roomID, cl.userID) {
		co.broadcastFeedback(roomID)
	}
	co.hub.broadcast(roomID, EvtMemberLeft, memberData{
		User:        memberInfo{ID: cl.userID, Username: cl.username},
		MemberCount: co.hub.count(roomID),
	}, "")
	co.publish(events.EventTypeMemberLeft, roomID.String(), cl.userID, nil)
}

func (co *Coordinator) handleDisconnect(cl *client) {
	co.handleLeave(cl, true)
}

func (co *Coordinator) handleHeartbeat(cl *client) error {
	roomID, isHost, inRoom := cl.room()
	if !inRoom {
		return nil
	}
	if !isHost {
		return apperr.Forbidden("only the host pushes heartbeats")
	}
	return co.rooms.Heartbeat(roomID)
}

func (co *Coordinator) handlePlay(cl *client) error {
	roomID, isHost, _, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost {
		return apperr.Forbidden("only the host can control playback")
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	state, err := co.playback.Play(context.Background(), roomID)
	if err != nil {
		return err
	}
	co.hub.broadcast(roomID, EvtPlaybackState, serialize(state), "")
	return nil
}

func (co *Coordinator) handlePause(cl *client, raw json.RawMessage) error {
	var data positionData
	if err := decode(raw, &data); err != nil {
		return err
	}

	roomID, isHost, _, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost {
		return apperr.Forbidden("only the host can pause")
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	state, err := co.playback.Pause(context.Background(), roomID, data.PositionMs)
	if err != nil {
		return err
	}
	co.hub.broadcast(roomID, EvtPlaybackState, serialize(state), "")
	return nil
}

func (co *Coordinator) handleSeek(cl *client, raw json.RawMessage) error {
	var data positionData
	if err := decode(raw, &data); err != nil {
		return err
	}

	roomID, isHost, _, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost {
		return apperr.Forbidden("only the host can seek")
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	state, err := co.playback.Seek(context.Background(), roomID, data.PositionMs)
	if err != nil {
		return err
	}
	co.hub.broadcast(roomID, EvtPlaybackSeek, serialize(state), "")
	return nil
}

func (co *Coordinator) handleSkip(cl *client, raw json.RawMessage) error {
	roomID, isHost, rm, err := co.currentRoom(cl)
	if err != nil {
		return err
	}

	if isHost || rm.Settings.UserSkipMode == models.SkipModeInstant {
		lock := co.hub.lockRoom(roomID)
		lock.Lock()
		defer lock.Unlock()
		return co.doSkip(roomID, rm.Settings)
	}

	var data voteData
	if decode(raw, &data) != nil || data.TrackID == "" {
		data.TrackID = co.currentTrackID(roomID)
	}
	return co.castVote(cl, roomID, rm, vote.ActionSkip, data.TrackID)
}

func (co *Coordinator) handlePrev(cl *client, raw json.RawMessage) error {
	roomID, isHost, rm, err := co.currentRoom(cl)
	if err != nil {
		return err
	}

	if isHost || rm.Settings.UserPrevMode == models.SkipModeInstant {
		lock := co.hub.lockRoom(roomID)
		lock.Lock()
		defer lock.Unlock()
		return co.doPrev(roomID)
	}

	var data voteData
	if decode(raw, &data) != nil || data.TrackID == "" {
		data.TrackID = co.currentTrackID(roomID)
	}
	return co.castVote(cl, roomID, rm, vote.ActionPrev, data.TrackID)
}

// doPrev restarts the current track; there is no cross-track play history.
func (co *Coordinator) doPrev(roomID uuid.UUID) error {
	state, err := co.playback.Seek(context.Background(), roomID, 0)
	if err != nil {
		return err
	}
	co.hub.broadcast(roomID, EvtPlaybackSeek, serialize(state), "")
	return nil
}

// doSkip advances the queue. The outgoing track reinforces the taste
// profile (lightly when skipped early), and when the queue runs dry the
// autoplay engine fills the gap. Caller holds the room lock.
func (co *Coordinator) doSkip(roomID uuid.UUID, settings models.RoomSettings) error {
	ctx := context.Background()
	co.votes.ResetVotes(roomID)

	before, err := co.playback.GetState(ctx, roomID)
	if err != nil {
		return err
	}

	if before.CurrentItem != nil {
		weight := 1.0
		if before.CurrentItem.DurationMs > 0 {
			progress := float64(before.PositionMs) / float64(before.CurrentItem.DurationMs)
			if progress < 0.35 {
				weight = 0.35
			}
		}
		outgoing := *before.CurrentItem
		if _, err := co.playback.LearnTaste(ctx, roomID, outgoing, taste.LearnOptions{Weight: weight}); err != nil {
			co.logger.Warn("taste update failed", "room", roomID, "err", err)
		}
	}

	state, err := co.playback.SkipToNext(ctx, roomID)
	if err != nil {
		return err
	}

	if state.CurrentItem == nil && settings.AutoplayEnabled {
		if next := co.engine.FindTrack(ctx, before, settings); next != nil {
			if _, err := co.playback.LearnTaste(ctx, roomID, *next, taste.LearnOptions{Weight: 0.8, IsAutoplay: true}); err != nil {
				co.logger.Warn("taste update failed", "room", roomID, "err", err)
			}
			state, err = co.playback.SetCurrentItem(ctx, roomID, *next, 0)
			if err != nil {
				return err
			}
		}
	}

	currentTrackID := ""
	if state.CurrentItem != nil {
		currentTrackID = state.CurrentItem.TrackID
	}
	co.sendFeedback(roomID, currentTrackID, nil)

	co.hub.broadcast(roomID, EvtNowPlaying, serialize(state), "")
	co.hub.broadcast(roomID, EvtQueueUpdated, queueUpdatedData{Queue: state.Queue}, "")

	if state.CurrentItem != nil {
		co.publish(events.EventTypeTrackStarted, roomID.String(), "", events.TrackStartedPayload{
			TrackID: state.CurrentItem.TrackID,
			Title:   state.CurrentItem.Title,
			Artist:  state.CurrentItem.Artist,
			Origin:  string(state.CurrentItem.Origin),
		})
	}
	co.emitSuggestions(roomID, settings)
	return nil
}

func (co *Coordinator) handlePositionReport(cl *client, raw json.RawMessage) {
	var data positionData
	if decode(raw, &data) != nil {
		return
	}
	roomID, _, inRoom := cl.room()
	if !inRoom {
		return
	}
	state, err := co.playback.GetState(context.Background(), roomID)
	if err != nil {
		return
	}
	drift := data.PositionMs - serialize(state).PositionMs
	co.logger.Debug("position report", "room", roomID, "user", cl.userID, "driftMs", drift)
}

func (co *Coordinator) handleQueueAdd(cl *client, raw json.RawMessage) error {
	var data queueAddData
	if err := decode(raw, &data); err != nil {
		return err
	}
	if data.Item.TrackID == "" {
		return apperr.Validation("invalid track item")
	}

	roomID, isHost, rm, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost && !rm.Settings.UserQueueing {
		return apperr.Forbidden("queueing is disabled for this room")
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	item := data.Item
	if item.Origin == "" {
		item.Origin = models.OriginUser
	}

	if _, err := co.playback.LearnTaste(ctx, roomID, item, taste.LearnOptions{Weight: 1.2}); err != nil {
		co.logger.Warn("taste update failed", "room", roomID, "err", err)
	}

	state, promoted, err := co.playback.Add(ctx, roomID, item)
	if err != nil {
		return err
	}

	if promoted {
		co.sendFeedback(roomID, item.TrackID, nil)
		co.hub.broadcast(roomID, EvtNowPlaying, serialize(state), "")
		co.publish(events.EventTypeTrackStarted, roomID.String(), cl.userID, events.TrackStartedPayload{
			TrackID: item.TrackID,
			Title:   item.Title,
			Artist:  item.Artist,
			Origin:  string(item.Origin),
		})
	} else {
		co.hub.broadcast(roomID, EvtQueueUpdated, queueUpdatedData{Queue: state.Queue}, "")
	}

	co.emitSuggestions(roomID, rm.Settings)
	return nil
}

func (co *Coordinator) handleQueueRemove(cl *client, raw json.RawMessage) error {
	var data queueIndexData
	if err := decode(raw, &data); err != nil {
		return err
	}

	roomID, isHost, rm, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost && !rm.Settings.UserRemoval {
		return apperr.Forbidden("queue removal is disabled for this room")
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	state, err := co.playback.Remove(context.Background(), roomID, data.Index)
	if err != nil {
		return err
	}
	co.hub.broadcast(roomID, EvtQueueUpdated, queueUpdatedData{Queue: state.Queue}, "")
	co.emitSuggestions(roomID, rm.Settings)
	return nil
}

func (co *Coordinator) handleQueueReorder(cl *client, raw json.RawMessage) error {
	var data queueReorderData
	if err := decode(raw, &data); err != nil {
		return err
	}

	roomID, isHost, rm, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost && !rm.Settings.UserReordering {
		return apperr.Forbidden("queue reordering is disabled for this room")
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	state, err := co.playback.Reorder(context.Background(), roomID, data.FromIndex, data.ToIndex)
	if err != nil {
		return err
	}
	co.hub.broadcast(roomID, EvtQueueUpdated, queueUpdatedData{Queue: state.Queue}, "")
	co.emitSuggestions(roomID, rm.Settings)
	return nil
}

func (co *Coordinator) handleQueuePlayNow(cl *client, raw json.RawMessage) error {
	var data queueIndexData
	if err := decode(raw, &data); err != nil {
		return err
	}

	roomID, isHost, rm, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost {
		return apperr.Forbidden("only the host can play a queue entry directly")
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	state, item, err := co.playback.PlayNow(ctx, roomID, data.Index)
	if err != nil {
		return err
	}

	if _, err := co.playback.LearnTaste(ctx, roomID, *item, taste.LearnOptions{Weight: 1}); err != nil {
		co.logger.Warn("taste update failed", "room", roomID, "err", err)
	}
	co.votes.ResetVotes(roomID)
	co.sendFeedback(roomID, item.TrackID, nil)
	co.hub.broadcast(roomID, EvtNowPlaying, serialize(state), "")
	co.hub.broadcast(roomID, EvtQueueUpdated, queueUpdatedData{Queue: state.Queue}, "")
	co.publish(events.EventTypeTrackStarted, roomID.String(), cl.userID, events.TrackStartedPayload{
		TrackID: item.TrackID,
		Title:   item.Title,
		Artist:  item.Artist,
		Origin:  string(item.Origin),
	})
	co.emitSuggestions(roomID, rm.Settings)
	return nil
}

func (co *Coordinator) handleVote(cl *client, raw json.RawMessage) error {
	var data voteData
	if err := decode(raw, &data); err != nil {
		return err
	}

	roomID, _, rm, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	return co.castVote(cl, roomID, rm, vote.Action(data.Action), data.TrackID)
}

func (co *Coordinator) castVote(cl *client, roomID uuid.UUID, rm *models.Room, action vote.Action, trackID string) error {
	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	voteCount, err := co.votes.CastVote(roomID, cl.userID, action, rm.Settings.VoteCooldownSec)
	if err != nil {
		return err
	}

	userUUID, _ := uuid.Parse(cl.userID)
	if err := co.audit.CreateVoteRecord(&models.VoteRecord{
		ID:      uuid.New(),
		RoomID:  roomID,
		UserID:  userUUID,
		Action:  string(action),
		TrackID: trackID,
		VotedAt: time.Now(),
	}); err != nil {
		co.logger.Warn("failed to write vote audit row", "room", roomID, "err", err)
	}
	co.publish(events.EventTypeVoteCast, roomID.String(), cl.userID, events.VoteCastPayload{
		Action:    string(action),
		TrackID:   trackID,
		VoteCount: voteCount,
	})

	// The denominator is snapshotted once here; a member disconnecting
	// mid-tally cannot shift the result.
	memberCount := co.hub.count(roomID)
	passed := co.votes.CheckThreshold(roomID, action, memberCount, rm.Settings.VoteThreshold)

	co.hub.broadcast(roomID, EvtVoteUpdate, voteUpdateData{
		Action:      string(action),
		TrackID:     trackID,
		VoteCount:   voteCount,
		MemberCount: memberCount,
		Threshold:   rm.Settings.VoteThreshold,
		Passed:      passed,
	}, "")

	if !passed {
		return nil
	}

	co.hub.broadcast(roomID, EvtVotePassed, votePassedData{Action: string(action), TrackID: trackID}, "")
	co.publish(events.EventTypeVotePassed, roomID.String(), "", events.VotePassedPayload{
		Action:  string(action),
		TrackID: trackID,
	})

	switch action {
	case vote.ActionSkip:
		return co.doSkip(roomID, rm.Settings)
	case vote.ActionPrev:
		if err := co.doPrev(roomID); err != nil {
			return err
		}
		co.votes.ResetVotes(roomID)
	}
	return nil
}

func (co *Coordinator) handleSettingsUpdate(cl *client, raw json.RawMessage) error {
	var data settingsUpdateData
	if err := decode(raw, &data); err != nil {
		return err
	}

	roomID, isHost, _, err := co.currentRoom(cl)
	if err != nil {
		return err
	}
	if !isHost {
		return apperr.Forbidden("only the host can change settings")
	}

	// Strict decode: unrecognized settings keys are rejected at the
	// boundary instead of silently dropped.
	var patch models.SettingsPatch
	dec := json.NewDecoder(bytes.NewReader(data.Settings))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return apperr.Validation("unrecognized settings field: %v", err)
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	rm, err := co.rooms.UpdateSettings(roomID, patch)
	if err != nil {
		return err
	}

	// Pending votes were counted against the old threshold/mode.
	if patch.TouchesVoting() {
		co.votes.ResetVotes(roomID)
	}

	co.hub.broadcast(roomID, EvtSettingsUpdated, settingsUpdatedData{Settings: rm.Settings}, "")
	co.emitSuggestions(roomID, rm.Settings)
	return nil
}

func (co *Coordinator) handleFeedback(cl *client, raw json.RawMessage) error {
	var data feedbackData
	if err := decode(raw, &data); err != nil {
		return err
	}
	if data.Value != "approve" && data.Value != "disapprove" {
		return apperr.Validation("feedback value must be approve or disapprove")
	}

	roomID, _, _, err := co.currentRoom(cl)
	if err != nil {
		return err
	}

	lock := co.hub.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	state, err := co.playback.GetState(ctx, roomID)
	if err != nil {
		return err
	}
	if state.CurrentItem == nil || state.CurrentItem.TrackID != data.TrackID {
		return apperr.Validation("feedback must target the current track")
	}

	fb := co.hub.feedbackFor(roomID, data.TrackID)
	delta := toggleFeedback(fb, cl.userID, data.Value)
	co.broadcastFeedback(roomID)

	if delta != 0 {
		// Deliberate reactions move taste harder than passive listening.
		track := *state.CurrentItem
		if _, err := co.playback.LearnTaste(ctx, roomID, track, taste.LearnOptions{Weight: float64(delta) * 1.6}); err != nil {
			co.logger.Warn("taste update failed", "room", roomID, "err", err)
		}
	}
	return nil
}

// toggleFeedback flips the user's reaction and returns the net change in
// their contribution (-2..+2 across the approve/disapprove axis).
func toggleFeedback(fb *feedback, userID, value string) int {
	prev := 0
	if _, ok := fb.likes[userID]; ok {
		prev = 1
	} else if _, ok := fb.dislikes[userID]; ok {
		prev = -1
	}

	next := prev
	if value == "approve" {
		if prev == 1 {
			delete(fb.likes, userID)
			next = 0
		} else {
			fb.likes[userID] = struct{}{}
			delete(fb.dislikes, userID)
			next = 1
		}
	} else {
		if prev == -1 {
			delete(fb.dislikes, userID)
			next = 0
		} else {
			fb.dislikes[userID] = struct{}{}
			delete(fb.likes, userID)
			next = -1
		}
	}
	return next - prev
}

// sendFeedback resets feedback to the given track if it changed and emits
// the state, either to one connection or to the whole room.
func (co *Coordinator) sendFeedback(roomID uuid.UUID, trackID string, only *client) {
	fb := co.hub.feedbackFor(roomID, trackID)
	data := feedbackPayload(fb)
	if only != nil {
		only.send(EvtFeedbackUpdate, data)
		return
	}
	co.hub.broadcast(roomID, EvtFeedbackUpdate, data, "")
}

func (co *Coordinator) broadcastFeedback(roomID uuid.UUID) {
	co.hub.mu.RLock()
	fb := co.hub.feedback[roomID]
	co.hub.mu.RUnlock()
	if fb == nil {
		return
	}
	co.hub.broadcast(roomID, EvtFeedbackUpdate, feedbackPayload(fb), "")
}

func feedbackPayload(fb *feedback) feedbackUpdateData {
	likes := make([]string, 0, len(fb.likes))
	for id := range fb.likes {
		likes = append(likes, id)
	}
	dislikes := make([]string, 0, len(fb.dislikes))
	for id := range fb.dislikes {
		dislikes = append(dislikes, id)
	}
	return feedbackUpdateData{TrackID: fb.trackID, Likes: likes, Dislikes: dislikes}
}

func (co *Coordinator) currentTrackID(roomID uuid.UUID) string {
	state, err := co.playback.GetState(context.Background(), roomID)
	if err != nil || state.CurrentItem == nil {
		return ""
	}
	return state.CurrentItem.TrackID
}
