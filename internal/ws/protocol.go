package ws

import (
	"encoding/json"
	"time"

	"github.com/listening-room-system/pkg/models"
)

// Client-to-server commands.
const (
	CmdJoinRoom       = "join_room"
	CmdLeaveRoom      = "leave_room"
	CmdHostHeartbeat  = "host_heartbeat"
	CmdPlay           = "play"
	CmdPause          = "pause"
	CmdSeek           = "seek"
	CmdSkip           = "skip"
	CmdPrev           = "prev"
	CmdPositionReport = "position_report"
	CmdQueueAdd       = "queue_add"
	CmdQueueRemove    = "queue_remove"
	CmdQueueReorder   = "queue_reorder"
	CmdQueuePlayNow   = "queue_play_now"
	CmdVote           = "vote"
	CmdSettingsUpdate = "settings_update"
	CmdFeedback       = "feedback"
)

// Server-to-client events.
const (
	EvtConnected           = "connected"
	EvtError               = "error"
	EvtRoomState           = "room_state"
	EvtMemberJoined        = "member_joined"
	EvtMemberLeft          = "member_left"
	EvtRoomClosed          = "room_closed"
	EvtSettingsUpdated     = "settings_updated"
	EvtPlaybackState       = "playback_state"
	EvtPlaybackSeek        = "playback_seek"
	EvtNowPlaying          = "now_playing"
	EvtQueueUpdated        = "queue_updated"
	EvtVoteUpdate          = "vote_update"
	EvtVotePassed          = "vote_passed"
	EvtFeedbackUpdate      = "feedback_update"
	EvtAutoplaySuggestions = "autoplay_suggestions"
)

// Close code sent when handshake authentication fails; clients must treat
// it as non-retryable.
const CloseAuthFailure = 4001

// Envelope wraps every outbound event.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	TS    int64       `json:"ts"`
}

func newEnvelope(event string, data interface{}) Envelope {
	return Envelope{Event: event, Data: data, TS: time.Now().UnixMilli()}
}

// Inbound is the raw client command; Data stays deferred until the handler
// knows its shape.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Command payloads

type joinRoomData struct {
	Code string `json:"code"`
}

type positionData struct {
	PositionMs int64 `json:"positionMs"`
}

type queueAddData struct {
	Item models.QueueItem `json:"item"`
}

type queueIndexData struct {
	Index int `json:"index"`
}

type queueReorderData struct {
	FromIndex int `json:"fromIndex"`
	ToIndex   int `json:"toIndex"`
}

type voteData struct {
	Action  string `json:"action"`
	TrackID string `json:"trackId"`
}

type feedbackData struct {
	TrackID string `json:"trackId"`
	Value   string `json:"value"`
}

type settingsUpdateData struct {
	Settings json.RawMessage `json:"settings"`
}

// Event payloads

type errorData struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retryAfterSec,omitempty"`
}

type memberInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type memberData struct {
	User        memberInfo `json:"user"`
	MemberCount int        `json:"memberCount"`
}

type roomClosedData struct {
	Reason string `json:"reason"`
}

type playbackData struct {
	CurrentItem *models.QueueItem  `json:"currentItem"`
	PositionMs  int64              `json:"positionMs"`
	ServerTime  int64              `json:"serverTime"`
	IsPlaying   bool               `json:"isPlaying"`
	Queue       []models.QueueItem `json:"queue"`
}

type roomInfo struct {
	ID       string              `json:"id"`
	JoinCode string              `json:"joinCode"`
	HostID   string              `json:"hostId"`
	IsActive bool                `json:"isActive"`
	Settings models.RoomSettings `json:"settings"`
}

type roomStateData struct {
	Room     roomInfo      `json:"room"`
	Playback *playbackData `json:"playback"`
	Members  []memberInfo  `json:"members"`
	IsHost   bool          `json:"isHost"`
}

type queueUpdatedData struct {
	Queue []models.QueueItem `json:"queue"`
}

type voteUpdateData struct {
	Action      string  `json:"action"`
	TrackID     string  `json:"trackId"`
	VoteCount   int     `json:"voteCount"`
	MemberCount int     `json:"memberCount"`
	Threshold   float64 `json:"threshold"`
	Passed      bool    `json:"passed"`
}

type votePassedData struct {
	Action  string `json:"action"`
	TrackID string `json:"trackId"`
}

type settingsUpdatedData struct {
	Settings models.RoomSettings `json:"settings"`
}

type feedbackUpdateData struct {
	TrackID  string   `json:"trackId"`
	Likes    []string `json:"likes"`
	Dislikes []string `json:"dislikes"`
}

type suggestionsData struct {
	Suggestions []models.QueueItem `json:"suggestions"`
}
