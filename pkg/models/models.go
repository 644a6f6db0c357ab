package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"unique"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SkipMode selects how non-host skip/prev requests are handled.
type SkipMode string

const (
	SkipModeVote    SkipMode = "vote"
	SkipModeInstant SkipMode = "instant"
)

type RoomSettings struct {
	UserSkipMode          SkipMode `json:"userSkipMode"`
	UserPrevMode          SkipMode `json:"userPrevMode"`
	VoteThreshold         float64  `json:"voteThreshold"`
	VoteCooldownSec       int      `json:"voteCooldownSec"`
	UserQueueing          bool     `json:"userQueueing"`
	UserReordering        bool     `json:"userReordering"`
	UserRemoval           bool     `json:"userRemoval"`
	AutoplayEnabled       bool     `json:"autoplayEnabled"`
	AutoplayVariety       int      `json:"autoplayVariety"`
	AutoplayHistorySize   int      `json:"autoplayHistorySize"`
	AutoplayAllowExplicit bool     `json:"autoplayAllowExplicit"`
}

// DefaultSettings returns the settings a room starts with before the host
// override is merged on top.
func DefaultSettings() RoomSettings {
	return RoomSettings{
		UserSkipMode:          SkipModeVote,
		UserPrevMode:          SkipModeVote,
		VoteThreshold:         0.5,
		VoteCooldownSec:       5,
		UserQueueing:          true,
		UserReordering:        false,
		UserRemoval:           false,
		AutoplayEnabled:       true,
		AutoplayVariety:       35,
		AutoplayHistorySize:   20,
		AutoplayAllowExplicit: true,
	}
}

// SettingsPatch carries a partial settings update. Only fields present in
// the patch are applied; the wire decoder rejects unknown keys so callers
// cannot smuggle unrecognized settings through.
type SettingsPatch struct {
	UserSkipMode          *SkipMode `json:"userSkipMode,omitempty"`
	UserPrevMode          *SkipMode `json:"userPrevMode,omitempty"`
	VoteThreshold         *float64  `json:"voteThreshold,omitempty"`
	VoteCooldownSec       *int      `json:"voteCooldownSec,omitempty"`
	UserQueueing          *bool     `json:"userQueueing,omitempty"`
	UserReordering        *bool     `json:"userReordering,omitempty"`
	UserRemoval           *bool     `json:"userRemoval,omitempty"`
	AutoplayEnabled       *bool     `json:"autoplayEnabled,omitempty"`
	AutoplayVariety       *int      `json:"autoplayVariety,omitempty"`
	AutoplayHistorySize   *int      `json:"autoplayHistorySize,omitempty"`
	AutoplayAllowExplicit *bool     `json:"autoplayAllowExplicit,omitempty"`
}

// Apply merges the patch onto s field by field.
func (p SettingsPatch) Apply(s *RoomSettings) {
	if p.UserSkipMode != nil {
		s.UserSkipMode = *p.UserSkipMode
	}
	if p.UserPrevMode != nil {
		s.UserPrevMode = *p.UserPrevMode
	}
	if p.VoteThreshold != nil {
		s.VoteThreshold = *p.VoteThreshold
	}
	if p.VoteCooldownSec != nil {
		s.VoteCooldownSec = *p.VoteCooldownSec
	}
	if p.UserQueueing != nil {
		s.UserQueueing = *p.UserQueueing
	}
	if p.UserReordering != nil {
		s.UserReordering = *p.UserReordering
	}
	if p.UserRemoval != nil {
		s.UserRemoval = *p.UserRemoval
	}
	if p.AutoplayEnabled != nil {
		s.AutoplayEnabled = *p.AutoplayEnabled
	}
	if p.AutoplayVariety != nil {
		s.AutoplayVariety = *p.AutoplayVariety
	}
	if p.AutoplayHistorySize != nil {
		s.AutoplayHistorySize = *p.AutoplayHistorySize
	}
	if p.AutoplayAllowExplicit != nil {
		s.AutoplayAllowExplicit = *p.AutoplayAllowExplicit
	}
}

// TouchesVoting reports whether the patch changes any vote-related setting,
// in which case pending votes count against a stale threshold and must be
// reset.
func (p SettingsPatch) TouchesVoting() bool {
	return p.UserSkipMode != nil || p.UserPrevMode != nil || p.VoteThreshold != nil
}

type Room struct {
	ID            uuid.UUID    `json:"id" gorm:"primaryKey"`
	JoinCode      string       `json:"joinCode" gorm:"index"`
	HostID        uuid.UUID    `json:"hostId"`
	Settings      RoomSettings `json:"settings" gorm:"serializer:json"`
	IsActive      bool         `json:"isActive"`
	LastHeartbeat time.Time    `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TrackOrigin tags how a queue item entered the session.
type TrackOrigin string

const (
	OriginUser     TrackOrigin = "user"
	OriginAutoplay TrackOrigin = "autoplay"
)

// QueueItem is immutable once created; only its position in the queue
// changes.
type QueueItem struct {
	TrackID      string      `json:"trackId"`
	Title        string      `json:"title"`
	Artist       string      `json:"artist"`
	Album        string      `json:"album,omitempty"`
	DurationMs   int64       `json:"durationMs"`
	ThumbnailURL string      `json:"thumbnailUrl,omitempty"`
	IsExplicit   bool        `json:"isExplicit"`
	Origin       TrackOrigin `json:"origin"`
}

// TasteProfile is the per-room weighted taste model driving autoplay.
type TasteProfile struct {
	ArtistWeights     map[string]float64 `json:"artistWeights"`
	TokenWeights      map[string]float64 `json:"tokenWeights"`
	RecentTrackIDs    []string           `json:"recentTrackIds"`
	RecentArtists     []string           `json:"recentArtists"`
	RecentAutoplayIDs []string           `json:"recentAutoplayIds"`
	LastUpdatedAt     time.Time          `json:"lastUpdatedAt"`
}

// PlaybackState is the authoritative per-room transport tuple. PositionMs
// and ServerTime are only ever written together; live position is derived
// from the pair, never stored.
type PlaybackState struct {
	RoomID      uuid.UUID    `json:"roomId" gorm:"primaryKey"`
	CurrentItem *QueueItem   `json:"currentItem" gorm:"serializer:json"`
	PositionMs  int64        `json:"positionMs"`
	ServerTime  time.Time    `json:"serverTime"`
	IsPlaying   bool         `json:"isPlaying"`
	Queue       []QueueItem  `json:"queue" gorm:"serializer:json"`
	Taste       TasteProfile `json:"autoplayProfile" gorm:"serializer:json"`
	UpdatedAt   time.Time    `json:"-"`
}

// VoteRecord is the durable audit row behind the in-memory vote ledger.
type VoteRecord struct {
	ID      uuid.UUID `json:"id" gorm:"primaryKey"`
	RoomID  uuid.UUID `json:"room_id" gorm:"index"`
	UserID  uuid.UUID `json:"user_id"`
	Action  string    `json:"action"`
	TrackID string    `json:"track_id"`
	VotedAt time.Time `json:"voted_at"`
}
