package vote

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/listening-room-system/pkg/apperr"
)

type Action string

const (
	ActionSkip Action = "skip"
	ActionPrev Action = "prev"
)

func ValidAction(a Action) bool {
	return a == ActionSkip || a == ActionPrev
}

type roomVotes struct {
	sets     map[Action]map[string]struct{}
	lastVote map[string]time.Time
}

func newRoomVotes() *roomVotes {
	return &roomVotes{
		sets: map[Action]map[string]struct{}{
			ActionSkip: {},
			ActionPrev: {},
		},
		lastVote: make(map[string]time.Time),
	}
}

// Ledger tracks live skip/prev votes per room. Vote state is in-memory
// only; rows written to the audit trail happen at the coordinator. Cooldown
// is global per user per room, not per action.
type Ledger struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*roomVotes
	now   func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		rooms: make(map[uuid.UUID]*roomVotes),
		now:   time.Now,
	}
}

// CastVote records a vote and returns the new count for the action. A
// repeat vote by the same user for the same action does not double-count. A
// vote inside the cooldown window is rejected with the remaining wait.
func (l *Ledger) CastVote(roomID uuid.UUID, userID string, action Action, cooldownSec int) (int, error) {
	if !ValidAction(action) {
		return 0, apperr.Validation("invalid vote action %q", action)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	votes, ok := l.rooms[roomID]
	if !ok {
		votes = newRoomVotes()
		l.rooms[roomID] = votes
	}

	if cooldownSec > 0 {
		if last, voted := votes.lastVote[userID]; voted {
			elapsed := l.now().Sub(last).Seconds()
			if elapsed < float64(cooldownSec) {
				remaining := int(math.Ceil(float64(cooldownSec) - elapsed))
				return 0, apperr.Cooldown(remaining)
			}
		}
	}

	votes.sets[action][userID] = struct{}{}
	votes.lastVote[userID] = l.now()
	return len(votes.sets[action]), nil
}

func (l *Ledger) Count(roomID uuid.UUID, action Action) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	votes, ok := l.rooms[roomID]
	if !ok {
		return 0
	}
	return len(votes.sets[action])
}

// CheckThreshold reports whether the action's votes meet the threshold.
// The caller snapshots activeMemberCount once at evaluation time so a
// concurrent disconnect cannot shift the denominator mid-check. Rooms with
// at most one connected member always pass on a single vote.
func (l *Ledger) CheckThreshold(roomID uuid.UUID, action Action, activeMemberCount int, threshold float64) bool {
	count := l.Count(roomID, action)
	if activeMemberCount <= 1 {
		return count >= 1
	}
	return float64(count)/float64(activeMemberCount) >= threshold
}

// ResetVotes clears both action sets. Cooldown timestamps survive the reset
// so a passed vote does not grant everyone an immediate re-vote.
func (l *Ledger) ResetVotes(roomID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if votes, ok := l.rooms[roomID]; ok {
		votes.sets[ActionSkip] = map[string]struct{}{}
		votes.sets[ActionPrev] = map[string]struct{}{}
	}
}

// EvictRoom drops all vote state for a closed room.
func (l *Ledger) EvictRoom(roomID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, roomID)
}
