package playback

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/listening-room-system/internal/taste"
	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/models"
)

// Store is the durable side of playback state.
type Store interface {
	SavePlayback(state *models.PlaybackState) error
	GetPlayback(roomID uuid.UUID) (*models.PlaybackState, error)
}

// Cache is the hot side; reads go cache-first with a store fallback.
type Cache interface {
	Set(ctx context.Context, state *models.PlaybackState) error
	Get(ctx context.Context, roomID uuid.UUID) (*models.PlaybackState, error)
	Evict(ctx context.Context, roomIDs ...uuid.UUID) error
}

// Service is the authoritative playback clock and queue store. Every
// transition replaces the full (currentItem, positionMs, serverTime,
// isPlaying) tuple; positionMs is never re-stamped without serverTime.
// Callers serialize access per room.
type Service struct {
	store  Store
	cache  Cache
	logger *log.Logger
	now    func() time.Time

	// saveMu guards pending and writing. One writer goroutine per room
	// drains pending so snapshots reach the store in mutation order,
	// with intermediate states coalesced away.
	saveMu  sync.Mutex
	pending map[uuid.UUID]*models.PlaybackState
	writing map[uuid.UUID]bool
}

func NewService(store Store, cache Cache, logger *log.Logger) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		logger:  logger.WithPrefix("playback"),
		now:     time.Now,
		pending: make(map[uuid.UUID]*models.PlaybackState),
		writing: make(map[uuid.UUID]bool),
	}
}

// LivePosition derives the playback position at the given instant. Derived,
// never stored: paused states report the stored position regardless of
// elapsed time.
func LivePosition(state *models.PlaybackState, at time.Time) int64 {
	if state == nil {
		return 0
	}
	if !state.IsPlaying {
		return state.PositionMs
	}
	return state.PositionMs + at.Sub(state.ServerTime).Milliseconds()
}

// InitState creates the blank playback row for a new room and persists it
// synchronously so recovery always finds a snapshot.
func (s *Service) InitState(ctx context.Context, roomID uuid.UUID) (*models.PlaybackState, error) {
	state := &models.PlaybackState{
		RoomID:     roomID,
		PositionMs: 0,
		ServerTime: s.now(),
		IsPlaying:  false,
		Queue:      []models.QueueItem{},
	}
	taste.Normalize(&state.Taste)

	if err := s.store.SavePlayback(state); err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, state); err != nil {
		s.logger.Warn("failed to cache initial state", "room", roomID, "err", err)
	}
	return state, nil
}

// GetState reads through the cache with a durable fallback.
func (s *Service) GetState(ctx context.Context, roomID uuid.UUID) (*models.PlaybackState, error) {
	if state, err := s.cache.Get(ctx, roomID); err == nil {
		return state, nil
	}

	state, err := s.store.GetPlayback(roomID)
	if err != nil {
		return nil, apperr.NotFound("no playback state for room %s", roomID)
	}
	if err := s.cache.Set(ctx, state); err != nil {
		s.logger.Warn("failed to refill cache", "room", roomID, "err", err)
	}
	return state, nil
}

// Play resumes playback from the stored position.
func (s *Service) Play(ctx context.Context, roomID uuid.UUID) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		state.PositionMs = LivePosition(state, s.now())
		state.IsPlaying = true
		return nil
	})
}

// Pause freezes playback at the position the host reports.
func (s *Service) Pause(ctx context.Context, roomID uuid.UUID, positionMs int64) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		state.IsPlaying = false
		state.PositionMs = positionMs
		return nil
	})
}

// Seek jumps to a position without changing the play/pause state.
func (s *Service) Seek(ctx context.Context, roomID uuid.UUID, positionMs int64) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		state.PositionMs = positionMs
		return nil
	})
}

// SetCurrentItem replaces the playing track and starts it.
func (s *Service) SetCurrentItem(ctx context.Context, roomID uuid.UUID, item models.QueueItem, positionMs int64) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		state.CurrentItem = &item
		state.PositionMs = positionMs
		state.IsPlaying = true
		return nil
	})
}

// SkipToNext pops the queue head into the current slot. An empty queue is a
// normal state, not an error: the room goes idle.
func (s *Service) SkipToNext(ctx context.Context, roomID uuid.UUID) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		if len(state.Queue) == 0 {
			state.CurrentItem = nil
			state.IsPlaying = false
			state.PositionMs = 0
			return nil
		}
		next := state.Queue[0]
		state.CurrentItem = &next
		state.Queue = append([]models.QueueItem{}, state.Queue[1:]...)
		state.PositionMs = 0
		state.IsPlaying = true
		return nil
	})
}

// Add appends a track, or promotes it straight to the current slot when the
// room is idle so the queue never sits on a track while nothing plays.
// The second return reports promotion.
func (s *Service) Add(ctx context.Context, roomID uuid.UUID, item models.QueueItem) (*models.PlaybackState, bool, error) {
	promoted := false
	state, err := s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		if state.CurrentItem == nil {
			state.CurrentItem = &item
			state.PositionMs = 0
			state.IsPlaying = true
			promoted = true
			return nil
		}
		state.Queue = append(state.Queue, item)
		return nil
	})
	return state, promoted, err
}

// Remove deletes the queue entry at index; later entries shift up.
func (s *Service) Remove(ctx context.Context, roomID uuid.UUID, index int) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		if index < 0 || index >= len(state.Queue) {
			return apperr.Validation("queue index %d out of range", index)
		}
		state.Queue = append(state.Queue[:index:index], state.Queue[index+1:]...)
		return nil
	})
}

// Reorder moves the entry at from to position to, preserving the relative
// order of everything else. from == to is a no-op.
func (s *Service) Reorder(ctx context.Context, roomID uuid.UUID, from, to int) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		n := len(state.Queue)
		if from < 0 || from >= n || to < 0 || to >= n {
			return apperr.Validation("reorder indices (%d, %d) out of range", from, to)
		}
		if from == to {
			return nil
		}
		queue := append([]models.QueueItem{}, state.Queue...)
		item := queue[from]
		queue = append(queue[:from], queue[from+1:]...)
		queue = append(queue[:to], append([]models.QueueItem{item}, queue[to:]...)...)
		state.Queue = queue
		return nil
	})
}

// PlayNow promotes the queue entry at index to the current slot,
// discarding the previously-current item. The promoted item is returned
// alongside the new state.
func (s *Service) PlayNow(ctx context.Context, roomID uuid.UUID, index int) (*models.PlaybackState, *models.QueueItem, error) {
	var promoted models.QueueItem
	state, err := s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		if index < 0 || index >= len(state.Queue) {
			return apperr.Validation("queue index %d out of range", index)
		}
		promoted = state.Queue[index]
		state.Queue = append(state.Queue[:index:index], state.Queue[index+1:]...)
		state.CurrentItem = &promoted
		state.PositionMs = 0
		state.IsPlaying = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return state, &promoted, nil
}

// LearnTaste folds a played track into the room's taste profile.
func (s *Service) LearnTaste(ctx context.Context, roomID uuid.UUID, track models.QueueItem, opts taste.LearnOptions) (*models.PlaybackState, error) {
	return s.mutate(ctx, roomID, func(state *models.PlaybackState) error {
		taste.LearnFromTrack(&state.Taste, track, opts)
		return nil
	})
}

// EvictRoom drops cached state when a room closes.
func (s *Service) EvictRoom(ctx context.Context, roomIDs ...uuid.UUID) {
	if err := s.cache.Evict(ctx, roomIDs...); err != nil {
		s.logger.Warn("failed to evict playback cache", "err", err)
	}
}

// mutate applies one transition under the caller's room serialization:
// load, apply, stamp serverTime, write through the cache, snapshot durably
// off the hot path. A failed transition leaves state untouched.
func (s *Service) mutate(ctx context.Context, roomID uuid.UUID, fn func(*models.PlaybackState) error) (*models.PlaybackState, error) {
	state, err := s.GetState(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if err := fn(state); err != nil {
		return nil, err
	}
	state.ServerTime = s.now()

	if err := s.cache.Set(ctx, state); err != nil {
		s.logger.Warn("failed to cache state", "room", roomID, "err", err)
	}

	s.queueSave(state)
	return state, nil
}

// queueSave hands the snapshot to the room's writer goroutine, spawning one
// if none is draining. A snapshot queued behind an unstarted save replaces
// it, so the store only ever moves forward in mutation order.
func (s *Service) queueSave(state *models.PlaybackState) {
	snapshot := *state
	roomID := snapshot.RoomID

	s.saveMu.Lock()
	s.pending[roomID] = &snapshot
	if s.writing[roomID] {
		s.saveMu.Unlock()
		return
	}
	s.writing[roomID] = true
	s.saveMu.Unlock()

	go func() {
		for {
			s.saveMu.Lock()
			next, ok := s.pending[roomID]
			if !ok {
				s.writing[roomID] = false
				s.saveMu.Unlock()
				return
			}
			delete(s.pending, roomID)
			s.saveMu.Unlock()

			if err := s.store.SavePlayback(next); err != nil {
				s.logger.Error("failed to persist playback snapshot", "room", roomID, "err", err)
			}
		}
	}()
}
