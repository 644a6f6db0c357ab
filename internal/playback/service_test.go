package playback

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/listening-room-system/internal/taste"
	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/models"
)

type memoryStore struct {
	mu        sync.Mutex
	states    map[uuid.UUID]models.PlaybackState
	positions []int64
	gate      chan struct{} // when set, saves wait on it
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[uuid.UUID]models.PlaybackState)}
}

func (m *memoryStore) SavePlayback(state *models.PlaybackState) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.RoomID] = *state
	m.positions = append(m.positions, state.PositionMs)
	return nil
}

func (m *memoryStore) savedPositions() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.positions...)
}

func (m *memoryStore) GetPlayback(roomID uuid.UUID) (*models.PlaybackState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[roomID]
	if !ok {
		return nil, errors.New("record not found")
	}
	return &state, nil
}

type memoryCache struct {
	mu     sync.Mutex
	states map[uuid.UUID]models.PlaybackState
	sets   int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{states: make(map[uuid.UUID]models.PlaybackState)}
}

func (m *memoryCache) Set(_ context.Context, state *models.PlaybackState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.RoomID] = *state
	m.sets++
	return nil
}

func (m *memoryCache) Get(_ context.Context, roomID uuid.UUID) (*models.PlaybackState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[roomID]
	if !ok {
		return nil, errors.New("cache miss")
	}
	return &state, nil
}

func (m *memoryCache) Evict(_ context.Context, roomIDs ...uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range roomIDs {
		delete(m.states, id)
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryStore, *memoryCache, uuid.UUID) {
	t.Helper()
	store := newMemoryStore()
	cache := newMemoryCache()
	svc := NewService(store, cache, log.New(io.Discard))

	roomID := uuid.New()
	if _, err := svc.InitState(context.Background(), roomID); err != nil {
		t.Fatalf("InitState: %v", err)
	}
	return svc, store, cache, roomID
}

func item(id string) models.QueueItem {
	return models.QueueItem{TrackID: id, Title: "Track " + id, Artist: "Artist", Origin: models.OriginUser}
}

func queueIDs(state *models.PlaybackState) []string {
	ids := make([]string, len(state.Queue))
	for i, q := range state.Queue {
		ids[i] = q.TrackID
	}
	return ids
}

func sameIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLivePosition(t *testing.T) {
	base := time.Now()

	t.Run("playing extrapolates elapsed wall time", func(t *testing.T) {
		state := &models.PlaybackState{PositionMs: 10000, ServerTime: base, IsPlaying: true}
		if got := LivePosition(state, base.Add(5*time.Second)); got != 15000 {
			t.Errorf("live position = %d, want 15000", got)
		}
	})

	t.Run("paused reports the stored position", func(t *testing.T) {
		state := &models.PlaybackState{PositionMs: 10000, ServerTime: base, IsPlaying: false}
		if got := LivePosition(state, base.Add(time.Hour)); got != 10000 {
			t.Errorf("live position = %d, want 10000", got)
		}
	})

	t.Run("nil state is zero", func(t *testing.T) {
		if got := LivePosition(nil, base); got != 0 {
			t.Errorf("live position = %d, want 0", got)
		}
	})
}

func TestInitAndGet(t *testing.T) {
	svc, _, cache, roomID := newTestService(t)
	ctx := context.Background()

	t.Run("initial state is idle with empty queue", func(t *testing.T) {
		state, err := svc.GetState(ctx, roomID)
		if err != nil {
			t.Fatalf("GetState: %v", err)
		}
		if state.CurrentItem != nil || state.IsPlaying || state.PositionMs != 0 || len(state.Queue) != 0 {
			t.Errorf("unexpected initial state: %+v", state)
		}
	})

	t.Run("unknown room is not found", func(t *testing.T) {
		_, err := svc.GetState(ctx, uuid.New())
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Code != apperr.CodeNotFound {
			t.Errorf("expected not-found, got %v", err)
		}
	})

	t.Run("cache miss falls back to the store and refills", func(t *testing.T) {
		cache.Evict(ctx, roomID)
		if _, err := svc.GetState(ctx, roomID); err != nil {
			t.Fatalf("GetState after evict: %v", err)
		}
		if _, err := cache.Get(ctx, roomID); err != nil {
			t.Error("cache was not refilled")
		}
	})
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes onto an idle room", func(t *testing.T) {
		svc, _, _, roomID := newTestService(t)
		state, promoted, err := svc.Add(ctx, roomID, item("a"))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if !promoted {
			t.Fatal("expected promotion on idle room")
		}
		if state.CurrentItem == nil || state.CurrentItem.TrackID != "a" {
			t.Errorf("current item = %+v, want a", state.CurrentItem)
		}
		if !state.IsPlaying || state.PositionMs != 0 {
			t.Errorf("promoted track should start playing from zero: %+v", state)
		}
		if len(state.Queue) != 0 {
			t.Errorf("queue should stay empty, got %v", queueIDs(state))
		}
	})

	t.Run("appends while something plays", func(t *testing.T) {
		svc, _, _, roomID := newTestService(t)
		svc.Add(ctx, roomID, item("a"))
		state, promoted, err := svc.Add(ctx, roomID, item("b"))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if promoted {
			t.Error("second add should not promote")
		}
		if !sameIDs(queueIDs(state), "b") {
			t.Errorf("queue = %v, want [b]", queueIDs(state))
		}
	})
}

func TestTransportTuple(t *testing.T) {
	ctx := context.Background()
	svc, _, _, roomID := newTestService(t)
	svc.Add(ctx, roomID, item("a"))

	now := time.Now()
	svc.now = func() time.Time { return now }

	t.Run("pause freezes the reported position", func(t *testing.T) {
		state, err := svc.Pause(ctx, roomID, 42000)
		if err != nil {
			t.Fatalf("Pause: %v", err)
		}
		if state.IsPlaying || state.PositionMs != 42000 {
			t.Errorf("pause state: %+v", state)
		}
		if !state.ServerTime.Equal(now) {
			t.Error("pause must re-stamp serverTime alongside positionMs")
		}
	})

	t.Run("play resumes from the live position", func(t *testing.T) {
		now = now.Add(10 * time.Second)
		state, err := svc.Play(ctx, roomID)
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
		if !state.IsPlaying || state.PositionMs != 42000 {
			t.Errorf("resume from pause should keep the frozen position: %+v", state)
		}

		now = now.Add(3 * time.Second)
		state, err = svc.Play(ctx, roomID)
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
		if state.PositionMs != 45000 {
			t.Errorf("play while playing should fold in elapsed time, got %d", state.PositionMs)
		}
	})

	t.Run("seek keeps the play state", func(t *testing.T) {
		state, err := svc.Seek(ctx, roomID, 1000)
		if err != nil {
			t.Fatalf("Seek: %v", err)
		}
		if !state.IsPlaying || state.PositionMs != 1000 {
			t.Errorf("seek state: %+v", state)
		}
	})
}

func TestSkipToNext(t *testing.T) {
	ctx := context.Background()

	t.Run("pops the queue head", func(t *testing.T) {
		svc, _, _, roomID := newTestService(t)
		svc.Add(ctx, roomID, item("a"))
		svc.Add(ctx, roomID, item("b"))
		svc.Add(ctx, roomID, item("c"))

		state, err := svc.SkipToNext(ctx, roomID)
		if err != nil {
			t.Fatalf("SkipToNext: %v", err)
		}
		if state.CurrentItem == nil || state.CurrentItem.TrackID != "b" {
			t.Errorf("current = %+v, want b", state.CurrentItem)
		}
		if !sameIDs(queueIDs(state), "c") {
			t.Errorf("queue = %v, want [c]", queueIDs(state))
		}
		if !state.IsPlaying || state.PositionMs != 0 {
			t.Errorf("next track should start playing from zero: %+v", state)
		}
	})

	t.Run("empty queue goes idle", func(t *testing.T) {
		svc, _, _, roomID := newTestService(t)
		svc.Add(ctx, roomID, item("a"))

		state, err := svc.SkipToNext(ctx, roomID)
		if err != nil {
			t.Fatalf("SkipToNext: %v", err)
		}
		if state.CurrentItem != nil || state.IsPlaying || state.PositionMs != 0 {
			t.Errorf("expected idle state, got %+v", state)
		}
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	svc, _, _, roomID := newTestService(t)
	svc.Add(ctx, roomID, item("cur"))
	for _, id := range []string{"a", "b", "c"} {
		svc.Add(ctx, roomID, item(id))
	}

	t.Run("removes mid-queue and shifts", func(t *testing.T) {
		state, err := svc.Remove(ctx, roomID, 1)
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if !sameIDs(queueIDs(state), "a", "c") {
			t.Errorf("queue = %v, want [a c]", queueIDs(state))
		}
	})

	t.Run("out of range leaves the queue untouched", func(t *testing.T) {
		_, err := svc.Remove(ctx, roomID, 5)
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Code != apperr.CodeValidation {
			t.Fatalf("expected validation error, got %v", err)
		}
		state, _ := svc.GetState(ctx, roomID)
		if !sameIDs(queueIDs(state), "a", "c") {
			t.Errorf("failed remove mutated the queue: %v", queueIDs(state))
		}
	})
}

func TestReorder(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) (*Service, uuid.UUID) {
		svc, _, _, roomID := newTestService(t)
		svc.Add(ctx, roomID, item("cur"))
		for _, id := range []string{"a", "b", "c", "d"} {
			svc.Add(ctx, roomID, item(id))
		}
		return svc, roomID
	}

	t.Run("moves forward preserving relative order", func(t *testing.T) {
		svc, roomID := seed(t)
		state, err := svc.Reorder(ctx, roomID, 0, 2)
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if !sameIDs(queueIDs(state), "b", "c", "a", "d") {
			t.Errorf("queue = %v, want [b c a d]", queueIDs(state))
		}
	})

	t.Run("moves backward preserving relative order", func(t *testing.T) {
		svc, roomID := seed(t)
		state, err := svc.Reorder(ctx, roomID, 3, 1)
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if !sameIDs(queueIDs(state), "a", "d", "b", "c") {
			t.Errorf("queue = %v, want [a d b c]", queueIDs(state))
		}
	})

	t.Run("same index is a no-op", func(t *testing.T) {
		svc, roomID := seed(t)
		state, err := svc.Reorder(ctx, roomID, 2, 2)
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if !sameIDs(queueIDs(state), "a", "b", "c", "d") {
			t.Errorf("queue = %v, want unchanged", queueIDs(state))
		}
	})

	t.Run("out of range is rejected", func(t *testing.T) {
		svc, roomID := seed(t)
		if _, err := svc.Reorder(ctx, roomID, 0, 9); err == nil {
			t.Fatal("expected validation error")
		}
		state, _ := svc.GetState(ctx, roomID)
		if !sameIDs(queueIDs(state), "a", "b", "c", "d") {
			t.Errorf("failed reorder mutated the queue: %v", queueIDs(state))
		}
	})
}

func TestPlayNow(t *testing.T) {
	ctx := context.Background()
	svc, _, _, roomID := newTestService(t)
	svc.Add(ctx, roomID, item("cur"))
	for _, id := range []string{"a", "b", "c"} {
		svc.Add(ctx, roomID, item(id))
	}

	state, promoted, err := svc.PlayNow(ctx, roomID, 1)
	if err != nil {
		t.Fatalf("PlayNow: %v", err)
	}
	if promoted.TrackID != "b" {
		t.Errorf("promoted %q, want b", promoted.TrackID)
	}
	if state.CurrentItem == nil || state.CurrentItem.TrackID != "b" {
		t.Errorf("current = %+v, want b", state.CurrentItem)
	}
	if !sameIDs(queueIDs(state), "a", "c") {
		t.Errorf("queue = %v, want [a c]", queueIDs(state))
	}
	if !state.IsPlaying || state.PositionMs != 0 {
		t.Errorf("promoted track should play from zero: %+v", state)
	}

	if _, _, err := svc.PlayNow(ctx, roomID, 7); err == nil {
		t.Error("out-of-range index should be rejected")
	}
}

// Rapid transitions must reach the store in mutation order; a slow save
// never lets an older snapshot overwrite a newer one.
func TestSnapshotOrdering(t *testing.T) {
	ctx := context.Background()
	svc, store, _, roomID := newTestService(t)
	svc.Add(ctx, roomID, item("a"))
	waitForSave(t, store, 0) // drain the add before gating

	gate := make(chan struct{})
	store.mu.Lock()
	store.gate = gate
	store.mu.Unlock()

	// First seek's save blocks on the gate; the next two queue behind it
	// and coalesce.
	svc.Seek(ctx, roomID, 1000)
	svc.Seek(ctx, roomID, 2000)
	svc.Seek(ctx, roomID, 3000)
	close(gate)

	waitForSave(t, store, 3000)
	positions := store.savedPositions()
	last := positions[len(positions)-1]
	if last != 3000 {
		t.Fatalf("final durable position = %d, want 3000 (saves: %v)", last, positions)
	}
	for i := 1; i < len(positions); i++ {
		if positions[i] < positions[i-1] {
			t.Fatalf("snapshots persisted out of order: %v", positions)
		}
	}
}

func waitForSave(t *testing.T, store *memoryStore, positionMs int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		positions := store.savedPositions()
		if len(positions) > 0 && positions[len(positions)-1] == positionMs {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for durable position %d (saves: %v)", positionMs, store.savedPositions())
}

func TestLearnTaste(t *testing.T) {
	ctx := context.Background()
	svc, _, _, roomID := newTestService(t)

	state, err := svc.LearnTaste(ctx, roomID, item("a"), taste.LearnOptions{Weight: 1.2})
	if err != nil {
		t.Fatalf("LearnTaste: %v", err)
	}
	if state.Taste.ArtistWeights["artist"] == 0 {
		t.Error("learning did not touch the profile")
	}
	if len(state.Taste.RecentTrackIDs) != 1 || state.Taste.RecentTrackIDs[0] != "a" {
		t.Errorf("recent tracks = %v, want [a]", state.Taste.RecentTrackIDs)
	}
}
