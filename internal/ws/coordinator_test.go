package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/listening-room-system/internal/playback"
	"github.com/listening-room-system/internal/room"
	"github.com/listening-room-system/internal/taste"
	"github.com/listening-room-system/internal/vote"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/models"
)

type stubRoomStore struct {
	mu          sync.Mutex
	rooms       map[uuid.UUID]*models.Room
	deactivated []uuid.UUID
}

func newStubRoomStore() *stubRoomStore {
	return &stubRoomStore{rooms: make(map[uuid.UUID]*models.Room)}
}

func (s *stubRoomStore) CreateRoom(r *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
	return nil
}

func (s *stubRoomStore) GetRoomByID(id uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	clone := *r
	return &clone, nil
}

func (s *stubRoomStore) GetActiveRoomByCode(code string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.JoinCode == code && r.IsActive {
			clone := *r
			return &clone, nil
		}
	}
	return nil, errors.New("record not found")
}

func (s *stubRoomStore) ActiveCodeExists(string) (bool, error) { return false, nil }

func (s *stubRoomStore) UpdateRoom(r *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
	return nil
}

func (s *stubRoomStore) TouchHeartbeat(uuid.UUID, time.Time) error { return nil }

func (s *stubRoomStore) DeactivateRoom(roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.IsActive = false
	}
	s.deactivated = append(s.deactivated, roomID)
	return nil
}

func (s *stubRoomStore) StaleActiveRooms(time.Time) ([]models.Room, error)      { return nil, nil }
func (s *stubRoomStore) ExpiredInactiveRoomIDs(time.Time) ([]uuid.UUID, error)  { return nil, nil }
func (s *stubRoomStore) DeleteRooms([]uuid.UUID) error                          { return nil }
func (s *stubRoomStore) DeletePlayback([]uuid.UUID) error                       { return nil }
func (s *stubRoomStore) DeleteVotes([]uuid.UUID) error                          { return nil }
func (s *stubRoomStore) OrphanPlaybackRoomIDs() ([]uuid.UUID, error)            { return nil, nil }

func (s *stubRoomStore) wasDeactivated(roomID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.deactivated {
		if id == roomID {
			return true
		}
	}
	return false
}

type stubStateStore struct {
	mu     sync.Mutex
	states map[uuid.UUID]models.PlaybackState
}

func (s *stubStateStore) SavePlayback(state *models.PlaybackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.RoomID] = *state
	return nil
}

func (s *stubStateStore) GetPlayback(roomID uuid.UUID) (*models.PlaybackState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[roomID]
	if !ok {
		return nil, errors.New("record not found")
	}
	return &state, nil
}

type stubStateCache struct {
	mu     sync.Mutex
	states map[uuid.UUID]models.PlaybackState
}

func (c *stubStateCache) Set(_ context.Context, state *models.PlaybackState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.RoomID] = *state
	return nil
}

func (c *stubStateCache) Get(_ context.Context, roomID uuid.UUID) (*models.PlaybackState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[roomID]
	if !ok {
		return nil, errors.New("cache miss")
	}
	return &state, nil
}

func (c *stubStateCache) Evict(_ context.Context, roomIDs ...uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range roomIDs {
		delete(c.states, id)
	}
	return nil
}

type noopSearcher struct{}

func (noopSearcher) Search(context.Context, string, int) ([]models.QueueItem, error) {
	return nil, nil
}

type noopAudit struct{}

func (noopAudit) CreateVoteRecord(*models.VoteRecord) error { return nil }

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, events.EventType, string, string, interface{}) error {
	return nil
}

// dialConnPair opens a real websocket through an httptest server and hands
// back both ends, so broadcasts written server-side can be read client-side.
func dialConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		upgraded <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientSide, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { clientSide.Close() })

	serverSide := <-upgraded
	t.Cleanup(func() { serverSide.Close() })
	return serverSide, clientSide
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	return env.Event, env.Data
}

func newTestCoordinator(t *testing.T, store *stubRoomStore, cache *stubStateCache) *Coordinator {
	t.Helper()
	logger := log.New(io.Discard)
	return &Coordinator{
		hub:      newHub(),
		rooms:    room.NewService(store, logger),
		playback: playback.NewService(&stubStateStore{states: make(map[uuid.UUID]models.PlaybackState)}, cache, logger),
		votes:    vote.NewLedger(),
		engine:   taste.NewEngine(noopSearcher{}, logger),
		audit:    noopAudit{},
		events:   noopPublisher{},
		logger:   logger,
	}
}

// A host dropping off the wire closes the room for everyone: remaining
// members get room_closed, the row is deactivated, and all in-memory
// sub-state is torn down.
func TestHostDisconnectClosesRoom(t *testing.T) {
	store := newStubRoomStore()
	cache := &stubStateCache{states: make(map[uuid.UUID]models.PlaybackState)}
	co := newTestCoordinator(t, store, cache)

	roomID := uuid.New()
	hostID := uuid.New()
	store.rooms[roomID] = &models.Room{
		ID:       roomID,
		JoinCode: "ABC234",
		HostID:   hostID,
		Settings: models.DefaultSettings(),
		IsActive: true,
	}
	if _, err := co.playback.InitState(context.Background(), roomID); err != nil {
		t.Fatalf("InitState: %v", err)
	}

	hostConn, _ := dialConnPair(t)
	memberConn, memberWire := dialConnPair(t)

	host := &client{conn: hostConn, userID: hostID.String(), username: "host"}
	member := &client{conn: memberConn, userID: uuid.NewString(), username: "member"}
	co.hub.register(host)
	co.hub.register(member)
	co.hub.joinRoom(roomID, host)
	host.setRoom(roomID, true)
	co.hub.joinRoom(roomID, member)
	member.setRoom(roomID, false)

	if _, err := co.votes.CastVote(roomID, member.userID, vote.ActionSkip, 0); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	co.handleDisconnect(host)

	event, data := readEvent(t, memberWire)
	if event != EvtRoomClosed {
		t.Fatalf("member received %q, want %q", event, EvtRoomClosed)
	}
	var closed roomClosedData
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("bad room_closed payload: %v", err)
	}
	if closed.Reason != "Host disconnected" {
		t.Errorf("reason = %q, want host disconnect", closed.Reason)
	}

	if !store.wasDeactivated(roomID) {
		t.Error("room row was not deactivated")
	}
	if co.hub.count(roomID) != 0 {
		t.Error("hub still holds members for the closed room")
	}
	if co.votes.Count(roomID, vote.ActionSkip) != 0 {
		t.Error("vote ledger was not evicted")
	}
	if _, err := cache.Get(context.Background(), roomID); err == nil {
		t.Error("playback cache was not evicted")
	}
	co.hub.mu.RLock()
	_, lockKept := co.hub.locks[roomID]
	_, feedbackKept := co.hub.feedback[roomID]
	co.hub.mu.RUnlock()
	if lockKept || feedbackKept {
		t.Error("per-room hub state was not dropped")
	}
}

// A non-host leave shrinks the room and notifies the others without
// closing anything.
func TestMemberLeaveKeepsRoomOpen(t *testing.T) {
	store := newStubRoomStore()
	cache := &stubStateCache{states: make(map[uuid.UUID]models.PlaybackState)}
	co := newTestCoordinator(t, store, cache)

	roomID := uuid.New()
	hostID := uuid.New()
	store.rooms[roomID] = &models.Room{
		ID:       roomID,
		JoinCode: "ABC234",
		HostID:   hostID,
		Settings: models.DefaultSettings(),
		IsActive: true,
	}

	hostConn, hostWire := dialConnPair(t)
	memberConn, _ := dialConnPair(t)

	host := &client{conn: hostConn, userID: hostID.String(), username: "host"}
	member := &client{conn: memberConn, userID: uuid.NewString(), username: "member"}
	co.hub.register(host)
	co.hub.register(member)
	co.hub.joinRoom(roomID, host)
	host.setRoom(roomID, true)
	co.hub.joinRoom(roomID, member)
	member.setRoom(roomID, false)

	co.handleLeave(member, false)

	event, data := readEvent(t, hostWire)
	if event != EvtMemberLeft {
		t.Fatalf("host received %q, want %q", event, EvtMemberLeft)
	}
	var left memberData
	if err := json.Unmarshal(data, &left); err != nil {
		t.Fatalf("bad member_left payload: %v", err)
	}
	if left.User.ID != member.userID || left.MemberCount != 1 {
		t.Errorf("member_left = %+v", left)
	}

	if store.wasDeactivated(roomID) {
		t.Error("member leave must not close the room")
	}
	if co.hub.count(roomID) != 1 {
		t.Errorf("count = %d, want the host remaining", co.hub.count(roomID))
	}
}
