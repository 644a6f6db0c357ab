package ws

import (
	"sync"

	"github.com/google/uuid"
)

// feedback is the per-room approve/disapprove state for the current track.
type feedback struct {
	trackID  string
	likes    map[string]struct{}
	dislikes map[string]struct{}
}

func newFeedback(trackID string) *feedback {
	return &feedback{
		trackID:  trackID,
		likes:    make(map[string]struct{}),
		dislikes: make(map[string]struct{}),
	}
}

// hub owns all live connections grouped by room. Each room also gets a
// mutex; handlers hold it across a full mutate-then-broadcast cycle so
// commands for one room apply in arrival order while distinct rooms proceed
// concurrently.
type hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	rooms    map[uuid.UUID]map[string]*client
	locks    map[uuid.UUID]*sync.Mutex
	feedback map[uuid.UUID]*feedback
}

func newHub() *hub {
	return &hub{
		clients:  make(map[*client]struct{}),
		rooms:    make(map[uuid.UUID]map[string]*client),
		locks:    make(map[uuid.UUID]*sync.Mutex),
		feedback: make(map[uuid.UUID]*feedback),
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// lockRoom returns the serialization mutex for a room, creating it on first
// use.
func (h *hub) lockRoom(roomID uuid.UUID) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.locks[roomID]; ok {
		return l
	}
	l := &sync.Mutex{}
	h.locks[roomID] = l
	return l
}

func (h *hub) joinRoom(roomID uuid.UUID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*client)
		h.rooms[roomID] = members
	}
	members[c.userID] = c
}

func (h *hub) leaveRoom(roomID uuid.UUID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// dropRoom tears down all per-room state after a close.
func (h *hub) dropRoom(roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
	delete(h.locks, roomID)
	delete(h.feedback, roomID)
}

// count is the number of currently connected members, the vote-threshold
// denominator.
func (h *hub) count(roomID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *hub) members(roomID uuid.UUID) []memberInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]memberInfo, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		out = append(out, memberInfo{ID: c.userID, Username: c.username})
	}
	return out
}

func (h *hub) roomClients(roomID uuid.UUID) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

func (h *hub) allClients() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// broadcast fans an event out to every connection in the room, optionally
// excluding one user.
func (h *hub) broadcast(roomID uuid.UUID, event string, data interface{}, excludeUserID string) {
	for _, c := range h.roomClients(roomID) {
		if excludeUserID != "" && c.userID == excludeUserID {
			continue
		}
		c.send(event, data)
	}
}

// feedbackFor returns the room's feedback state, resetting it when the
// current track has changed.
func (h *hub) feedbackFor(roomID uuid.UUID, trackID string) *feedback {
	h.mu.Lock()
	defer h.mu.Unlock()
	fb, ok := h.feedback[roomID]
	if !ok || fb.trackID != trackID {
		fb = newFeedback(trackID)
		h.feedback[roomID] = fb
	}
	return fb
}

func (h *hub) dropFeedbackUser(roomID uuid.UUID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	fb, ok := h.feedback[roomID]
	if !ok {
		return false
	}
	_, liked := fb.likes[userID]
	_, disliked := fb.dislikes[userID]
	delete(fb.likes, userID)
	delete(fb.dislikes, userID)
	return liked || disliked
}
