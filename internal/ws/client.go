package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// client is one authenticated websocket connection.
type client struct {
	conn     *websocket.Conn
	userID   string
	username string

	mu     sync.Mutex // guards roomID, isHost, alive and writes to conn
	roomID uuid.UUID
	isHost bool
	inRoom bool
	alive  bool
}

func (c *client) send(event string, data interface{}) {
	payload, err := json.Marshal(newEnvelope(event, data))
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) sendError(code, message string, retryAfterSec int) {
	c.send(EvtError, errorData{Code: code, Message: message, RetryAfterSec: retryAfterSec})
}

func (c *client) room() (uuid.UUID, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.isHost, c.inRoom
}

func (c *client) setRoom(roomID uuid.UUID, isHost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.isHost = isHost
	c.inRoom = true
}

func (c *client) clearRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = uuid.Nil
	c.isHost = false
	c.inRoom = false
}

func (c *client) markAlive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = v
}

func (c *client) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}
