package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/listening-room-system/internal/auth"
	"github.com/listening-room-system/internal/playback"
	"github.com/listening-room-system/internal/room"
	"github.com/listening-room-system/internal/taste"
	"github.com/listening-room-system/internal/vote"
	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/models"
)

const (
	pingInterval = 15 * time.Second
	maxMsgBytes  = 8 << 10

	// Inbound command rate per connection; floods get a validation
	// error instead of mutating room state.
	cmdRate  = 15
	cmdBurst = 30
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checking is handled by the CORS layer in front
	},
}

// VoteAudit persists cast votes for the audit trail.
type VoteAudit interface {
	CreateVoteRecord(rec *models.VoteRecord) error
}

// Publisher is the audit event stream; failures are logged, never
// propagated.
type Publisher interface {
	Publish(ctx context.Context, eventType events.EventType, roomID, userID string, payload interface{}) error
}

// Coordinator authenticates connections, routes commands into the room
// components, and fans resulting deltas out to every connection in the
// room.
type Coordinator struct {
	hub      *hub
	verifier *auth.Verifier
	rooms    *room.Service
	playback *playback.Service
	votes    *vote.Ledger
	engine   *taste.Engine
	audit    VoteAudit
	events   Publisher
	logger   *log.Logger
}

func NewCoordinator(
	verifier *auth.Verifier,
	rooms *room.Service,
	playbackSvc *playback.Service,
	votes *vote.Ledger,
	engine *taste.Engine,
	audit VoteAudit,
	publisher Publisher,
	logger *log.Logger,
) *Coordinator {
	return &Coordinator{
		hub:      newHub(),
		verifier: verifier,
		rooms:    rooms,
		playback: playbackSvc,
		votes:    votes,
		engine:   engine,
		audit:    audit,
		events:   publisher,
		logger:   logger.WithPrefix("ws"),
	}
}

// HandleWebSocket upgrades the connection and authenticates it from the
// handshake token. Auth failure closes with code 4001, which clients must
// treat as non-retryable.
func (co *Coordinator) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		co.logger.Warn("failed to upgrade connection", "err", err)
		return
	}

	identity, err := co.verifier.Verify(c.Request.Context(), c.Query("token"))
	if err != nil {
		cl := &client{conn: conn}
		cl.sendError(string(apperr.CodeAuthFailure), "invalid or expired token", 0)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthFailure, "unauthorized"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	cl := &client{
		conn:     conn,
		userID:   identity.UserID,
		username: identity.Username,
		alive:    true,
	}
	co.hub.register(cl)
	cl.send(EvtConnected, gin.H{"userId": cl.userID, "username": cl.username})

	conn.SetReadLimit(maxMsgBytes)
	conn.SetPongHandler(func(string) error {
		cl.markAlive(true)
		return nil
	})

	co.readLoop(cl)
}

func (co *Coordinator) readLoop(cl *client) {
	defer func() {
		co.handleDisconnect(cl)
		co.hub.unregister(cl)
		cl.conn.Close()
	}()

	limiter := rate.NewLimiter(rate.Limit(cmdRate), cmdBurst)

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				co.logger.Warn("read error", "user", cl.userID, "err", err)
			}
			return
		}

		if !limiter.Allow() {
			cl.sendError(string(apperr.CodeValidation), "too many commands", 0)
			continue
		}

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			cl.sendError(string(apperr.CodeValidation), "invalid JSON", 0)
			continue
		}

		co.dispatch(cl, msg)
	}
}

func (co *Coordinator) dispatch(cl *client, msg Inbound) {
	var err error
	switch msg.Event {
	case CmdJoinRoom:
		err = co.handleJoinRoom(cl, msg.Data)
	case CmdLeaveRoom:
		co.handleLeave(cl, false)
	case CmdHostHeartbeat:
		err = co.handleHeartbeat(cl)
	case CmdPlay:
		err = co.handlePlay(cl)
	case CmdPause:
		err = co.handlePause(cl, msg.Data)
	case CmdSeek:
		err = co.handleSeek(cl, msg.Data)
	case CmdSkip:
		err = co.handleSkip(cl, msg.Data)
	case CmdPrev:
		err = co.handlePrev(cl, msg.Data)
	case CmdPositionReport:
		co.handlePositionReport(cl, msg.Data)
	case CmdQueueAdd:
		err = co.handleQueueAdd(cl, msg.Data)
	case CmdQueueRemove:
		err = co.handleQueueRemove(cl, msg.Data)
	case CmdQueueReorder:
		err = co.handleQueueReorder(cl, msg.Data)
	case CmdQueuePlayNow:
		err = co.handleQueuePlayNow(cl, msg.Data)
	case CmdVote:
		err = co.handleVote(cl, msg.Data)
	case CmdSettingsUpdate:
		err = co.handleSettingsUpdate(cl, msg.Data)
	case CmdFeedback:
		err = co.handleFeedback(cl, msg.Data)
	default:
		cl.sendError(string(apperr.CodeValidation), "unknown event: "+msg.Event, 0)
		return
	}

	if err != nil {
		co.sendErr(cl, err)
	}
}

// sendErr delivers a non-fatal error to the originating connection only.
func (co *Coordinator) sendErr(cl *client, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		cl.sendError(string(appErr.Code), appErr.Message, appErr.RetryAfterSec)
		return
	}
	co.logger.Error("handler error", "user", cl.userID, "err", err)
	cl.sendError("SERVER_ERROR", "internal error", 0)
}

// EvictRoom tears down in-memory state for a room closed outside the
// message path (the heartbeat sweep). Remaining connections are told to
// tear down locally.
func (co *Coordinator) EvictRoom(roomID uuid.UUID) {
	co.hub.broadcast(roomID, EvtRoomClosed, roomClosedData{Reason: "Host heartbeat timed out"}, "")
	for _, cl := range co.hub.roomClients(roomID) {
		cl.clearRoom()
	}
	co.hub.dropRoom(roomID)
	co.playback.EvictRoom(context.Background(), roomID)
	co.votes.EvictRoom(roomID)
}

// RunPingLoop probes connection liveness on a fixed interval; a connection
// that misses one full interval is terminated and handled as a disconnect.
func (co *Coordinator) RunPingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cl := range co.hub.allClients() {
				if !cl.isAlive() {
					cl.conn.Close()
					continue
				}
				cl.markAlive(false)
				if err := cl.ping(); err != nil {
					cl.conn.Close()
				}
			}
		}
	}
}

func (co *Coordinator) publish(eventType events.EventType, roomID, userID string, payload interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := co.events.Publish(ctx, eventType, roomID, userID, payload); err != nil {
			co.logger.Warn("failed to publish audit event", "type", eventType, "err", err)
		}
	}()
}

// serialize renders a playback tuple for the wire with the position already
// extrapolated to now.
func serialize(state *models.PlaybackState) *playbackData {
	if state == nil {
		return nil
	}
	return &playbackData{
		CurrentItem: state.CurrentItem,
		PositionMs:  playback.LivePosition(state, time.Now()),
		ServerTime:  state.ServerTime.UnixMilli(),
		IsPlaying:   state.IsPlaying,
		Queue:       state.Queue,
	}
}

// emitSuggestions recomputes autoplay candidates off the hot path and
// broadcasts them. Search failures yield an empty list, never an error.
func (co *Coordinator) emitSuggestions(roomID uuid.UUID, settings models.RoomSettings) {
	go func() {
		data := suggestionsData{Suggestions: []models.QueueItem{}}
		if settings.AutoplayEnabled {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			state, err := co.playback.GetState(ctx, roomID)
			if err == nil {
				if found := co.engine.FindCandidates(ctx, state, settings, 10); found != nil {
					data.Suggestions = found
				}
			}
		}
		co.hub.broadcast(roomID, EvtAutoplaySuggestions, data, "")
	}()
}
