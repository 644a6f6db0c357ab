package room

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/listening-room-system/internal/playback"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/models"
)

// EventPublisher feeds the audit stream; failures never surface to the
// caller.
type EventPublisher interface {
	Publish(ctx context.Context, eventType events.EventType, roomID, userID string, payload interface{}) error
}

// Handler exposes the thin HTTP surface for room bootstrap; everything
// after creation happens over the websocket.
type Handler struct {
	service  *Service
	playback *playback.Service
	events   EventPublisher
}

func NewHandler(service *Service, playbackSvc *playback.Service, publisher EventPublisher) *Handler {
	return &Handler{service: service, playback: playbackSvc, events: publisher}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/rooms", h.CreateRoom)
	rg.GET("/rooms/code/:code", h.GetRoomByCode)
}

type createRoomRequest struct {
	Settings *models.SettingsPatch `json:"settings"`
}

func (h *Handler) CreateRoom(c *gin.Context) {
	hostID, err := uuid.Parse(c.GetString("user_id"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user"})
		return
	}

	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	room, err := h.service.CreateRoom(c.Request.Context(), hostID, req.Settings)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	if _, err := h.playback.InitState(c.Request.Context(), room.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initialize playback"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.events.Publish(ctx, events.EventTypeRoomCreated, room.ID.String(), hostID.String(), nil)
	}()

	c.JSON(http.StatusCreated, room)
}

func (h *Handler) GetRoomByCode(c *gin.Context) {
	room, err := h.service.GetByCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room)
}
