package room

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/models"
)

const (
	// Visually ambiguous characters (I, O, 0, 1) are excluded from codes.
	codeAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength      = 6
	maxCodeAttempts = 10
)

// Store is the durable side of room lifecycle.
type Store interface {
	CreateRoom(room *models.Room) error
	GetRoomByID(id uuid.UUID) (*models.Room, error)
	GetActiveRoomByCode(code string) (*models.Room, error)
	ActiveCodeExists(code string) (bool, error)
	UpdateRoom(room *models.Room) error
	TouchHeartbeat(roomID uuid.UUID, at time.Time) error
	DeactivateRoom(roomID uuid.UUID) error
	StaleActiveRooms(cutoff time.Time) ([]models.Room, error)
	ExpiredInactiveRoomIDs(cutoff time.Time) ([]uuid.UUID, error)
	DeleteRooms(ids []uuid.UUID) error
	DeletePlayback(roomIDs []uuid.UUID) error
	DeleteVotes(roomIDs []uuid.UUID) error
	OrphanPlaybackRoomIDs() ([]uuid.UUID, error)
}

type Service struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
}

func NewService(store Store, logger *log.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.WithPrefix("room"),
		now:    time.Now,
	}
}

func generateCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		code[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(code)
}

// CreateRoom allocates a room for the host, merging the settings override
// over defaults. Join codes are sampled against active rooms; after
// maxCodeAttempts the last candidate is accepted, trading a tiny collision
// risk for a bounded loop.
func (s *Service) CreateRoom(ctx context.Context, hostID uuid.UUID, patch *models.SettingsPatch) (*models.Room, error) {
	code := generateCode()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		exists, err := s.store.ActiveCodeExists(code)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		code = generateCode()
	}

	settings := models.DefaultSettings()
	if patch != nil {
		patch.Apply(&settings)
	}

	room := &models.Room{
		ID:            uuid.New(),
		JoinCode:      code,
		HostID:        hostID,
		Settings:      settings,
		IsActive:      true,
		LastHeartbeat: s.now(),
	}

	if err := s.store.CreateRoom(room); err != nil {
		return nil, err
	}

	s.logger.Info("room created", "room", room.ID, "code", room.JoinCode, "host", hostID)
	return room, nil
}

func (s *Service) GetByID(roomID uuid.UUID) (*models.Room, error) {
	room, err := s.store.GetRoomByID(roomID)
	if err != nil {
		return nil, apperr.NotFound("room %s not found", roomID)
	}
	return room, nil
}

func (s *Service) GetByCode(code string) (*models.Room, error) {
	room, err := s.store.GetActiveRoomByCode(strings.ToUpper(code))
	if err != nil {
		return nil, apperr.NotFound("no active room with code %s", code)
	}
	return room, nil
}

// UpdateSettings applies a whitelist-filtered patch. Unknown keys never
// reach here; the wire decoder rejects them.
func (s *Service) UpdateSettings(roomID uuid.UUID, patch models.SettingsPatch) (*models.Room, error) {
	room, err := s.GetByID(roomID)
	if err != nil {
		return nil, err
	}

	patch.Apply(&room.Settings)
	if err := s.store.UpdateRoom(room); err != nil {
		return nil, err
	}
	return room, nil
}

// Heartbeat records host liveness. Only the host connection pushes these;
// their absence is the sole crash signal for an ungracefully-lost host.
func (s *Service) Heartbeat(roomID uuid.UUID) error {
	return s.store.TouchHeartbeat(roomID, s.now())
}

// CloseRoom marks the room inactive and purges its durable sub-state. The
// room row itself survives until the retention sweep hard-deletes it.
func (s *Service) CloseRoom(roomID uuid.UUID) error {
	if err := s.store.DeactivateRoom(roomID); err != nil {
		return err
	}
	ids := []uuid.UUID{roomID}
	if err := s.store.DeletePlayback(ids); err != nil {
		s.logger.Warn("failed to purge playback rows", "room", roomID, "err", err)
	}
	if err := s.store.DeleteVotes(ids); err != nil {
		s.logger.Warn("failed to purge vote rows", "room", roomID, "err", err)
	}
	s.logger.Info("room closed", "room", roomID)
	return nil
}
