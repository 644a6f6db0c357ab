package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/listening-room-system/pkg/models"
)

type MySQLDB struct {
	*gorm.DB
}

func NewMySQLDB(host, port, user, password, dbname string) (*MySQLDB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLDB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.PlaybackState{},
		&models.VoteRecord{},
	)
}

// Room operations

func (db *MySQLDB) CreateRoom(room *models.Room) error {
	return db.Create(room).Error
}

func (db *MySQLDB) GetRoomByID(id uuid.UUID) (*models.Room, error) {
	var room models.Room
	if err := db.First(&room, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (db *MySQLDB) GetActiveRoomByCode(code string) (*models.Room, error) {
	var room models.Room
	if err := db.First(&room, "join_code = ? AND is_active = ?", code, true).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (db *MySQLDB) ActiveCodeExists(code string) (bool, error) {
	var count int64
	if err := db.Model(&models.Room{}).
		Where("join_code = ? AND is_active = ?", code, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *MySQLDB) UpdateRoom(room *models.Room) error {
	return db.Save(room).Error
}

func (db *MySQLDB) TouchHeartbeat(roomID uuid.UUID, at time.Time) error {
	return db.Model(&models.Room{}).
		Where("id = ?", roomID).
		Update("last_heartbeat", at).Error
}

func (db *MySQLDB) DeactivateRoom(roomID uuid.UUID) error {
	return db.Model(&models.Room{}).
		Where("id = ?", roomID).
		Update("is_active", false).Error
}

// StaleActiveRooms returns active rooms whose last heartbeat is older than
// the cutoff.
func (db *MySQLDB) StaleActiveRooms(cutoff time.Time) ([]models.Room, error) {
	var rooms []models.Room
	if err := db.Where("is_active = ? AND last_heartbeat < ?", true, cutoff).
		Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// ExpiredInactiveRoomIDs returns inactive rooms past the retention cutoff,
// due for hard deletion.
func (db *MySQLDB) ExpiredInactiveRoomIDs(cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := db.Model(&models.Room{}).
		Where("is_active = ? AND updated_at < ?", false, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (db *MySQLDB) DeleteRooms(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Delete(&models.Room{}, "id IN ?", ids).Error
}

// Playback operations

func (db *MySQLDB) SavePlayback(state *models.PlaybackState) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		UpdateAll: true,
	}).Create(state).Error
}

func (db *MySQLDB) GetPlayback(roomID uuid.UUID) (*models.PlaybackState, error) {
	var state models.PlaybackState
	if err := db.First(&state, "room_id = ?", roomID).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

func (db *MySQLDB) DeletePlayback(roomIDs []uuid.UUID) error {
	if len(roomIDs) == 0 {
		return nil
	}
	return db.Delete(&models.PlaybackState{}, "room_id IN ?", roomIDs).Error
}

// OrphanPlaybackRoomIDs returns room ids that have playback rows but no room
// row; the sweep purges these.
func (db *MySQLDB) OrphanPlaybackRoomIDs() ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := db.Model(&models.PlaybackState{}).
		Where("room_id NOT IN (?)", db.Model(&models.Room{}).Select("id")).
		Pluck("room_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// Vote audit operations

func (db *MySQLDB) CreateVoteRecord(rec *models.VoteRecord) error {
	return db.Create(rec).Error
}

func (db *MySQLDB) DeleteVotes(roomIDs []uuid.UUID) error {
	if len(roomIDs) == 0 {
		return nil
	}
	return db.Delete(&models.VoteRecord{}, "room_id IN ?", roomIDs).Error
}
