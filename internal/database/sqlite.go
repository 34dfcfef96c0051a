package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shareroom/internal/models"
	"shareroom/pkg/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// roomRecord is the gorm mapping of the rooms table.
type roomRecord struct {
	ID          string `gorm:"primaryKey"`
	Content     string `gorm:"not null;default:''"`
	EditPINHash string `gorm:"column:edit_pin_hash;not null"`
	ReadPINHash string `gorm:"column:read_pin_hash"`
	CreatedAt   time.Time
}

func (roomRecord) TableName() string { return "rooms" }

func (r roomRecord) toModel() *models.Room {
	return &models.Room{
		ID:          r.ID,
		Content:     r.Content,
		EditPINHash: r.EditPINHash,
		ReadPINHash: r.ReadPINHash,
		CreatedAt:   r.CreatedAt,
	}
}

// SQLiteDB is the single-node durable store, used when DATABASE_DRIVER=sqlite.
type SQLiteDB struct {
	db *gorm.DB
}

func NewSQLiteDB(dsn string) (*SQLiteDB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&roomRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	logger.Info("Opened sqlite database %s", dsn)
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteDB) CreateRoom(ctx context.Context, room *models.Room) (*models.Room, error) {
	rec := roomRecord{
		ID:          room.ID,
		EditPINHash: room.EditPINHash,
		ReadPINHash: room.ReadPINHash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQLiteDB) GetRoomByID(ctx context.Context, id string) (*models.Room, error) {
	var rec roomRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", id, err)
	}
	return rec.toModel(), nil
}

func (s *SQLiteDB) UpdateRoomContent(ctx context.Context, id, content string) error {
	res := s.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", id).Update("content", content)
	if res.Error != nil {
		return fmt.Errorf("failed to update room %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *SQLiteDB) DeleteRoom(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&roomRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete room %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}
