package database

import (
	"context"
	"errors"
	"fmt"

	"shareroom/internal/models"
)

var ErrRoomNotFound = errors.New("room not found")

type RoomRepository interface {
	CreateRoom(ctx context.Context, room *models.Room) (*models.Room, error)
	GetRoomByID(ctx context.Context, id string) (*models.Room, error)
	UpdateRoomContent(ctx context.Context, id, content string) error
	DeleteRoom(ctx context.Context, id string) error
}

type Database interface {
	RoomRepository
	Close() error
}

// Open connects to the durable store selected by driver.
func Open(driver, url string) (Database, error) {
	switch driver {
	case "", "postgres":
		db, err := NewPostgresDB(url)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := NewSQLiteDB(url)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
