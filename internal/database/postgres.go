package database

import (
	"context"
	"errors"
	"fmt"

	"shareroom/internal/models"
	"shareroom/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS rooms (
		id            TEXT PRIMARY KEY,
		content       TEXT NOT NULL DEFAULT '',
		edit_pin_hash TEXT NOT NULL,
		read_pin_hash TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) CreateRoom(ctx context.Context, room *models.Room) (*models.Room, error) {
	query := `
		INSERT INTO rooms (id, content, edit_pin_hash, read_pin_hash, created_at)
		VALUES ($1, '', $2, NULLIF($3, ''), NOW())
		RETURNING id, content, edit_pin_hash, COALESCE(read_pin_hash, ''), created_at`

	created := &models.Room{}
	err := db.pool.QueryRow(ctx, query, room.ID, room.EditPINHash, room.ReadPINHash).Scan(
		&created.ID, &created.Content, &created.EditPINHash, &created.ReadPINHash, &created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	return created, nil
}

func (db *PostgresDB) GetRoomByID(ctx context.Context, id string) (*models.Room, error) {
	query := `
		SELECT id, content, edit_pin_hash, COALESCE(read_pin_hash, ''), created_at
		FROM rooms WHERE id = $1`

	room := &models.Room{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&room.ID, &room.Content, &room.EditPINHash, &room.ReadPINHash, &room.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", id, err)
	}

	return room, nil
}

func (db *PostgresDB) UpdateRoomContent(ctx context.Context, id, content string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE rooms SET content = $1 WHERE id = $2`, content, id)
	if err != nil {
		return fmt.Errorf("failed to update room %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (db *PostgresDB) DeleteRoom(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete room %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}
