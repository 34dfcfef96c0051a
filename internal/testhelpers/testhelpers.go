// Package testhelpers provides in-memory collaborators for tests.
package testhelpers

import (
	"context"
	"sync"
	"testing"
	"time"

	"shareroom/internal/database"
	"shareroom/internal/models"
	"shareroom/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// SetupFastStore starts miniredis and returns a fast-tier store backed by it.
func SetupFastStore(t *testing.T) (*miniredis.Miniredis, *store.RedisStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, store.NewRedisStore(client, "test:")
}

// Rooms is an in-memory database.Database.
type Rooms struct {
	mu        sync.Mutex
	rooms     map[string]*models.Room
	updates   []string
	UpdateErr error
}

func NewRooms(rooms ...*models.Room) *Rooms {
	r := &Rooms{rooms: make(map[string]*models.Room)}
	for _, room := range rooms {
		r.rooms[room.ID] = room
	}
	return r
}

func (r *Rooms) CreateRoom(_ context.Context, room *models.Room) (*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *room
	cp.CreatedAt = time.Now().UTC()
	r.rooms[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *Rooms) GetRoomByID(_ context.Context, id string) (*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, database.ErrRoomNotFound
	}
	cp := *room
	return &cp, nil
}

func (r *Rooms) UpdateRoomContent(_ context.Context, id, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, content)
	if r.UpdateErr != nil {
		return r.UpdateErr
	}
	room, ok := r.rooms[id]
	if !ok {
		return database.ErrRoomNotFound
	}
	room.Content = content
	return nil
}

func (r *Rooms) DeleteRoom(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; !ok {
		return database.ErrRoomNotFound
	}
	delete(r.rooms, id)
	return nil
}

func (r *Rooms) Close() error { return nil }

// SetUpdateErr makes every following UpdateRoomContent fail with err.
func (r *Rooms) SetUpdateErr(err error) {
	r.mu.Lock()
	r.UpdateErr = err
	r.mu.Unlock()
}

// Content returns the durable content of a room.
func (r *Rooms) Content(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		return room.Content
	}
	return ""
}

// Updates returns every content passed to UpdateRoomContent, in order.
func (r *Rooms) Updates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.updates))
	copy(out, r.updates)
	return out
}
