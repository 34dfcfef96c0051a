package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shareroom/internal/config"
	"shareroom/internal/database"
	"shareroom/internal/persistence"
	"shareroom/pkg/logger"

	"github.com/robfig/cron/v3"
)

// DeletionFeed delivers room deletions made by other relay instances.
type DeletionFeed interface {
	SubscribeDeleted(ctx context.Context, handler func(roomID string)) error
}

// Manager owns one hub per live room.
type Manager struct {
	hubs     map[string]*Hub
	deleted  map[string]time.Time
	mutex    sync.Mutex
	pipeline *persistence.Pipeline
	cfg      config.RelayConfig
	cron     *cron.Cron
}

func NewManager(pipeline *persistence.Pipeline, cfg config.RelayConfig) *Manager {
	return &Manager{
		hubs:     make(map[string]*Hub),
		deleted:  make(map[string]time.Time),
		pipeline: pipeline,
		cfg:      cfg,
		cron:     cron.New(),
	}
}

// Start schedules the idle eviction sweep.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(m.cfg.EvictionSchedule, func() { m.EvictIdle(context.Background()) }); err != nil {
		return fmt.Errorf("invalid eviction schedule %q: %w", m.cfg.EvictionSchedule, err)
	}
	m.cron.Start()
	return nil
}

// WatchDeletions discards local hubs of rooms deleted elsewhere.
func (m *Manager) WatchDeletions(ctx context.Context, feed DeletionFeed) error {
	return feed.SubscribeDeleted(ctx, func(roomID string) {
		if m.Discard(ctx, roomID) {
			logger.Info("Discarded room %s after remote deletion", roomID)
		}
	})
}

// GetHubForRoom returns the live hub for roomID, loading the room on first
// use. Rooms that do not exist yield ErrRoomDeleted.
func (m *Manager) GetHubForRoom(ctx context.Context, roomID string) (*Hub, error) {
	if hub, ok := m.Lookup(roomID); ok {
		return hub, nil
	}

	content, err := m.pipeline.Load(ctx, roomID)
	if err != nil {
		if errors.Is(err, database.ErrRoomNotFound) {
			return nil, ErrRoomDeleted
		}
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, gone := m.deleted[roomID]; gone {
		return nil, ErrRoomDeleted
	}
	// another caller may have loaded it meanwhile
	if hub, ok := m.hubs[roomID]; ok && !hub.Closed() {
		return hub, nil
	}

	hub := NewHub(roomID, content, m.pipeline, m.cfg.LockTimeout)
	m.hubs[roomID] = hub
	go hub.Run()
	logger.Debug("Room %s actor started", roomID)
	return hub, nil
}

// Lookup returns the hub for roomID if it is live.
func (m *Manager) Lookup(roomID string) (*Hub, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	hub, ok := m.hubs[roomID]
	if !ok || hub.Closed() {
		return nil, false
	}
	return hub, true
}

// Join attaches client to the room's hub, restarting the hub if it was
// evicted between lookup and registration.
func (m *Manager) Join(ctx context.Context, roomID string, client *Client) (*Hub, error) {
	for {
		hub, err := m.GetHubForRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		err = hub.Join(client)
		if err == nil {
			return hub, nil
		}
		if !errors.Is(err, ErrHubClosed) {
			return nil, err
		}
		m.forget(roomID, hub)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Discard stops the room's hub after a deletion and refuses the id from now
// on. It reports whether a live hub was stopped.
func (m *Manager) Discard(ctx context.Context, roomID string) bool {
	m.mutex.Lock()
	m.deleted[roomID] = time.Now()
	hub, ok := m.hubs[roomID]
	delete(m.hubs, roomID)
	m.mutex.Unlock()

	if !ok {
		return false
	}
	if err := hub.Delete(ctx); err != nil && !errors.Is(err, ErrHubClosed) {
		logger.Error("Error stopping deleted room %s: %v", roomID, err)
	}
	return true
}

// EvictIdle stops hubs that have had no connections for the idle TTL and
// returns how many it stopped.
func (m *Manager) EvictIdle(ctx context.Context) int {
	m.mutex.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, hub := range m.hubs {
		hubs = append(hubs, hub)
	}
	for roomID, at := range m.deleted {
		if time.Since(at) > m.cfg.IdleRoomTTL {
			delete(m.deleted, roomID)
		}
	}
	m.mutex.Unlock()

	evicted := 0
	for _, hub := range hubs {
		ok, err := hub.Evict(ctx, m.cfg.IdleRoomTTL)
		if err != nil && !errors.Is(err, ErrHubClosed) {
			logger.Error("Error evicting room %s: %v", hub.roomID, err)
			continue
		}
		if ok || errors.Is(err, ErrHubClosed) {
			m.forget(hub.roomID, hub)
		}
		if ok {
			evicted++
			logger.Debug("Evicted idle room %s", hub.roomID)
		}
	}
	return evicted
}

// Shutdown stops the sweep and every hub, flushing pending backups.
func (m *Manager) Shutdown(ctx context.Context) {
	<-m.cron.Stop().Done()

	m.mutex.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, hub := range m.hubs {
		hubs = append(hubs, hub)
	}
	m.hubs = make(map[string]*Hub)
	m.mutex.Unlock()

	var wg sync.WaitGroup
	for _, hub := range hubs {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				logger.Error("Error stopping room %s: %v", h.roomID, err)
			}
		}(hub)
	}
	wg.Wait()
	logger.Info("Stopped %d room actors", len(hubs))
}

// ActiveRooms returns the number of live hubs.
func (m *Manager) ActiveRooms() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.hubs)
}

func (m *Manager) forget(roomID string, hub *Hub) {
	m.mutex.Lock()
	if m.hubs[roomID] == hub {
		delete(m.hubs, roomID)
	}
	m.mutex.Unlock()
}
