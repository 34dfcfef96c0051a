// Package persistence writes room content to the two storage tiers.
//
// The fast tier is written on every accepted edit and is what joins and
// cold starts read. It also holds the room's edit lock, so that every relay
// serving a room agrees on a single writer. The durable tier is written by
// Backup, which room actors call at most once per backup window.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shareroom/internal/database"
	"shareroom/internal/metrics"
	"shareroom/pkg/logger"
)

type FastStore interface {
	SaveContent(ctx context.Context, roomID, content string) error
	LoadContent(ctx context.Context, roomID string) (string, bool, error)
	DeleteContent(ctx context.Context, roomID string) error

	ClaimLock(ctx context.Context, roomID, connID, label string, ttl time.Duration) (bool, string, error)
	ReleaseLock(ctx context.Context, roomID, connID string) error
	LockHolder(ctx context.Context, roomID string) (string, bool, error)
}

type Pipeline struct {
	fast         FastStore
	durable      database.RoomRepository
	backupDelay  time.Duration
	writeTimeout time.Duration
}

func NewPipeline(fast FastStore, durable database.RoomRepository, backupDelay time.Duration) *Pipeline {
	return &Pipeline{
		fast:         fast,
		durable:      durable,
		backupDelay:  backupDelay,
		writeTimeout: 5 * time.Second,
	}
}

// BackupDelay is the length of the durable backup window.
func (p *Pipeline) BackupDelay() time.Duration { return p.backupDelay }

// Save overwrites the fast-tier copy of the room. It fails with
// database.ErrRoomNotFound once the room has been deleted.
func (p *Pipeline) Save(ctx context.Context, roomID, content string) error {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	return p.fast.SaveContent(ctx, roomID, content)
}

// Backup writes content to the durable tier. Failures are logged and
// returned; nothing is retried here, the next scheduled backup is the retry.
func (p *Pipeline) Backup(ctx context.Context, roomID, content string) error {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	if err := p.durable.UpdateRoomContent(ctx, roomID, content); err != nil {
		metrics.BackupResult("error")
		logger.Error("Durable backup of room %s failed: %v", roomID, err)
		return err
	}
	metrics.BackupResult("ok")
	logger.Debug("Room %s backed up to durable store (%d bytes)", roomID, len(content))
	return nil
}

// Load returns the room content for a cold start: the fast tier when it has
// the room, otherwise the durable record, which is then copied into the fast
// tier. A room missing from the durable store yields database.ErrRoomNotFound.
func (p *Pipeline) Load(ctx context.Context, roomID string) (string, error) {
	content, found, err := p.fast.LoadContent(ctx, roomID)
	if err != nil {
		logger.Warn("Fast tier unavailable for room %s, falling back to durable store: %v", roomID, err)
	}
	if found {
		return content, nil
	}

	room, err := p.durable.GetRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, database.ErrRoomNotFound) {
			return "", err
		}
		return "", fmt.Errorf("load room %s: %w", roomID, err)
	}

	if err := p.fast.SaveContent(ctx, roomID, room.Content); err != nil {
		logger.Warn("Could not seed fast tier for room %s: %v", roomID, err)
	}
	return room.Content, nil
}

// Purge removes the fast-tier copy of a deleted room.
func (p *Pipeline) Purge(ctx context.Context, roomID string) error {
	return p.fast.DeleteContent(ctx, roomID)
}

// ClaimLock grants or renews the shared edit lock of roomID for connID.
// When it is held elsewhere, granted is false and holder is the holder's
// label.
func (p *Pipeline) ClaimLock(ctx context.Context, roomID, connID, label string, ttl time.Duration) (granted bool, holder string, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	return p.fast.ClaimLock(ctx, roomID, connID, label, ttl)
}

// ReleaseLock frees the shared edit lock if connID holds it. Failures are
// logged; the lock then lapses on its own.
func (p *Pipeline) ReleaseLock(ctx context.Context, roomID, connID string) {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := p.fast.ReleaseLock(ctx, roomID, connID); err != nil {
		logger.Warn("Could not release edit lock of room %s: %v", roomID, err)
	}
}

// LockHolder returns the label of whoever holds the shared edit lock.
func (p *Pipeline) LockHolder(ctx context.Context, roomID string) (string, bool, error) {
	return p.fast.LockHolder(ctx, roomID)
}
