// Package store holds the fast per-room tier shared by every relay instance:
// the latest accepted content of each room, the room's edit lock, and a
// pub/sub channel that fans room deletions out.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shareroom/internal/database"
	"shareroom/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	deletedChannel = "room_deleted"

	// DeletedMarkerTTL is how long a deleted room keeps refusing writes.
	DeletedMarkerTTL = 24 * time.Hour
)

// saveScript writes content unless the room carries a deletion marker.
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// claimScript grants or renews the lock hash in KEYS[1] for ARGV[1] when it
// is free or already held by ARGV[1]. It returns {granted, holder label}.
var claimScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'conn')
if not holder or holder == ARGV[1] then
  redis.call('HSET', KEYS[1], 'conn', ARGV[1], 'label', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return {1, ARGV[2]}
end
return {0, redis.call('HGET', KEYS[1], 'label') or ''}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'conn') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "shareroom:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) contentKey(roomID string) string {
	return s.keyPrefix + "room:" + roomID + ":content"
}

func (s *RedisStore) lockKey(roomID string) string {
	return s.keyPrefix + "room:" + roomID + ":lock"
}

func (s *RedisStore) deletedKey(roomID string) string {
	return s.keyPrefix + "room:" + roomID + ":deleted"
}

func (s *RedisStore) channel() string {
	return s.keyPrefix + deletedChannel
}

// SaveContent overwrites the room's fast-tier content. A room deleted within
// DeletedMarkerTTL yields database.ErrRoomNotFound and is not written.
func (s *RedisStore) SaveContent(ctx context.Context, roomID, content string) error {
	written, err := saveScript.Run(ctx, s.client, []string{s.contentKey(roomID), s.deletedKey(roomID)}, content).Int()
	if err != nil {
		return fmt.Errorf("redis: save content for room %s: %w", roomID, err)
	}
	if written == 0 {
		return fmt.Errorf("redis: save content for room %s: %w", roomID, database.ErrRoomNotFound)
	}
	return nil
}

// LoadContent returns the room's fast-tier content; found is false when the
// room has never been written to this tier.
func (s *RedisStore) LoadContent(ctx context.Context, roomID string) (content string, found bool, err error) {
	content, err = s.client.Get(ctx, s.contentKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: load content for room %s: %w", roomID, err)
	}
	return content, true, nil
}

// DeleteContent removes the room's content and lock and marks the room as
// deleted, so that a relay which has not heard of the deletion yet cannot
// write the content back.
func (s *RedisStore) DeleteContent(ctx context.Context, roomID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.deletedKey(roomID), "1", DeletedMarkerTTL)
		pipe.Del(ctx, s.contentKey(roomID), s.lockKey(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete content for room %s: %w", roomID, err)
	}
	return nil
}

// ClaimLock grants or renews the room's edit lock for connID for ttl. When
// another connection holds it, granted is false and holder is that
// connection's label. The lock is shared by every relay serving the room.
func (s *RedisStore) ClaimLock(ctx context.Context, roomID, connID, label string, ttl time.Duration) (granted bool, holder string, err error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.lockKey(roomID)}, connID, label, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, "", fmt.Errorf("redis: claim lock for room %s: %w", roomID, err)
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("redis: claim lock for room %s: unexpected reply %v", roomID, res)
	}
	ok, _ := res[0].(int64)
	holder, _ = res[1].(string)
	return ok == 1, holder, nil
}

// ReleaseLock frees the room's edit lock if connID holds it.
func (s *RedisStore) ReleaseLock(ctx context.Context, roomID, connID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.lockKey(roomID)}, connID).Err(); err != nil {
		return fmt.Errorf("redis: release lock for room %s: %w", roomID, err)
	}
	return nil
}

// LockHolder returns the label of the connection holding the room's edit
// lock, if any.
func (s *RedisStore) LockHolder(ctx context.Context, roomID string) (label string, held bool, err error) {
	label, err = s.client.HGet(ctx, s.lockKey(roomID), "label").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: read lock for room %s: %w", roomID, err)
	}
	return label, true, nil
}

// PublishDeleted tells every subscribed relay that roomID is gone.
func (s *RedisStore) PublishDeleted(ctx context.Context, roomID string) error {
	if err := s.client.Publish(ctx, s.channel(), roomID).Err(); err != nil {
		return fmt.Errorf("redis: publish deletion of room %s: %w", roomID, err)
	}
	return nil
}

// SubscribeDeleted calls onDeleted for every published deletion until ctx is
// cancelled. The subscription is confirmed before it returns.
func (s *RedisStore) SubscribeDeleted(ctx context.Context, onDeleted func(roomID string)) error {
	sub := s.client.Subscribe(ctx, s.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis: subscribe to %s: %w", s.channel(), err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				logger.Debug("Room %s deletion received from pub/sub", msg.Payload)
				onDeleted(msg.Payload)
			}
		}
	}()
	return nil
}
