package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/realm-chat/domain/realm"
)

// DefaultKeyPrefix is the prefix of the per-room history lists.
const DefaultKeyPrefix = "chat:"

// RedisStore keeps each room's history in a Redis list, newest first.
type RedisStore struct {
	client *redis.Client
	prefix string
	cap    int
}

// NewRedisStore creates a RedisStore that keeps at most capacity entries per room.
func NewRedisStore(client *redis.Client, prefix string, capacity int) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		cap:    capacity,
	}
}

func (s *RedisStore) key(room string) string {
	return s.prefix + room
}

// Append pushes entry and trims the list in one MULTI/EXEC.
func (s *RedisStore) Append(ctx context.Context, entry realm.ChatEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	key := s.key(entry.Room)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.cap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append to %s: %v", realm.ErrStoreUnavailable, key, err)
	}
	return nil
}

// Recent reads the newest limit entries and returns them oldest first.
// Entries that no longer decode are skipped.
func (s *RedisStore) Recent(ctx context.Context, room string, limit int) ([]realm.ChatEntry, error) {
	if limit <= 0 {
		return []realm.ChatEntry{}, nil
	}
	limit = min(limit, s.cap)

	key := s.key(room)
	values, err := s.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", realm.ErrStoreUnavailable, key, err)
	}

	entries := make([]realm.ChatEntry, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var entry realm.ChatEntry
		if err := json.Unmarshal([]byte(values[i]), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", realm.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
