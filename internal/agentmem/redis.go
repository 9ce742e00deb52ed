package agentmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultMemoryTTL = 30 * 24 * time.Hour

// RedisStore keeps an agent's memories in Redis. Each memory is a JSON
// string, and each room has a sorted set of memory ids
// scored by creation time.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis store. Keys are prefixed with namespace,
// normally the agent id.
func NewRedisStore(ctx context.Context, redisURL, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, namespace: namespace, ttl: defaultMemoryTTL}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) worldKey(id string) string {
	return fmt.Sprintf("agentmem:%s:world:%s", s.namespace, id)
}

func (s *RedisStore) roomKey(id string) string {
	return fmt.Sprintf("agentmem:%s:room:%s", s.namespace, id)
}

func (s *RedisStore) memoryKey(id string) string {
	return fmt.Sprintf("agentmem:%s:memory:%s", s.namespace, id)
}

// roomMemoriesKey returns the key for a room's memory sorted set.
func (s *RedisStore) roomMemoriesKey(roomID string) string {
	return fmt.Sprintf("agentmem:%s:room:%s:memories", s.namespace, roomID)
}

// createMemoryScript writes a memory and its room index entry in one step.
// The index is written first so a failing ZADD leaves no memory behind.
var createMemoryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func (s *RedisStore) setIfAbsent(ctx context.Context, key string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, key, data, s.ttl).Result()
}

// EnsureWorld records w if its id is new.
func (s *RedisStore) EnsureWorld(ctx context.Context, w World) error {
	_, err := s.setIfAbsent(ctx, s.worldKey(w.ID), w)
	return err
}

// EnsureRoom records r if its id is new.
func (s *RedisStore) EnsureRoom(ctx context.Context, r Room) error {
	_, err := s.setIfAbsent(ctx, s.roomKey(r.ID), r)
	return err
}

// CreateMemory stores m and indexes it under its room atomically. Concurrent
// creates of the same id resolve to exactly one winner.
func (s *RedisStore) CreateMemory(ctx context.Context, m *Memory) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	created, err := createMemoryScript.Run(ctx, s.client,
		[]string{s.memoryKey(m.ID), s.roomMemoriesKey(m.RoomID)},
		data, s.ttl.Milliseconds(), m.CreatedAt, m.ID,
	).Int()
	if err != nil {
		return "", err
	}
	if created == 0 {
		return "", fmt.Errorf("memory %s: %w", m.ID, ErrMemoryExists)
	}
	return m.ID, nil
}

// GetMemoryByID retrieves a memory by ID.
func (s *RedisStore) GetMemoryByID(ctx context.Context, id string) (*Memory, error) {
	data, err := s.client.Get(ctx, s.memoryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("memory %s: %w", id, ErrMemoryNotFound)
		}
		return nil, err
	}

	var m Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("memory %s: %w", id, err)
	}
	return &m, nil
}

// GetMemoriesByRoomIDs returns the memories of each room, oldest first.
// Index entries whose memory has expired are skipped.
func (s *RedisStore) GetMemoriesByRoomIDs(ctx context.Context, roomIDs []string) ([]Memory, error) {
	out := []Memory{}
	for _, roomID := range roomIDs {
		ids, err := s.client.ZRange(ctx, s.roomMemoriesKey(roomID), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.memoryKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}

		for _, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var m Memory
			if err := json.Unmarshal([]byte(str), &m); err != nil {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// DeleteMemory removes a memory and its room index entry.
func (s *RedisStore) DeleteMemory(ctx context.Context, id string) error {
	m, err := s.GetMemoryByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMemoryNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.memoryKey(id))
	pipe.ZRem(ctx, s.roomMemoriesKey(m.RoomID), id)
	_, err = pipe.Exec(ctx)
	return err
}
