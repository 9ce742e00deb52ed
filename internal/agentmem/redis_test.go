package agentmem

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server only when TEST_REDIS_URL is set.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	s, err := NewRedisStore(context.Background(), url, "test-"+ulid.Make().String())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	storeContract(t, s)
}

func TestRedisStore_FailedIndexWriteLeavesNoMemory(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	s, err := NewRedisStore(ctx, url, "test-"+ulid.Make().String())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// A plain string under the index key makes ZADD fail with WRONGTYPE.
	indexKey := s.roomMemoriesKey("r1")
	require.NoError(t, s.client.Set(ctx, indexKey, "not a zset", time.Minute).Err())

	_, err = s.CreateMemory(ctx, testMemory("m1", "r1", 1))
	require.Error(t, err)
	_, err = s.GetMemoryByID(ctx, "m1")
	assert.ErrorIs(t, err, ErrMemoryNotFound, "a redelivery must not look like a duplicate")

	require.NoError(t, s.client.Del(ctx, indexKey).Err())
	id, err := s.CreateMemory(ctx, testMemory("m1", "r1", 1))
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	mems, err := s.GetMemoriesByRoomIDs(ctx, []string{"r1"})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "m1", mems[0].ID)
}
