package seen

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "feedsync:seen:"

// raiseBoundary stores ARGV[1] only when it is greater than the stored value and returns the result.
var raiseBoundary = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local incoming = tonumber(ARGV[1])
if incoming > current then
	redis.call('SET', KEYS[1], ARGV[1])
	return incoming
end
return current
`)

// RedisBoundaryStore shares seen boundaries between processes through redis.
type RedisBoundaryStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBoundaryStore wraps a redis client. An empty prefix selects the default key namespace.
func NewRedisBoundaryStore(client *redis.Client, prefix string) *RedisBoundaryStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisBoundaryStore{client: client, prefix: prefix}
}

// LoadBoundary reads the stored boundary for userID.
func (s *RedisBoundaryStore) LoadBoundary(ctx context.Context, userID string) (int64, bool, error) {
	value, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	boundary, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return boundary, true, nil
}

// SaveBoundary raises the stored boundary atomically and returns the value in effect.
func (s *RedisBoundaryStore) SaveBoundary(ctx context.Context, userID string, seenAt int64) (int64, error) {
	return raiseBoundary.Run(ctx, s.client, []string{s.key(userID)}, seenAt).Int64()
}

func (s *RedisBoundaryStore) key(userID string) string {
	return s.prefix + userID
}
