package checkpoint

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/clearline/retriever/common/models"
	redisWrapper "github.com/clearline/retriever/common/redis"
)

// keyPrefix namespaces checkpoint keys in Redis
const keyPrefix = "retriever:job:"

// saveScript writes the blob and its sequence atomically, rejecting writes
// whose sequence is not strictly greater than the stored one
var saveScript = goredis.NewScript(`
local stored = redis.call('GET', KEYS[2])
local seq = tonumber(ARGV[1])
if stored and seq <= tonumber(stored) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

// RedisStore persists checkpoints in Redis, keyed by job ID
type RedisStore struct {
	client *redisWrapper.Client
}

// NewRedisStore creates a Redis-backed checkpoint store
func NewRedisStore(client *redisWrapper.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load returns the checkpoint for jobID
func (s *RedisStore) Load(ctx context.Context, jobID string) (*models.JobState, error) {
	blob, err := s.client.GetBytes(ctx, keyPrefix+jobID)
	if err != nil {
		if errors.Is(err, redisWrapper.ErrKeyNotFound) {
			return nil, ErrCheckpointNotFound
		}
		return nil, err
	}
	return Decode(blob)
}

// Save persists the checkpoint under a sequence guard
func (s *RedisStore) Save(ctx context.Context, jobID string, state *models.JobState) error {
	blob, err := Encode(state)
	if err != nil {
		return err
	}

	keys := []string{keyPrefix + jobID, keyPrefix + jobID + ":seq"}
	result, err := s.client.RunScript(ctx, saveScript, keys, state.Sequence, blob)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for job %s: %w", jobID, err)
	}
	if applied, ok := result.(int64); ok && applied == 0 {
		return ErrStaleCheckpoint
	}
	return nil
}

// Delete removes the checkpoint and its sequence marker
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	return s.client.Delete(ctx, keyPrefix+jobID, keyPrefix+jobID+":seq")
}
