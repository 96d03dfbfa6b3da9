package checkpoint

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline/retriever/common/models"
	redisWrapper "github.com/clearline/retriever/common/redis"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, kv) }

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(redisWrapper.NewClient(client, &testLogger{t}))
}

func sampleState() *models.JobState {
	state := models.NewJobState(models.JobConfig{
		UserID:     "alice",
		ResourceID: "resource_id",
		Context:    "analysis",
	})
	state.Registration = &models.RegistrationResult{
		Token:     "tok-1",
		StreamURL: "ws://broker/stream",
	}
	state.EnsureDownload("pi0.txt")
	return state
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		_, err := store.Load(ctx, "nope")
		assert.ErrorIs(t, err, ErrCheckpointNotFound)
	})

	t.Run("roundtrip", func(t *testing.T) {
		state := sampleState()
		jobID := state.JobID.String()

		require.NoError(t, store.Save(ctx, jobID, state))

		loaded, err := store.Load(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, state.JobID, loaded.JobID)
		assert.Equal(t, state.Config, loaded.Config)
		assert.Equal(t, state.Registration, loaded.Registration)
		assert.Contains(t, loaded.Downloads, "pi0.txt")
		assert.Equal(t, state.CurrentExecutionID, loaded.CurrentExecutionID)
	})

	t.Run("stale sequence rejected", func(t *testing.T) {
		state := sampleState()
		jobID := state.JobID.String()

		state.Sequence = 5
		require.NoError(t, store.Save(ctx, jobID, state))

		// Re-writing the same sequence must be rejected
		assert.ErrorIs(t, store.Save(ctx, jobID, state), ErrStaleCheckpoint)

		state.Sequence = 3
		assert.ErrorIs(t, store.Save(ctx, jobID, state), ErrStaleCheckpoint)

		state.Sequence = 6
		assert.NoError(t, store.Save(ctx, jobID, state))

		loaded, err := store.Load(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), loaded.Sequence)
	})

	t.Run("delete", func(t *testing.T) {
		state := sampleState()
		jobID := state.JobID.String()

		require.NoError(t, store.Save(ctx, jobID, state))
		require.NoError(t, store.Delete(ctx, jobID))

		_, err := store.Load(ctx, jobID)
		assert.ErrorIs(t, err, ErrCheckpointNotFound)

		// Deleting clears the sequence guard too
		state.Sequence = 0
		assert.NoError(t, store.Save(ctx, jobID, state))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	runStoreTests(t, newRedisStore(t))
}

func TestMemoryStore_LoadedStateIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	state := sampleState()
	jobID := state.JobID.String()
	require.NoError(t, store.Save(ctx, jobID, state))

	loaded, err := store.Load(ctx, jobID)
	require.NoError(t, err)
	loaded.Downloads["pi0.txt"].State = models.DownloadSucceeded

	again, err := store.Load(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadPending, again.Downloads["pi0.txt"].State)
}
