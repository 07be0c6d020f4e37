package redis

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Storage) {
	t.Helper()
	mr := miniredis.RunT(t)

	storage, err := New(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	return mr, storage
}

func TestStorage_FirstIncrementSetsExpiry(t *testing.T) {
	mr, storage := setupTestRedis(t)
	ctx := context.Background()

	c, err := storage.IncrementAndEnsureExpiry(ctx, "ratelimit:minute:60s:a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count)
	assert.Equal(t, time.Minute, c.TTL)
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:minute:60s:a"))

	mr.FastForward(20 * time.Second)

	c, err = storage.IncrementAndEnsureExpiry(ctx, "ratelimit:minute:60s:a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Count)
	assert.Equal(t, 40*time.Second, c.TTL, "later hits must not extend the window")
}

func TestStorage_CounterResetsAfterWindow(t *testing.T) {
	mr, storage := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := storage.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
		require.NoError(t, err)
	}

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("k"))

	c, err := storage.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count)
}

func TestStorage_HealsKeyWithoutExpiry(t *testing.T) {
	mr, storage := setupTestRedis(t)
	ctx := context.Background()

	// A counter left behind by a writer that crashed between INCR and EXPIRE.
	require.NoError(t, mr.Set("stuck", "99"))
	require.Zero(t, mr.TTL("stuck"))

	c, err := storage.IncrementAndEnsureExpiry(ctx, "stuck", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.Count)
	assert.Equal(t, time.Minute, mr.TTL("stuck"))
}

func TestStorage_ConcurrentIncrements(t *testing.T) {
	_, storage := setupTestRedis(t)
	ctx := context.Background()
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.IncrementAndEnsureExpiry(ctx, "hot", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := storage.IncrementAndEnsureExpiry(ctx, "hot", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(workers+1), c.Count)
}

func TestStorage_UnavailableBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	storage := NewWithClient(client, 1, 50*time.Millisecond)
	t.Cleanup(func() { _ = storage.Close() })

	mr.Close()

	_, err := storage.IncrementAndEnsureExpiry(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.True(t, domain.IsStoreError(err))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	assert.Error(t, storage.Ping(context.Background()))
}

func TestStorage_ExpiredContextIsTimeout(t *testing.T) {
	_, storage := setupTestRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := storage.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreTimeout)
}

// scriptHook counts script attempts and can fail the first few with a network error.
type scriptHook struct {
	mu       sync.Mutex
	attempts int
	failures int
}

func (h *scriptHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *scriptHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *scriptHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() != "evalsha" {
			return next(ctx, cmd)
		}
		h.mu.Lock()
		h.attempts++
		fail := h.failures > 0
		if fail {
			h.failures--
		}
		h.mu.Unlock()

		if fail {
			err := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *scriptHook) attemptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func setupHookedRedis(t *testing.T, hook *scriptHook, maxRetries int) (*miniredis.Miniredis, *Storage) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	client.AddHook(hook)
	storage := NewWithClient(client, maxRetries, time.Second)
	t.Cleanup(func() { _ = storage.Close() })
	return mr, storage
}

func TestStorage_TransientErrorIsRetriedOnce(t *testing.T) {
	hook := &scriptHook{failures: 1}
	mr, storage := setupHookedRedis(t, hook, 1)

	c, err := storage.IncrementAndEnsureExpiry(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count, "the failed attempt must not be counted")
	assert.Equal(t, 2, hook.attemptCount())
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestStorage_RetriesAreBounded(t *testing.T) {
	hook := &scriptHook{failures: 5}
	_, storage := setupHookedRedis(t, hook, 1)

	_, err := storage.IncrementAndEnsureExpiry(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr)
	assert.Equal(t, 2, hook.attemptCount())
}

func TestStorage_NoRetryWhenDisabled(t *testing.T) {
	hook := &scriptHook{failures: 1}
	_, storage := setupHookedRedis(t, hook, 0)

	_, err := storage.IncrementAndEnsureExpiry(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.Equal(t, 1, hook.attemptCount())
}

func TestStorage_WrongTypeIsNotRetried(t *testing.T) {
	hook := &scriptHook{}
	mr, storage := setupHookedRedis(t, hook, 3)
	mr.HSet("hash", "f", "v")

	_, err := storage.IncrementAndEnsureExpiry(context.Background(), "hash", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 1, hook.attemptCount(), "server errors are final")
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
