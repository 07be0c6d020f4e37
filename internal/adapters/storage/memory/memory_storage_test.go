package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStorage_IncrementSetsTTLOnCreate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	c, err := s.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count)
	assert.Equal(t, time.Minute, c.TTL)

	clock.Advance(20 * time.Second)
	c, err = s.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Count)
	assert.Equal(t, 40*time.Second, c.TTL, "ttl must not be refreshed by later hits")
}

func TestStorage_ResetsAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)
	c, err := s.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count)
}

func TestStorage_ConcurrentIncrementsAreNotLost(t *testing.T) {
	s := New()
	ctx := context.Background()
	const workers = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementAndEnsureExpiry(ctx, "hot", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := s.IncrementAndEnsureExpiry(ctx, "hot", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(workers+1), c.Count)
}

func TestStorage_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.IncrementAndEnsureExpiry(ctx, "k", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreTimeout)
}

func TestStorage_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.IncrementAndEnsureExpiry(ctx, "short", time.Second)
	require.NoError(t, err)
	_, err = s.IncrementAndEnsureExpiry(ctx, "long", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	s.Sweep()
	assert.Equal(t, 1, s.Len())
}
