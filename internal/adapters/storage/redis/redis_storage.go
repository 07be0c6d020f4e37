// Package redis implements the counter store on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

// incrScript increments and, in the same server-side step, applies the TTL when
// the key is new or was left without one. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

type Storage struct {
	client      redis.UniversalClient
	maxRetries  uint
	retryBudget time.Duration
}

var (
	_ ports.Store         = (*Storage)(nil)
	_ ports.HealthChecker = (*Storage)(nil)
)

type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxRetries is the number of extra attempts after a transient network
	// failure. Zero disables retrying.
	MaxRetries int
	// RetryBudget bounds the total time spent retrying one increment.
	RetryBudget time.Duration
	DialTimeout time.Duration
}

func New(cfg Config) (*Storage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 500 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		// Retries are owned by this adapter so they stay explicit and bounded.
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg.MaxRetries, cfg.RetryBudget), nil
}

// NewWithClient wraps an existing client, e.g. a cluster or sentinel client.
func NewWithClient(client redis.UniversalClient, maxRetries int, retryBudget time.Duration) *Storage {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBudget <= 0 {
		retryBudget = 200 * time.Millisecond
	}
	return &Storage{client: client, maxRetries: uint(maxRetries), retryBudget: retryBudget}
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Storage) IncrementAndEnsureExpiry(ctx context.Context, key string, ttl time.Duration) (domain.Counter, error) {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis <= 0 {
		return domain.Counter{}, fmt.Errorf("%w: ttl must be positive, got %s", domain.ErrStoreUnavailable, ttl)
	}

	attempt := func() (domain.Counter, error) {
		res, err := incrScript.Run(ctx, s.client, []string{key}, ttlMillis).Int64Slice()
		if err != nil {
			if !isTransient(err) {
				return domain.Counter{}, backoff.Permanent(err)
			}
			return domain.Counter{}, err
		}
		if len(res) != 2 {
			return domain.Counter{}, backoff.Permanent(fmt.Errorf("unexpected script reply %v", res))
		}
		return domain.Counter{Count: res[0], TTL: time.Duration(res[1]) * time.Millisecond}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 25 * time.Millisecond
	expBackoff.MaxInterval = s.retryBudget

	counter, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.maxRetries+1),
		backoff.WithMaxElapsedTime(s.retryBudget),
	)
	if err != nil {
		return domain.Counter{}, fmt.Errorf("redis increment %q: %w", key, classify(err))
	}
	return counter, nil
}

// isTransient reports whether err is a network-level failure worth one more try.
// Server replies and context errors are final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
