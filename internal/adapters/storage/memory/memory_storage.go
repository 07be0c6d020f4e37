// Package memory implements an in-process counter store for a single instance and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

const defaultSweepEvery = 1024

type entry struct {
	count     int64
	expiresAt time.Time
}

// Storage keeps counters in a process-local map. It is not shared between
// instances, so it only enforces quotas for a single replica.
type Storage struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*entry
	writes  int
}

var (
	_ ports.Store         = (*Storage)(nil)
	_ ports.HealthChecker = (*Storage)(nil)
)

type Option func(*Storage)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

func New(opts ...Option) *Storage {
	s := &Storage{
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) IncrementAndEnsureExpiry(ctx context.Context, key string, ttl time.Duration) (domain.Counter, error) {
	if err := ctx.Err(); err != nil {
		return domain.Counter{}, fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	}
	if ttl <= 0 {
		return domain.Counter{}, fmt.Errorf("%w: ttl must be positive", domain.ErrStoreUnavailable)
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	if s.writes%defaultSweepEvery == 0 {
		s.sweep(now)
	}

	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &entry{expiresAt: now.Add(ttl)}
		s.entries[key] = e
	}
	e.count++

	return domain.Counter{Count: e.count, TTL: e.expiresAt.Sub(now)}, nil
}

func (s *Storage) Ping(context.Context) error {
	return nil
}

// Len returns the number of live and not yet swept counters.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every expired counter.
func (s *Storage) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
}

func (s *Storage) sweep(now time.Time) {
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}
