package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

const (
	DefaultKeyPrefix    = "ratelimit"
	DefaultStoreTimeout = 250 * time.Millisecond

	// maxClientKeyLen bounds the client part of a counter key. Longer identities
	// are replaced by their SHA-256 so store keys stay small.
	maxClientKeyLen = 128
)

// WindowCounter applies a single tier against the store. Every call increments,
// whether or not the request ends up admitted.
type WindowCounter struct {
	store   ports.Store
	prefix  string
	timeout time.Duration
}

func NewWindowCounter(store ports.Store, prefix string, timeout time.Duration) *WindowCounter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &WindowCounter{store: store, prefix: prefix, timeout: timeout}
}

// Key embeds the window length so a tier reconfigured with a new duration starts
// from a fresh counter instead of inheriting the old TTL.
func (c *WindowCounter) Key(client domain.ClientKey, policy domain.WindowPolicy) string {
	return fmt.Sprintf("%s:%s:%ds:%s", c.prefix, policy.Name, int64(policy.Duration/time.Second), clientPart(client))
}

func clientPart(client domain.ClientKey) string {
	if len(client) <= maxClientKeyLen {
		return string(client)
	}
	sum := sha256.Sum256([]byte(client))
	return "sha256-" + hex.EncodeToString(sum[:])
}

// Count increments the tier's counter and reports whether the limit is exceeded.
func (c *WindowCounter) Count(ctx context.Context, client domain.ClientKey, policy domain.WindowPolicy) (domain.TierUsage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	counter, err := c.store.IncrementAndEnsureExpiry(ctx, c.Key(client, policy), policy.Duration)
	if err != nil {
		return domain.TierUsage{}, false, fmt.Errorf("tier %s: %w", policy.Name, err)
	}

	// A negative TTL means the store reported no expiry. Zero means the key expires
	// within the store's resolution.
	resetIn := counter.TTL
	switch {
	case resetIn < 0 || resetIn > policy.Duration:
		resetIn = policy.Duration
	case resetIn == 0:
		resetIn = time.Millisecond
	}
	remaining := policy.MaxRequests - counter.Count
	if remaining < 0 {
		remaining = 0
	}

	usage := domain.TierUsage{
		Policy:    policy.Name,
		Count:     counter.Count,
		Limit:     policy.MaxRequests,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
	return usage, counter.Count > policy.MaxRequests, nil
}
