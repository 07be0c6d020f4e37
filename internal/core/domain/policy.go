package domain

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

var policyNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// WindowPolicy describes one quota tier. It is immutable once handed to the limiter.
type WindowPolicy struct {
	Name        string
	Duration    time.Duration
	MaxRequests int64
}

func (p WindowPolicy) Validate() error {
	if !policyNamePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidPolicy, p.Name, policyNamePattern)
	}
	if p.Duration < time.Second {
		return fmt.Errorf("%w: tier %s window must be at least 1s, got %s", ErrInvalidPolicy, p.Name, p.Duration)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: tier %s max requests must be positive, got %d", ErrInvalidPolicy, p.Name, p.MaxRequests)
	}
	return nil
}

type Policies []WindowPolicy

func (ps Policies) Validate() error {
	if len(ps) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidPolicy)
	}
	seen := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: duplicate tier name %q", ErrInvalidPolicy, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// SortedByDuration returns a copy ordered narrowest window first. Tiers with equal
// windows keep their configured order.
func (ps Policies) SortedByDuration() Policies {
	out := make(Policies, len(ps))
	copy(out, ps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Duration < out[j].Duration
	})
	return out
}
