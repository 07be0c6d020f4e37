package ports

import (
	"context"
	"time"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
)

type RateLimiter interface {
	Evaluate(ctx context.Context, meta domain.RequestMetadata) (domain.Decision, error)
}

type IdentityExtractor interface {
	Extract(meta domain.RequestMetadata) (domain.ClientKey, error)
}

// MetricsRecorder observa a atividade do limiter. Implementações precisam ser
// seguras para uso concorrente.
type MetricsRecorder interface {
	ObserveDecision(decision domain.Decision, elapsed time.Duration)
	ObserveStoreError(err error)
}
