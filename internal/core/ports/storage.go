// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"
	"time"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
)

// Store é o backend compartilhado de contadores. IncrementAndEnsureExpiry incrementa
// e, quando o incremento cria a chave, define o TTL no mesmo passo atômico. Erros
// embrulham domain.ErrStoreUnavailable ou domain.ErrStoreTimeout.
type Store interface {
	IncrementAndEnsureExpiry(ctx context.Context, key string, ttl time.Duration) (domain.Counter, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}
