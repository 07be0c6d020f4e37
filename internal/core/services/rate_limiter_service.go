package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

// FailureMode decide o que acontece quando o store falha.
type FailureMode int

const (
	// FailClosed rejeita a avaliação com o erro do store. É o valor zero.
	FailClosed FailureMode = iota
	// FailOpen admite a requisição e marca a decisão como FailedOpen.
	FailOpen
)

func (m FailureMode) String() string {
	if m == FailOpen {
		return "fail-open"
	}
	return "fail-closed"
}

// Config agrega os limites utilizados pelo serviço de rate limiting.
type Config struct {
	Policies     domain.Policies
	Identity     ports.IdentityExtractor
	KeyPrefix    string
	StoreTimeout time.Duration
	FailureMode  FailureMode
	Metrics      ports.MetricsRecorder
	Logger       *slog.Logger
}

// RateLimiterService avalia todos os tiers configurados para cada requisição.
// Não guarda estado entre avaliações; tudo vive no store.
type RateLimiterService struct {
	policies    domain.Policies
	identity    ports.IdentityExtractor
	counter     *WindowCounter
	failureMode FailureMode
	metrics     ports.MetricsRecorder
	logger      *slog.Logger
}

var _ ports.RateLimiter = (*RateLimiterService)(nil)

// NewRateLimiterService cria uma nova instância do serviço.
func NewRateLimiterService(store ports.Store, cfg Config) (*RateLimiterService, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, err
	}
	if cfg.Identity == nil {
		extractor, err := NewForwardedIdentityExtractor(nil)
		if err != nil {
			return nil, err
		}
		cfg.Identity = extractor
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RateLimiterService{
		policies:    cfg.Policies.SortedByDuration(),
		identity:    cfg.Identity,
		counter:     NewWindowCounter(store, cfg.KeyPrefix, cfg.StoreTimeout),
		failureMode: cfg.FailureMode,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}, nil
}

// Policies devolve uma cópia dos tiers na ordem de avaliação.
func (s *RateLimiterService) Policies() domain.Policies {
	out := make(domain.Policies, len(s.policies))
	copy(out, s.policies)
	return out
}

// Evaluate resolve a identidade, incrementa todos os tiers e produz a decisão.
// Falhas do store viram erro, exceto quando o serviço roda em FailOpen.
func (s *RateLimiterService) Evaluate(ctx context.Context, meta domain.RequestMetadata) (domain.Decision, error) {
	start := time.Now()

	client, err := s.identity.Extract(meta)
	if err != nil {
		decision := domain.Decision{Outcome: domain.OutcomeErrored}
		s.observe(decision, start)
		return decision, fmt.Errorf("resolve identity: %w", err)
	}

	usage, exceeded, err := s.countAll(ctx, client)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveStoreError(err)
		}
		if s.failureMode == FailOpen {
			s.logger.Warn("rate limit store failed, admitting request", "client", client, "error", err)
			decision := domain.Decision{Outcome: domain.OutcomeAllowed, Allowed: true, ClientKey: client, FailedOpen: true}
			s.observe(decision, start)
			return decision, nil
		}
		decision := domain.Decision{Outcome: domain.OutcomeErrored, ClientKey: client}
		s.observe(decision, start)
		return decision, err
	}

	decision := domain.Decision{
		Outcome:   domain.OutcomeAllowed,
		Allowed:   true,
		ClientKey: client,
		Usage:     usage,
	}
	for i, over := range exceeded {
		if over {
			decision.Outcome = domain.OutcomeDenied
			decision.Allowed = false
			decision.ViolatedPolicy = usage[i].Policy
			decision.RetryAfter = usage[i].ResetIn
			break
		}
	}

	s.observe(decision, start)
	return decision, nil
}

// countAll incrementa cada tier exatamente uma vez. Os tiers rodam em paralelo,
// mas os resultados mantêm a ordem das políticas. O grupo não compartilha
// contexto, então a falha de um tier não cancela os incrementos dos outros.
func (s *RateLimiterService) countAll(ctx context.Context, client domain.ClientKey) ([]domain.TierUsage, []bool, error) {
	usage := make([]domain.TierUsage, len(s.policies))
	exceeded := make([]bool, len(s.policies))

	var g errgroup.Group
	for i, policy := range s.policies {
		g.Go(func() error {
			u, over, err := s.counter.Count(ctx, client, policy)
			if err != nil {
				return err
			}
			usage[i] = u
			exceeded[i] = over
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return usage, exceeded, nil
}

func (s *RateLimiterService) observe(decision domain.Decision, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveDecision(decision, time.Since(start))
	}
}
