package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
)

type stubLimiter struct {
	decision domain.Decision
	err      error
	calls    int
	lastMeta domain.RequestMetadata
}

func (s *stubLimiter) Evaluate(_ context.Context, meta domain.RequestMetadata) (domain.Decision, error) {
	s.calls++
	s.lastMeta = meta
	return s.decision, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, limiter *stubLimiter, path string, opts ...Option) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	handler := NewRateLimiterMiddleware(limiter, opts...)(next)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, reached
}

func TestMiddleware_AllowedPassesThrough(t *testing.T) {
	limiter := &stubLimiter{decision: domain.Decision{
		Outcome:   domain.OutcomeAllowed,
		Allowed:   true,
		ClientKey: "203.0.113.5",
		Usage: []domain.TierUsage{
			{Policy: "minute", Count: 3, Limit: 15, Remaining: 12, ResetIn: 42 * time.Second},
			{Policy: "hour", Count: 3, Limit: 250, Remaining: 247, ResetIn: time.Hour},
		},
	}}

	rec, reached := serve(t, limiter, "/v1/explore")

	assert.True(t, reached)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "15", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "12", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "42", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "203.0.113.5", limiter.lastMeta.Header.Get("X-Forwarded-For"))
	assert.NotEmpty(t, limiter.lastMeta.RemoteAddr)
}

func TestMiddleware_DeniedReturns429(t *testing.T) {
	limiter := &stubLimiter{decision: domain.Decision{
		Outcome:        domain.OutcomeDenied,
		ViolatedPolicy: "minute",
		RetryAfter:     12500 * time.Millisecond,
	}}

	rec, reached := serve(t, limiter, "/v1/explore")

	assert.False(t, reached)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "13", rec.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, "minute", body.Tier)
	assert.Equal(t, int64(13), body.RetryAfterSeconds)
}

func TestMiddleware_ErrorsReturn500WithoutDetail(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("resolve identity: %w", domain.ErrIdentityUnresolved),
		fmt.Errorf("tier hour: redis increment: %w: dial tcp 10.0.0.3:6379: connection refused", domain.ErrStoreUnavailable),
		fmt.Errorf("tier minute: %w", domain.ErrStoreTimeout),
	} {
		limiter := &stubLimiter{decision: domain.Decision{Outcome: domain.OutcomeErrored}, err: err}

		rec, reached := serve(t, limiter, "/v1/question")

		assert.False(t, reached)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "10.0.0.3")
		assert.NotContains(t, rec.Body.String(), errors.Unwrap(err).Error())

		var body errorBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "internal server error", body.Message)
	}
}

func TestMiddleware_ExcludedPathSkipsLimiter(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("must not be called")}

	rec, reached := serve(t, limiter, "/healthz", WithExcludedPaths("/healthz", "/metrics"))

	assert.True(t, reached)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, limiter.calls)
}

func TestMiddleware_DecisionInContext(t *testing.T) {
	limiter := &stubLimiter{decision: domain.Decision{Outcome: domain.OutcomeAllowed, Allowed: true, ClientKey: "198.51.100.1"}}

	var got domain.Decision
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = DecisionFromContext(r.Context())
	})

	handler := NewRateLimiterMiddleware(limiter, WithLogger(quietLogger()))(next)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/x", nil))

	require.True(t, ok)
	assert.Equal(t, domain.ClientKey("198.51.100.1"), got.ClientKey)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, int64(1), retryAfterSeconds(0))
	assert.Equal(t, int64(1), retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, int64(60), retryAfterSeconds(time.Minute))
	assert.Equal(t, int64(61), retryAfterSeconds(time.Minute+time.Millisecond))
}
