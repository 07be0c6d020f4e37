// Package middleware provides the application's HTTP middleware.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

const rateLimitExceededMessage = "you have reached the maximum number of requests or actions allowed within a certain time frame"

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	Tier              string `json:"tier,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

type options struct {
	logger   *slog.Logger
	excluded map[string]bool
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithExcludedPaths lets exact paths (health checks, metrics) bypass the limiter.
func WithExcludedPaths(paths ...string) Option {
	return func(o *options) {
		for _, p := range paths {
			o.excluded[p] = true
		}
	}
}

func NewRateLimiterMiddleware(limiter ports.RateLimiter, opts ...Option) func(http.Handler) http.Handler {
	o := options{logger: slog.Default(), excluded: make(map[string]bool)}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || o.excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Evaluate(r.Context(), domain.RequestMetadata{
				Header:     r.Header,
				RemoteAddr: r.RemoteAddr,
			})
			if err != nil {
				o.logger.Error("rate limiter failed",
					"error", err,
					"path", r.URL.Path,
					"identity_unresolved", domain.IsIdentityError(err),
				)
				writeInternalError(w)
				return
			}

			writeRateLimitHeaders(w, decision)

			if !decision.Allowed {
				o.logger.Info("request denied",
					"client", decision.ClientKey,
					"tier", decision.ViolatedPolicy,
					"retry_after", decision.RetryAfter,
				)
				writeTooManyRequests(w, decision)
				return
			}

			next.ServeHTTP(w, r.WithContext(withDecision(r.Context(), decision)))
		})
	}
}

type decisionKey struct{}

func withDecision(ctx context.Context, d domain.Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the admission decision attached by the middleware.
func DecisionFromContext(ctx context.Context) (domain.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(domain.Decision)
	return d, ok
}

// retryAfterSeconds rounds up so clients never retry before the window closes.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeRateLimitHeaders(w http.ResponseWriter, d domain.Decision) {
	tier, ok := d.Tightest()
	if !ok {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(tier.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(tier.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(retryAfterSeconds(tier.ResetIn), 10))
}

func writeTooManyRequests(w http.ResponseWriter, d domain.Decision) {
	retryAfter := retryAfterSeconds(d.RetryAfter)
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:             "rate_limit_exceeded",
		Message:           rateLimitExceededMessage,
		Tier:              d.ViolatedPolicy,
		RetryAfterSeconds: retryAfter,
	})
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:   "internal_error",
		Message: "internal server error",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
