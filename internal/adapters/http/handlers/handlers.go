// Package handlers holds the service's HTTP handlers: health check and the guarded endpoint.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/JeanGrijp/tiered-limiter/internal/adapters/http/middleware"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

// Guarded stands in for the paid downstream call. It only runs for admitted
// requests and echoes the remaining quota.
func Guarded(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"message": "Request successful"}

	if decision, ok := middleware.DecisionFromContext(r.Context()); ok {
		if tier, ok := decision.Tightest(); ok {
			body["tier"] = tier.Policy
			body["remaining"] = tier.Remaining
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// Health reports 503 when the counter store does not answer. A nil checker is
// always healthy.
func Health(checker ports.HealthChecker, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Ping(ctx); err != nil {
				logger.Warn("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
