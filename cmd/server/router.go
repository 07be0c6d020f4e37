package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	httpHandlers "github.com/JeanGrijp/tiered-limiter/internal/adapters/http/handlers"
	httpMiddleware "github.com/JeanGrijp/tiered-limiter/internal/adapters/http/middleware"
	promrecorder "github.com/JeanGrijp/tiered-limiter/internal/adapters/metrics/prometheus"
	"github.com/JeanGrijp/tiered-limiter/internal/config"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
	"github.com/JeanGrijp/tiered-limiter/internal/core/services"
)

func buildLimiter(cfg config.RateLimiterConfig, store ports.Store, metrics ports.MetricsRecorder, log *slog.Logger) (*services.RateLimiterService, error) {
	identity, err := services.NewForwardedIdentityExtractor(cfg.IdentitySources)
	if err != nil {
		return nil, err
	}

	failureMode := services.FailClosed
	if cfg.FailOpen {
		failureMode = services.FailOpen
	}

	svcCfg := services.Config{
		Policies:     cfg.Tiers,
		Identity:     identity,
		KeyPrefix:    cfg.KeyPrefix,
		StoreTimeout: cfg.StoreTimeout,
		FailureMode:  failureMode,
		Metrics:      metrics,
		Logger:       log,
	}
	return services.NewRateLimiterService(store, svcCfg)
}

func buildRouter(cfg config.Config, storage backend, log *slog.Logger) (http.Handler, *services.RateLimiterService, error) {
	var recorder *promrecorder.Recorder
	var metrics ports.MetricsRecorder
	if cfg.Metrics.Enabled {
		recorder = promrecorder.NewRecorder()
		metrics = recorder
	}

	limiter, err := buildLimiter(cfg.RateLimiter, storage.store, metrics, log)
	if err != nil {
		return nil, nil, err
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", httpHandlers.Health(storage.health, log))
	if recorder != nil {
		r.Handle(cfg.Metrics.Path, recorder.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(httpMiddleware.NewRateLimiterMiddleware(limiter, httpMiddleware.WithLogger(log)))
		r.HandleFunc("/*", httpHandlers.Guarded)
	})

	return r, limiter, nil
}
