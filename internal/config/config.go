// Package config loads application settings from the environment and an optional tiers file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
)

const defaultTiers = "minute:60:15,hour:3600:250,day:86400:500"

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	RateLimiter RateLimiterConfig
	Log         LogConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

type StorageConfig struct {
	Type  string
	Redis RedisConfig
	SQL   SQLConfig
}

type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	MaxRetries  int
	RetryBudget time.Duration
	DialTimeout time.Duration
}

type SQLConfig struct {
	DSN             string
	JanitorInterval time.Duration
}

type RateLimiterConfig struct {
	Tiers           domain.Policies
	KeyPrefix       string
	StoreTimeout    time.Duration
	FailOpen        bool
	IdentitySources []string
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	shutdownSeconds, err := getInt("SHUTDOWN_TIMEOUT_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}
	server := ServerConfig{
		Port:            getEnv("SERVER_PORT", "8080"),
		ShutdownTimeout: time.Duration(shutdownSeconds) * time.Second,
	}

	storage, err := buildStorageConfig()
	if err != nil {
		return Config{}, err
	}

	rateLimiterConfig, err := buildRateLimiterConfig()
	if err != nil {
		return Config{}, err
	}

	metricsEnabled, err := getBool("METRICS_ENABLED", true)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server:      server,
		Storage:     storage,
		RateLimiter: rateLimiterConfig,
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Metrics: MetricsConfig{
			Enabled: metricsEnabled,
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}, nil
}

func buildStorageConfig() (StorageConfig, error) {
	storageType := strings.ToLower(getEnv("STORAGE_TYPE", "redis"))
	switch storageType {
	case "redis", "sqlite", "postgres", "memory":
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_TYPE %q (redis, sqlite, postgres, memory)", storageType)
	}

	redisConfig, err := buildRedisConfig()
	if err != nil {
		return StorageConfig{}, err
	}

	janitorSeconds, err := getInt("SQL_JANITOR_INTERVAL_SECONDS", 60)
	if err != nil {
		return StorageConfig{}, err
	}
	sqlConfig := SQLConfig{
		DSN:             os.Getenv("SQL_DSN"),
		JanitorInterval: time.Duration(janitorSeconds) * time.Second,
	}
	if (storageType == "sqlite" || storageType == "postgres") && strings.TrimSpace(sqlConfig.DSN) == "" {
		return StorageConfig{}, fmt.Errorf("SQL_DSN is required for STORAGE_TYPE=%s", storageType)
	}

	return StorageConfig{Type: storageType, Redis: redisConfig, SQL: sqlConfig}, nil
}

func buildRedisConfig() (RedisConfig, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	maxRetries, err := getInt("REDIS_MAX_RETRIES", 1)
	if err != nil {
		return RedisConfig{}, err
	}
	retryBudgetMs, err := getInt("REDIS_RETRY_BUDGET_MS", 200)
	if err != nil {
		return RedisConfig{}, err
	}
	dialTimeoutMs, err := getInt("REDIS_DIAL_TIMEOUT_MS", 500)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Host:        host,
		Port:        port,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          db,
		MaxRetries:  maxRetries,
		RetryBudget: time.Duration(retryBudgetMs) * time.Millisecond,
		DialTimeout: time.Duration(dialTimeoutMs) * time.Millisecond,
	}, nil
}

func buildRateLimiterConfig() (RateLimiterConfig, error) {
	var (
		tiers domain.Policies
		err   error
	)
	if path := getEnv("RATE_LIMIT_TIERS_FILE", ""); path != "" {
		tiers, err = LoadTiersFile(path)
	} else {
		tiers, err = ParseTiers(getEnv("RATE_LIMIT_TIERS", defaultTiers))
	}
	if err != nil {
		return RateLimiterConfig{}, err
	}
	if err := tiers.Validate(); err != nil {
		return RateLimiterConfig{}, err
	}

	storeTimeoutMs, err := getInt("RATE_LIMIT_STORE_TIMEOUT_MS", 250)
	if err != nil {
		return RateLimiterConfig{}, err
	}
	failOpen, err := getBool("RATE_LIMIT_FAIL_OPEN", false)
	if err != nil {
		return RateLimiterConfig{}, err
	}

	return RateLimiterConfig{
		Tiers:           tiers,
		KeyPrefix:       getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit"),
		StoreTimeout:    time.Duration(storeTimeoutMs) * time.Millisecond,
		FailOpen:        failOpen,
		IdentitySources: splitList(getEnv("IDENTITY_SOURCES", "X-Forwarded-For,X-Real-IP,remote_addr")),
	}, nil
}

// ParseTiers reads NAME:WINDOW_SECONDS:MAX_REQUESTS entries separated by commas.
func ParseTiers(raw string) (domain.Policies, error) {
	var tiers domain.Policies
	for _, item := range splitList(raw) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("tier must follow NAME:WINDOW_SECONDS:MAX_REQUESTS: %s", item)
		}

		name := strings.TrimSpace(parts[0])
		windowSeconds, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid window seconds for tier %s: %w", name, err)
		}
		maxRequests, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid max requests for tier %s: %w", name, err)
		}

		tiers = append(tiers, domain.WindowPolicy{
			Name:        name,
			Duration:    time.Duration(windowSeconds) * time.Second,
			MaxRequests: maxRequests,
		})
	}
	return tiers, nil
}

type tiersFile struct {
	Tiers []struct {
		Name        string `yaml:"name"`
		Window      string `yaml:"window"`
		MaxRequests int64  `yaml:"max_requests"`
	} `yaml:"tiers"`
}

// LoadTiersFile reads tiers from YAML:
//
//	tiers:
//	  - name: minute
//	    window: 1m
//	    max_requests: 15
func LoadTiersFile(path string) (domain.Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}

	var file tiersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tiers file %s: %w", path, err)
	}

	tiers := make(domain.Policies, 0, len(file.Tiers))
	for i, t := range file.Tiers {
		window, err := time.ParseDuration(t.Window)
		if err != nil {
			return nil, fmt.Errorf("tiers[%d].window: %w", i, err)
		}
		tiers = append(tiers, domain.WindowPolicy{Name: t.Name, Duration: window, MaxRequests: t.MaxRequests})
	}
	return tiers, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getInt(key string, fallback int) (int, error) {
	value, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
