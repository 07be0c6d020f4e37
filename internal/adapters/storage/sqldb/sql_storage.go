// Package sqldb implements the counter store on a relational database (SQLite or Postgres).
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const createCountersTableSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_counters (
    counter_key TEXT PRIMARY KEY,
    hits        BIGINT NOT NULL,
    expires_at  BIGINT NOT NULL
)`

const createExpiryIndexSQL = `CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_expires_at ON rate_limit_counters (expires_at)`

// Current time in unix milliseconds, read from the database so every replica
// shares one clock. Both expressions are constant for the whole statement.
const (
	postgresNowMillis = `(extract(epoch from statement_timestamp()) * 1000)::bigint`
	sqliteNowMillis   = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`
)

// The whole increment is one statement: a live row is bumped, a missing or
// expired row restarts at 1 with a fresh expiry. SET expressions read the
// pre-update row, so both CASEs see the same expires_at. %[1]s is the dialect's
// current time.
const incrementSQL = `
INSERT INTO rate_limit_counters (counter_key, hits, expires_at)
VALUES (?, 1, %[1]s + ?)
ON CONFLICT (counter_key) DO UPDATE SET
    hits = CASE WHEN rate_limit_counters.expires_at <= %[1]s THEN 1 ELSE rate_limit_counters.hits + 1 END,
    expires_at = CASE WHEN rate_limit_counters.expires_at <= %[1]s THEN excluded.expires_at ELSE rate_limit_counters.expires_at END
RETURNING hits, expires_at - %[1]s`

const purgeSQL = `DELETE FROM rate_limit_counters WHERE expires_at <= %[1]s`

type Storage struct {
	db      *sql.DB
	dialect string

	incrementQuery string
	purgeQuery     string
}

var (
	_ ports.Store         = (*Storage)(nil)
	_ ports.HealthChecker = (*Storage)(nil)
)

// Open connects with the driver matching dialect and prepares the schema.
func Open(ctx context.Context, dialect, dsn string) (*Storage, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sql dsn is required")
	}
	driver, err := driverFor(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	storage, err := New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return storage, nil
}

// New wraps an existing handle. Supported dialects: "sqlite", "postgres".
func New(ctx context.Context, db *sql.DB, dialect string) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := driverFor(dialect); err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers anyway, and ":memory:" databases are per connection.
		db.SetMaxOpenConns(1)
	}

	now := sqliteNowMillis
	if dialect == DialectPostgres {
		now = postgresNowMillis
	}
	s := &Storage{
		db:             db,
		dialect:        dialect,
		incrementQuery: rebind(dialect, fmt.Sprintf(incrementSQL, now)),
		purgeQuery:     rebind(dialect, fmt.Sprintf(purgeSQL, now)),
	}

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func driverFor(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}
}

func (s *Storage) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createCountersTableSQL, createExpiryIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) IncrementAndEnsureExpiry(ctx context.Context, key string, ttl time.Duration) (domain.Counter, error) {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis <= 0 {
		return domain.Counter{}, fmt.Errorf("%w: ttl must be positive, got %s", domain.ErrStoreUnavailable, ttl)
	}

	var hits, remainingMillis int64
	err := s.db.QueryRowContext(ctx, s.incrementQuery, key, ttlMillis).Scan(&hits, &remainingMillis)
	if err != nil {
		return domain.Counter{}, fmt.Errorf("sql increment %q: %w", key, classify(err))
	}

	return domain.Counter{
		Count: hits,
		TTL:   time.Duration(remainingMillis) * time.Millisecond,
	}, nil
}

// PurgeExpired deletes counters whose window has closed and returns how many were removed.
func (s *Storage) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.purgeQuery)
	if err != nil {
		return 0, fmt.Errorf("purge expired counters: %w", classify(err))
	}
	return res.RowsAffected()
}

// RunJanitor purges expired rows every interval until ctx is done.
func (s *Storage) RunJanitor(ctx context.Context, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("counter purge failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("purged expired counters", "removed", removed)
			}
		}
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// rebind turns '?' placeholders into '$n' for postgres.
func rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
