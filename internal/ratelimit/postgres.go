package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/simstudio/workflow-core/internal/storage"
)

// PostgresStore persists window records in the user_rate_limits table.
// Increment relies on an INSERT ... ON CONFLICT upsert so the
// read-reset-or-increment sequence is atomic even under concurrent
// callers sharing a key: a stale window resets all three counters, a
// live window increments only the requested one, and Postgres's
// conflict resolution picks a single winner per row without an
// explicit application-level lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens a PostgresStore using a DSN, reusing
// the shared Cockroach/Postgres connection pool defaults.
func NewPostgresStoreFromDSN(dsn string, config *storage.CockroachConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = storage.DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// columns, quoted throughout since the persisted layout (spec.md §6)
// names them in camelCase and Postgres folds unquoted identifiers to
// lowercase.
const (
	colReferenceID  = `"referenceId"`
	colWindowStart  = `"windowStart"`
	colSync         = `"syncApiRequests"`
	colAsync        = `"asyncApiRequests"`
	colAPIEndpoint  = `"apiEndpointRequests"`
	colLastReqAt    = `"lastRequestAt"`
	colIsLimited    = `"isRateLimited"`
	colResetAt      = `"rateLimitResetAt"`
	tableRateLimits = `user_rate_limits`
)

func (s *PostgresStore) columnForQuoted(counter Counter) string {
	switch counter {
	case CounterAsync:
		return colAsync
	case CounterAPIEndpoint:
		return colAPIEndpoint
	default:
		return colSync
	}
}

// Increment performs the conditional-reset-or-increment upsert and
// returns the row as committed.
func (s *PostgresStore) Increment(ctx context.Context, key string, counter Counter, window time.Duration) (Record, error) {
	column := s.columnForQuoted(counter)

	query := fmt.Sprintf(`
		INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s)
		VALUES ($1, now(), %s, %s, %s, now(), false, now() + make_interval(secs => $2))
		ON CONFLICT (%s) DO UPDATE SET
			%s = CASE WHEN %s.%s < now() - make_interval(secs => $2)
				THEN now() ELSE %s.%s END,
			%s = CASE WHEN %s.%s < now() - make_interval(secs => $2)
				THEN %s ELSE %s END,
			%s = CASE WHEN %s.%s < now() - make_interval(secs => $2)
				THEN %s ELSE %s END,
			%s = CASE WHEN %s.%s < now() - make_interval(secs => $2)
				THEN %s ELSE %s END,
			%s = now()
		RETURNING %s, %s, %s, %s
	`,
		tableRateLimits, colReferenceID, colWindowStart, colSync, colAsync, colAPIEndpoint, colLastReqAt, colIsLimited, colResetAt,
		resetVal(column, colSync), resetVal(column, colAsync), resetVal(column, colAPIEndpoint),
		colReferenceID,
		colWindowStart, tableRateLimits, colWindowStart, tableRateLimits, colWindowStart,
		colSync, tableRateLimits, colWindowStart, resetVal(column, colSync), liveVal(tableRateLimits, column, colSync),
		colAsync, tableRateLimits, colWindowStart, resetVal(column, colAsync), liveVal(tableRateLimits, column, colAsync),
		colAPIEndpoint, tableRateLimits, colWindowStart, resetVal(column, colAPIEndpoint), liveVal(tableRateLimits, column, colAPIEndpoint),
		colLastReqAt,
		colWindowStart, colSync, colAsync, colAPIEndpoint,
	)

	var rec Record
	err := s.db.QueryRowContext(ctx, query, key, window.Seconds()).Scan(&rec.WindowStart, &rec.Sync, &rec.Async, &rec.APIEndpoint)
	if err != nil {
		return Record{}, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}
	return rec, nil
}

// resetVal is the value column takes when the window has just expired:
// 1 for the counter this request targets, 0 for the other two.
func resetVal(target, column string) string {
	if target == column {
		return "1"
	}
	return "0"
}

// liveVal is the value column takes when the window is still live:
// incremented for the targeted counter, untouched for the other two.
func liveVal(table, target, column string) string {
	if target == column {
		return table + "." + column + " + 1"
	}
	return table + "." + column
}

func (s *PostgresStore) Status(ctx context.Context, key string, window time.Duration) (Record, error) {
	var rec Record
	query := fmt.Sprintf(`SELECT %s, %s, %s, %s FROM %s WHERE %s = $1`,
		colWindowStart, colSync, colAsync, colAPIEndpoint, tableRateLimits, colReferenceID)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&rec.WindowStart, &rec.Sync, &rec.Async, &rec.APIEndpoint)
	if err == sql.ErrNoRows {
		return Record{WindowStart: time.Now().Add(-window)}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("ratelimit: status %s: %w", key, err)
	}
	return rec, nil
}

func (s *PostgresStore) Reset(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, tableRateLimits, colReferenceID)
	_, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", key, err)
	}
	return nil
}
