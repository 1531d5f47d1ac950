// Package storage persists accounts, authors, opportunities and responses in
// a SQL document store. SQLite is the default engine; Postgres is supported
// through the same queries with placeholders rebound.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// sqliteParams are appended to SQLite DSNs that carry no options. Foreign
// keys must be enabled per connection, so they go in the DSN rather than a
// one-off PRAGMA.
const sqliteParams = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"

// maxInList bounds the number of ids bound in one IN (...) clause.
const maxInList = 500

// Store is the SQL-backed document store.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens or creates the store and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.logger.Debug("Store opened", "driver", driver)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "semreply.db"
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + "?" + sqliteParams
}

// initSchema creates tables if they don't exist. The DDL sticks to types both
// engines accept; timestamps are unix milliseconds.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		handle TEXT NOT NULL,
		status TEXT NOT NULL,
		keywords TEXT NOT NULL DEFAULT '[]',
		principles TEXT NOT NULL DEFAULT '',
		voice TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		position INTEGER NOT NULL,
		enabled INTEGER NOT NULL,
		cadence TEXT NOT NULL,
		last_run_at BIGINT,
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (account_id, type)
	);

	CREATE TABLE IF NOT EXISTS authors (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		platform_user_id TEXT NOT NULL,
		handle TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		follower_count INTEGER NOT NULL DEFAULT 0,
		last_updated_at BIGINT NOT NULL,
		UNIQUE (platform, platform_user_id)
	);

	CREATE TABLE IF NOT EXISTS opportunities (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		post_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		author_id TEXT NOT NULL REFERENCES authors(id),
		likes INTEGER NOT NULL DEFAULT 0,
		reposts INTEGER NOT NULL DEFAULT 0,
		replies INTEGER NOT NULL DEFAULT 0,
		score_recency INTEGER NOT NULL,
		score_impact INTEGER NOT NULL,
		score_total INTEGER NOT NULL,
		discovery_type TEXT NOT NULL,
		status TEXT NOT NULL,
		discovered_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (account_id, post_id)
	);

	CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_opportunities_account ON opportunities(account_id, status);
	CREATE INDEX IF NOT EXISTS idx_opportunities_total ON opportunities(score_total);

	CREATE TABLE IF NOT EXISTS responses (
		id TEXT PRIMARY KEY,
		opportunity_id TEXT NOT NULL REFERENCES opportunities(id) ON DELETE CASCADE,
		account_id TEXT NOT NULL,
		text TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		metadata TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		posted_at BIGINT,
		platform_post_id TEXT NOT NULL DEFAULT '',
		platform_post_url TEXT NOT NULL DEFAULT '',
		UNIQUE (opportunity_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_responses_opportunity ON responses(opportunity_id);

	CREATE TABLE IF NOT EXISTS telegram_sessions (
		account_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// rebind converts ? placeholders to the driver's syntax.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunk splits ids into slices of at most maxInList.
func chunk(ids []string) [][]string {
	var out [][]string
	for len(ids) > maxInList {
		out = append(out, ids[:maxInList])
		ids = ids[maxInList:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
