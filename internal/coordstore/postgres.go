package coordstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// PostgresConfig holds connection settings for the Postgres-backed store.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// PostgresStore implements Store on a shared PostgreSQL database. It is the
// cross-process deployment option; MemoryStore covers the single-process case.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore opens a connection pool and ensures the coordination
// tables exist.
func NewPostgresStore(cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	return NewPostgresStoreDSN(dsn, logger)
}

// NewPostgresStoreDSN is NewPostgresStore for callers that already hold a
// connection string.
func NewPostgresStoreDSN(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open coordination database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, logger: logger}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS coordination_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS coordination_hash (
			key TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, field)
		)`,
		`CREATE TABLE IF NOT EXISTS coordination_list (
			key TEXT NOT NULL,
			seq BIGSERIAL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, seq)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create coordination tables: %w", err)
		}
	}
	return nil
}

// Get returns the live value for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM coordination_kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts value under key with no expiry.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coordination_kv (key, value, expires_at) VALUES ($1, $2, NULL)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// SetIfAbsent atomically claims key for ttl when no live value exists. An
// expired row counts as absent and is overwritten.
func (s *PostgresStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO coordination_kv (key, value, expires_at)
		 VALUES ($1, $2, now() + $3::interval)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		 WHERE coordination_kv.expires_at IS NOT NULL AND coordination_kv.expires_at <= now()`,
		key, value, fmt.Sprintf("%f seconds", ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("setnx %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes key from every namespace.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	for _, q := range []string{
		`DELETE FROM coordination_kv WHERE key = $1`,
		`DELETE FROM coordination_hash WHERE key = $1`,
		`DELETE FROM coordination_list WHERE key = $1`,
	} {
		if _, err := s.db.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}

// HashGetAll returns all fields of the hash stored at key.
func (s *PostgresStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM coordination_hash WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %q: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

// HashSet upserts one field of the hash stored at key.
func (s *PostgresStore) HashSet(ctx context.Context, key, field, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coordination_hash (key, field, value) VALUES ($1, $2, $3)
		 ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
		key, field, value)
	if err != nil {
		return fmt.Errorf("hset %q.%q: %w", key, field, err)
	}
	return nil
}

// HashDelete removes one field of the hash stored at key.
func (s *PostgresStore) HashDelete(ctx context.Context, key, field string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM coordination_hash WHERE key = $1 AND field = $2`, key, field)
	if err != nil {
		return fmt.Errorf("hdel %q.%q: %w", key, field, err)
	}
	return nil
}

// ListPush appends value to the list stored at key.
func (s *PostgresStore) ListPush(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coordination_list (key, value) VALUES ($1, $2)`, key, value)
	if err != nil {
		return fmt.Errorf("lpush %q: %w", key, err)
	}
	return nil
}

// ListTrim keeps only the elements inside the window.
func (s *PostgresStore) ListTrim(ctx context.Context, key string, start, end int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM coordination_list
		 WHERE key = $1 AND seq NOT IN (
			SELECT seq FROM (
				SELECT seq, row_number() OVER (ORDER BY seq) - 1 AS idx,
				       count(*) OVER () AS n
				FROM coordination_list WHERE key = $1
			) w
			WHERE idx BETWEEN
				CASE WHEN $2 < 0 THEN GREATEST(w.n + $2, 0) ELSE $2 END
			AND
				CASE WHEN $3 < 0 THEN w.n + $3 ELSE LEAST($3, w.n - 1) END
		 )`, key, start, end)
	if err != nil {
		return fmt.Errorf("ltrim %q: %w", key, err)
	}
	return nil
}

// ListRange returns the elements inside the window in insertion order.
func (s *PostgresStore) ListRange(ctx context.Context, key string, start, end int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM (
			SELECT value, row_number() OVER (ORDER BY seq) - 1 AS idx,
			       count(*) OVER () AS n
			FROM coordination_list WHERE key = $1
		 ) w
		 WHERE idx BETWEEN
			CASE WHEN $2 < 0 THEN GREATEST(w.n + $2, 0) ELSE $2 END
		 AND
			CASE WHEN $3 < 0 THEN w.n + $3 ELSE LEAST($3, w.n - 1) END
		 ORDER BY idx`, key, start, end)
	if err != nil {
		return nil, fmt.Errorf("lrange %q: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Expire sets a TTL on an existing live key.
func (s *PostgresStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE coordination_kv SET expires_at = now() + $2::interval
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key, fmt.Sprintf("%f seconds", ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("expire %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
