package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresStore implements Store over a single key/value table, an
// alternate backend to RedisStore for deployments that already run
// PostgreSQL and would rather not add Redis as an operational
// dependency. Uses the standard database/sql + pgx stdlib driver
// idiom.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection to connString. Callers own
// the returned *PostgresStore's lifetime and should call Close when done.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// EnsureSchema creates the backing table if it does not already exist.
// Safe to call on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS agent_kv (
	key text PRIMARY KEY,
	value text NOT NULL,
	expires_at timestamptz
)`
	_, err := s.db.ExecContext(ctx, ddl)
	return wrap("ensure_schema", err)
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	const query = `
INSERT INTO agent_kv (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	_, err := s.db.ExecContext(ctx, query, key, value, expiresAt)
	return wrap("set", err)
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	const query = `SELECT value FROM agent_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return value, true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_kv WHERE key = $1`, key)
	return wrap("delete", err)
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	const query = `
SELECT key FROM agent_kv
WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
ORDER BY key ASC`
	rows, err := s.db.QueryContext(ctx, query, prefix+"%")
	if err != nil {
		return nil, wrap("keys", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrap("keys", err)
		}
		out = append(out, k)
	}
	return out, wrap("keys", rows.Err())
}

func (s *PostgresStore) Size(ctx context.Context, key string) (int64, error) {
	const query = `SELECT length(value) FROM agent_kv WHERE key = $1`
	var n int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("size", err)
	}
	return n, nil
}
