package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createCacheTable = `CREATE TABLE IF NOT EXISTS swr_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
)`

// PostgresStore implements Store on a Postgres table. Updates serialize per
// key through a transaction-scoped advisory lock, which also covers keys
// that do not exist yet.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the cache table when missing. The caller owns the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createCacheTable); err != nil {
		return nil, errors.Wrap(err, "create swr_cache table")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM swr_cache WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "postgres get %q", key)
	}
	return value, true, nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return errors.Wrapf(err, "postgres lock %q", key)
	}

	var current []byte
	found := true
	err = tx.QueryRow(ctx,
		`SELECT value FROM swr_cache WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		found, err = false, nil
	}
	if err != nil {
		return errors.Wrapf(err, "postgres read %q", key)
	}

	next, write, err := fn(current, found)
	if err != nil {
		return err
	}
	if !write {
		return tx.Commit(ctx)
	}

	expiresAt := pgtype.Timestamptz{}
	if ttl > 0 {
		expiresAt = pgtype.Timestamptz{Time: time.Now().Add(ttl), Valid: true}
	}
	if _, err = tx.Exec(ctx,
		`INSERT INTO swr_cache (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, next, expiresAt,
	); err != nil {
		return errors.Wrapf(err, "postgres upsert %q", key)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM swr_cache WHERE key = $1`, key)
	return errors.Wrapf(err, "postgres delete %q", key)
}

func (s *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM swr_cache WHERE expires_at IS NULL OR expires_at > now() ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "postgres keys")
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return keys, errors.Wrap(err, "postgres keys")
}

func (s *PostgresStore) Flush(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM swr_cache`)
	return errors.Wrap(err, "postgres flush")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the caller owns the pool.
func (s *PostgresStore) Close() error {
	return nil
}
