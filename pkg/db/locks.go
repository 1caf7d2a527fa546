package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrLocked = errors.New("lock already held")

// LockStore implements simple named, TTL-based distributed locks in
// Postgres, used to keep periodic maintenance jobs from double-running
// across multiple service instances.
type LockStore struct {
	pool *pgxpool.Pool
}

func NewLockStore(pool *pgxpool.Pool) *LockStore {
	return &LockStore{pool: pool}
}

// AcquireLock inserts or steals a named lock row if it is unheld or expired.
func (s *LockStore) AcquireLock(ctx context.Context, name string, expiresAt time.Time) error {
	const q = `
		INSERT INTO maintenance_locks (name, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE maintenance_locks.expires_at < now()`

	tag, err := s.pool.Exec(ctx, q, name, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLocked
	}

	return nil
}

// ReleaseLock expires a lock immediately, letting another instance pick up
// the job sooner than the TTL would otherwise allow.
func (s *LockStore) ReleaseLock(ctx context.Context, name string) error {
	const q = `UPDATE maintenance_locks SET expires_at = now() WHERE name = $1`
	_, err := s.pool.Exec(ctx, q, name)
	return err
}

func (s *LockStore) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}
