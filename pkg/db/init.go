package db

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	connectOnce          sync.Once
	globalPool           *pgxpool.Pool
	globalDBErr          error
	errConnectionTimeout = errors.New("connection timeout")
)

func Connect(ctx context.Context, cfg common.ConfigStore, timeout time.Duration, admin bool) (*pgxpool.Pool, error) {
	connectOnce.Do(func() {
		globalPool, globalDBErr = connectEx(ctx, cfg, timeout, admin)
	})
	return globalPool, globalDBErr
}

func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, up bool) error {
	const migrationTable = "gatekeeper_migrations"

	return MigratePostgresEx(common.TraceContext(ctx, "postgres"), pool, postgresMigrationsFS, "migrations/postgres", migrationTable, up)
}

func connectEx(ctx context.Context, cfg common.ConfigStore, timeout time.Duration, admin bool) (pool *pgxpool.Pool, err error) {
	config, cerr := createPgxConfig(ctx, cfg, admin)
	if cerr != nil {
		return nil, cerr
	}

	pool, err = connectPostgres(ctx, config, timeout)
	if err != nil {
		return nil, err
	}
	if perr := pool.Ping(ctx); perr != nil {
		return nil, perr
	}

	return pool, nil
}
