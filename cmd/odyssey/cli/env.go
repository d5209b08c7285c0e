package cli

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

type poolMigrator struct {
	pool *pgxpool.Pool
}

func (m poolMigrator) Up(ctx context.Context) error     { return db.RunMigrations(ctx, m.pool) }
func (m poolMigrator) Down(ctx context.Context) error   { return db.MigrateDown(ctx, m.pool) }
func (m poolMigrator) Status(ctx context.Context) error { return db.MigrationStatus(ctx, m.pool) }

// EnvDeps opens backends from the service environment.
func EnvDeps() Deps {
	load := func() (*app.Config, *slog.Logger, error) {
		cfg, err := app.LoadConfig()
		if err != nil {
			return nil, nil, err
		}
		return cfg, app.NewLogger(cfg), nil
	}
	openPool := func(ctx context.Context) (*pgxpool.Pool, *slog.Logger, error) {
		cfg, logger, err := load()
		if err != nil {
			return nil, nil, err
		}
		pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: 2})
		if err != nil {
			return nil, nil, err
		}
		return pool, logger, nil
	}
	return Deps{
		Migrator: func(ctx context.Context) (Migrator, func(), error) {
			pool, _, err := openPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return poolMigrator{pool: pool}, pool.Close, nil
		},
		Grants: func(ctx context.Context) (*rbac.Service, func(), error) {
			pool, logger, err := openPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return rbac.NewService(rbac.NewPGRepository(pool), logger), pool.Close, nil
		},
		Inspector: func(ctx context.Context) (jobs.QueueInspector, string, func(), error) {
			cfg, _, err := load()
			if err != nil {
				return nil, "", nil, err
			}
			inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			return inspector, cfg.AuditQueue, func() { _ = inspector.Close() }, nil
		},
	}
}
