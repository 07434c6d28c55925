package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-agui/internal/config"
	"github.com/multi-agent/go-agui/internal/database"
	"github.com/multi-agent/go-agui/internal/persist"
	"github.com/multi-agent/go-agui/internal/persist/pebblestore"
	"github.com/multi-agent/go-agui/internal/persist/pgstore"
	"github.com/multi-agent/go-agui/internal/persist/sqlitestore"
	"github.com/multi-agent/go-agui/migrations"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

// openGateway 按配置创建存储后端, 返回的 close 函数总是非 nil。
func openGateway(cfg *config.Config, pool *pgxpool.Pool) (persist.Gateway, func(), error) {
	noop := func() {}
	switch cfg.StorageBackend {
	case config.BackendMemory, "":
		return persist.NewMemory(), noop, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, noop, apperrors.Wrap(err, "openGateway", "create sqlite dir")
		}
		st, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return st, closer(st.Close, "sqlite"), nil
	case config.BackendPebble:
		st, err := pebblestore.Open(cfg.PebbleDir)
		if err != nil {
			return nil, noop, err
		}
		return st, closer(st.Close, "pebble"), nil
	case config.BackendPostgres:
		if pool == nil {
			return nil, noop, apperrors.New("openGateway", "postgres pool required")
		}
		return pgstore.New(pool), noop, nil
	default:
		return nil, noop, apperrors.Newf("openGateway", "unknown storage backend %q", cfg.StorageBackend)
	}
}

func closer(fn func() error, name string) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("storage close failed", logger.FieldBackend, name, logger.FieldError, err)
		}
	}
}

// migrate 指定目录时从磁盘读取迁移, 否则使用内置迁移。
func migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	if dir != "" {
		return database.Migrate(ctx, pool, dir)
	}
	return database.MigrateFS(ctx, pool, migrations.FS)
}
