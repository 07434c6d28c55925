// cmd/server: 会话聚合引擎 HTTP 服务入口。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-agui/internal/config"
	"github.com/multi-agent/go-agui/internal/database"
	"github.com/multi-agent/go-agui/internal/engine"
	"github.com/multi-agent/go-agui/internal/httpapi"
	"github.com/multi-agent/go-agui/internal/metrics"
	"github.com/multi-agent/go-agui/internal/persist"
	"github.com/multi-agent/go-agui/internal/transport"
	"github.com/multi-agent/go-agui/pkg/logger"
	"github.com/multi-agent/go-agui/pkg/util"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal(".env load failed", logger.FieldError, err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", logger.FieldError, err)
	}
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
			logger.Fatal("log file init failed", logger.FieldError, err)
		}
		defer logger.ShutdownFileHandler()
	} else {
		logger.InitWithLevel(cfg.AppEnv, cfg.LogLevel)
	}

	// PostgreSQL: postgres 存储或 DB 日志需要
	var pool *pgxpool.Pool
	if cfg.StorageBackend == config.BackendPostgres || (cfg.LogToDB && cfg.PostgresConnStr != "") {
		p, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("postgres connect failed", logger.FieldError, err)
		}
		defer p.Close()
		if err := migrate(ctx, p, cfg.MigrationsDir); err != nil {
			logger.Fatal("migration failed", logger.FieldError, err)
		}
		pool = p
		if cfg.LogToDB {
			logger.AttachDBHandler(pool)
			defer logger.ShutdownDBHandler()
		}
	}

	gw, closeGW, err := openGateway(cfg, pool)
	if err != nil {
		logger.Fatal("storage init failed", logger.FieldBackend, cfg.StorageBackend, logger.FieldError, err)
	}
	defer closeGW()

	var m *metrics.Metrics
	opts := engine.Options{TitleRunes: cfg.TitleRunes, Debug: cfg.Debug}
	if cfg.MetricsEnabled {
		m = metrics.New()
		opts.Observer = m
	}
	eng := engine.New(opts)
	if m != nil {
		m.WatchRunning(eng.RunningCount)
		m.WatchThreads(func() int { return len(eng.Summaries()) })
	}

	// 先恢复再订阅, 恢复本身不触发保存
	if snap, err := persist.Restore(ctx, gw, eng); err != nil {
		logger.Error("restore failed, starting empty", logger.FieldBackend, cfg.StorageBackend, logger.FieldError, err)
	} else {
		logger.Info("threads restored", logger.FieldBackend, cfg.StorageBackend, logger.FieldCount, len(snap.Threads))
	}
	autosaver := persist.NewAutosaver(gw, eng, persist.AutosaveOptions{
		Debounce: cfg.AutosaveDebounce,
		OnSave: func(err error) {
			if m != nil {
				m.ObserveSave(err)
			}
		},
	})

	var agent transport.Agent
	if cfg.AgentURL != "" {
		agent = transport.NewAgent(cfg.AgentURL, transport.HTTPAgentOptions{
			Timeout:      cfg.AgentTimeout,
			ErrBodyLimit: cfg.AgentErrBodyLimit,
		})
	} else {
		logger.Warn("AGUI_AGENT_URL not set, message endpoints disabled")
	}

	srv := httpapi.NewServer(httpapi.Deps{Engine: eng, Agent: agent, Metrics: m}, httpapi.Options{
		SSEKeepAlive:   cfg.SSEKeepAlive,
		RunTimeout:     cfg.AgentTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.SafeGo(func() {
		logger.Info("server starting", logger.FieldAddr, cfg.ListenAddr, logger.FieldBackend, cfg.StorageBackend, logger.FieldURL, cfg.AgentURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", logger.FieldError, err)
			cancel()
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logger.FieldError, err)
	}
	srv.Close()
	if err := autosaver.Stop(shutdownCtx); err != nil {
		logger.Warn("final save failed", logger.FieldError, err)
	}
}
