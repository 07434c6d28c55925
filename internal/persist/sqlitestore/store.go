// Package sqlitestore 基于本地 SQLite 的会话快照网关 (嵌入式部署)。
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/persist"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

const (
	schemaVersion      = 1
	stateCurrentThread = "current_thread_id"
)

// Store SQLite 快照网关。每个 thread 一行 (完整 JSON), 顺序由 position 保存。
type Store struct {
	db *sql.DB
}

var _ persist.Gateway = (*Store)(nil)

// Open 打开 (必要时创建) path 处的数据库。
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.New("sqlitestore.Open", "missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, apperrors.Wrap(err, "sqlitestore.Open", "create db dir")
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, apperrors.Wrap(err, "sqlitestore.Open", "open db")
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger.Info("sqlitestore: opened", logger.FieldPath, p)
	return &Store{db: db}, nil
}

// Close 关闭数据库。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return apperrors.Wrap(err, "sqlitestore.initSchema", "pragma journal_mode")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return apperrors.Wrap(err, "sqlitestore.initSchema", "pragma busy_timeout")
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return apperrors.Wrap(err, "sqlitestore.initSchema", "pragma user_version")
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return apperrors.Wrap(err, "sqlitestore.initSchema", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS agui_threads (
  thread_id TEXT PRIMARY KEY,
  position INTEGER NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  run_count INTEGER NOT NULL DEFAULT 0,
  thread_json TEXT NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agui_threads_position ON agui_threads(position);
CREATE TABLE IF NOT EXISTS agui_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL DEFAULT ''
);
`); err != nil {
		return apperrors.Wrap(err, "sqlitestore.initSchema", "create tables")
	}
	if _, err := tx.Exec(`PRAGMA user_version = 1;`); err != nil {
		return apperrors.Wrap(err, "sqlitestore.initSchema", "set user_version")
	}
	return tx.Commit()
}

// Load 实现 persist.Gateway。损坏的行记录警告后跳过。
func (s *Store) Load(ctx context.Context) (persist.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id, thread_json FROM agui_threads ORDER BY position ASC`)
	if err != nil {
		return persist.Snapshot{}, apperrors.Wrap(err, "sqlitestore.Load", "query threads")
	}
	defer rows.Close()

	var snap persist.Snapshot
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return persist.Snapshot{}, apperrors.Wrap(err, "sqlitestore.Load", "scan thread")
		}
		t, err := persist.DecodeThread([]byte(data))
		if err != nil {
			logger.Warn("sqlitestore: corrupt thread skipped", logger.FieldThreadID, id, logger.FieldError, err)
			continue
		}
		snap.Threads = append(snap.Threads, t)
	}
	if err := rows.Err(); err != nil {
		return persist.Snapshot{}, apperrors.Wrap(err, "sqlitestore.Load", "iterate threads")
	}

	err = s.db.QueryRowContext(ctx, `SELECT value FROM agui_state WHERE key = ?`, stateCurrentThread).Scan(&snap.CurrentThreadID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return persist.Snapshot{}, apperrors.Wrap(err, "sqlitestore.Load", "query current thread")
	}
	return snap, nil
}

// Save 实现 persist.Gateway: 单个事务内整体替换。
func (s *Store) Save(ctx context.Context, threads []*conversation.Thread, currentThreadID string) error {
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, "sqlitestore.Save", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agui_threads`); err != nil {
		return apperrors.Wrap(err, "sqlitestore.Save", "clear threads")
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO agui_threads(thread_id, position, title, run_count, thread_json, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(err, "sqlitestore.Save", "prepare insert")
	}
	defer stmt.Close()

	for i, t := range threads {
		if t == nil {
			continue
		}
		data, err := persist.EncodeThread(t)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, t.ID, i, t.Title, len(t.Runs), string(data), now); err != nil {
			return apperrors.Wrapf(err, "sqlitestore.Save", "insert thread %s", t.ID)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO agui_state(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, stateCurrentThread, currentThreadID); err != nil {
		return apperrors.Wrap(err, "sqlitestore.Save", "save current thread")
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, "sqlitestore.Save", "commit")
	}
	return nil
}
