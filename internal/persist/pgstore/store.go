// Package pgstore 基于 PostgreSQL 的会话快照网关。
//
// 表结构见 migrations/001_init.sql (agui_threads / agui_state)。
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/persist"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

const stateCurrentThread = "current_thread_id"

// Store PostgreSQL 快照网关。
type Store struct {
	pool *pgxpool.Pool
}

var _ persist.Gateway = (*Store)(nil)

// New 创建网关; 表需已通过迁移创建。
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load 实现 persist.Gateway。
func (s *Store) Load(ctx context.Context) (persist.Snapshot, error) {
	if s.pool == nil {
		return persist.Snapshot{}, apperrors.New("pgstore.Load", "pool is required")
	}
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM agui_threads ORDER BY position ASC`)
	if err != nil {
		return persist.Snapshot{}, apperrors.Wrap(err, "pgstore.Load", "query threads")
	}
	defer rows.Close()

	var snap persist.Snapshot
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return persist.Snapshot{}, apperrors.Wrap(err, "pgstore.Load", "scan thread")
		}
		t, err := persist.DecodeThread(data)
		if err != nil {
			logger.Warn("pgstore: corrupt thread skipped", logger.FieldThreadID, id, logger.FieldError, err)
			continue
		}
		snap.Threads = append(snap.Threads, t)
	}
	if err := rows.Err(); err != nil {
		return persist.Snapshot{}, apperrors.Wrap(err, "pgstore.Load", "iterate threads")
	}

	err = s.pool.QueryRow(ctx, `SELECT value FROM agui_state WHERE key = $1`, stateCurrentThread).Scan(&snap.CurrentThreadID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return persist.Snapshot{}, apperrors.Wrap(err, "pgstore.Load", "query current thread")
	}
	return snap, nil
}

// Save 实现 persist.Gateway: 事务内 upsert 全部 thread 并删除不在列表中的行。
func (s *Store) Save(ctx context.Context, threads []*conversation.Thread, currentThreadID string) error {
	if s.pool == nil {
		return apperrors.New("pgstore.Save", "pool is required")
	}

	batch := &pgx.Batch{}
	ids := make([]string, 0, len(threads))
	for i, t := range threads {
		if t == nil {
			continue
		}
		data, err := persist.EncodeThread(t)
		if err != nil {
			return err
		}
		ids = append(ids, t.ID)
		batch.Queue(`
			INSERT INTO agui_threads (id, position, title, data, updated_at)
			VALUES ($1, $2, $3, $4::jsonb, NOW())
			ON CONFLICT (id) DO UPDATE
			SET position = EXCLUDED.position, title = EXCLUDED.title,
			    data = EXCLUDED.data, updated_at = NOW()`,
			t.ID, i, t.Title, string(data))
	}
	batch.Queue(`DELETE FROM agui_threads WHERE NOT (id = ANY($1))`, ids)
	batch.Queue(`
		INSERT INTO agui_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		stateCurrentThread, currentThreadID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, "pgstore.Save", "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return apperrors.Wrapf(err, "pgstore.Save", "batch statement %d", i)
		}
	}
	if err := br.Close(); err != nil {
		return apperrors.Wrap(err, "pgstore.Save", "close batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, "pgstore.Save", "commit")
	}
	return nil
}
