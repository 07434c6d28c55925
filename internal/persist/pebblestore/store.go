// Package pebblestore 基于 Pebble KV 的会话快照网关。
//
// 键布局:
//
//	thread:<id>      → Thread JSON
//	meta:order       → thread id 列表 (JSON 数组, 插入顺序)
//	meta:current     → 当前 thread id
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/cockroachdb/pebble"

	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/persist"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

var (
	threadPrefix = []byte("thread:")
	keyOrder     = []byte("meta:order")
	keyCurrent   = []byte("meta:current")
)

func threadKey(id string) []byte { return append(append([]byte(nil), threadPrefix...), id...) }

// Store Pebble 快照网关。
type Store struct {
	db *pebble.DB
}

var _ persist.Gateway = (*Store)(nil)

// Open 打开 (必要时创建) dir 处的 Pebble 数据库。
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, apperrors.New("pebblestore.Open", "missing db dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperrors.Wrap(err, "pebblestore.Open", "create db dir")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, apperrors.Wrap(err, "pebblestore.Open", "open pebble")
	}
	logger.Info("pebblestore: opened", logger.FieldPath, dir)
	return &Store{db: db}, nil
}

// Close 关闭数据库。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load 实现 persist.Gateway。
func (s *Store) Load(ctx context.Context) (persist.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return persist.Snapshot{}, err
	}
	var snap persist.Snapshot

	orderRaw, ok, err := s.get(keyOrder)
	if err != nil {
		return snap, apperrors.Wrap(err, "pebblestore.Load", "read order")
	}
	if !ok {
		return snap, nil
	}
	var order []string
	if err := json.Unmarshal(orderRaw, &order); err != nil {
		return snap, apperrors.Wrap(err, "pebblestore.Load", "decode order")
	}

	for _, id := range order {
		data, ok, err := s.get(threadKey(id))
		if err != nil {
			return persist.Snapshot{}, apperrors.Wrapf(err, "pebblestore.Load", "read thread %s", id)
		}
		if !ok {
			logger.Warn("pebblestore: thread listed but missing", logger.FieldThreadID, id)
			continue
		}
		t, err := persist.DecodeThread(data)
		if err != nil {
			logger.Warn("pebblestore: corrupt thread skipped", logger.FieldThreadID, id, logger.FieldError, err)
			continue
		}
		snap.Threads = append(snap.Threads, t)
	}

	cur, _, err := s.get(keyCurrent)
	if err != nil {
		return persist.Snapshot{}, apperrors.Wrap(err, "pebblestore.Load", "read current")
	}
	snap.CurrentThreadID = string(cur)
	return snap, nil
}

// Save 实现 persist.Gateway: 一个 batch 内写入全部 thread 并删除多余的键。
func (s *Store) Save(ctx context.Context, threads []*conversation.Thread, currentThreadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()

	keep := make(map[string]struct{}, len(threads))
	order := make([]string, 0, len(threads))
	for _, t := range threads {
		if t == nil {
			continue
		}
		data, err := persist.EncodeThread(t)
		if err != nil {
			return err
		}
		if err := b.Set(threadKey(t.ID), data, nil); err != nil {
			return apperrors.Wrapf(err, "pebblestore.Save", "set thread %s", t.ID)
		}
		keep[t.ID] = struct{}{}
		order = append(order, t.ID)
	}

	stale, err := s.staleThreadKeys(keep)
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k, nil); err != nil {
			return apperrors.Wrap(err, "pebblestore.Save", "delete stale thread")
		}
	}

	orderRaw, err := json.Marshal(order)
	if err != nil {
		return apperrors.Wrap(err, "pebblestore.Save", "encode order")
	}
	if err := b.Set(keyOrder, orderRaw, nil); err != nil {
		return apperrors.Wrap(err, "pebblestore.Save", "set order")
	}
	if err := b.Set(keyCurrent, []byte(currentThreadID), nil); err != nil {
		return apperrors.Wrap(err, "pebblestore.Save", "set current")
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return apperrors.Wrap(err, "pebblestore.Save", "commit batch")
	}
	return nil
}

// staleThreadKeys 已存储但不在 keep 中的 thread 键。
func (s *Store) staleThreadKeys(keep map[string]struct{}) ([][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, "pebblestore.Save", "open iterator")
	}
	defer iter.Close()

	var stale [][]byte
	for iter.SeekGE(threadPrefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, threadPrefix) {
			break
		}
		if _, ok := keep[string(k[len(threadPrefix):])]; !ok {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	return stale, iter.Error()
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}
