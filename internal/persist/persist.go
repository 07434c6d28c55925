// Package persist 会话快照的持久化网关。
//
// Gateway 只负责整体 Load / Save; 何时保存由 Autosaver 决定。
// 所有后端使用同一份 JSON 编码 (EncodeThread / DecodeThread),
// 与前端持久化格式一致: {id, runs, title}。
package persist

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/multi-agent/go-agui/internal/conversation"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

// Snapshot 持久化数据: 插入顺序的 thread 列表 + 当前 thread id。
type Snapshot struct {
	Threads         []*conversation.Thread `json:"sessions"`
	CurrentThreadID string                 `json:"currentSessionId"`
}

// Gateway 持久化网关。
//
// Save 以快照整体替换已保存内容 (不在列表中的 thread 被删除)。
// Load 在无数据时返回空快照而非错误。
type Gateway interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, threads []*conversation.Thread, currentThreadID string) error
}

// Hydrator 接收恢复的快照 (engine.Engine 实现)。
type Hydrator interface {
	Hydrate(threads []*conversation.Thread, currentThreadID string)
}

// Restore 从 gw 加载快照并交给 h。加载失败时不修改 h。
func Restore(ctx context.Context, gw Gateway, h Hydrator) (Snapshot, error) {
	snap, err := gw.Load(ctx)
	if err != nil {
		return Snapshot{}, apperrors.Wrap(err, "persist.Restore", "load snapshot")
	}
	h.Hydrate(snap.Threads, snap.CurrentThreadID)
	logger.Info("persist: restored",
		logger.FieldCount, len(snap.Threads),
		logger.FieldThreadID, snap.CurrentThreadID,
	)
	return snap, nil
}

// EncodeThread 序列化单个 thread。
func EncodeThread(t *conversation.Thread) ([]byte, error) {
	if t == nil {
		return nil, apperrors.New("persist.EncodeThread", "thread is nil")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, apperrors.Wrapf(err, "persist.EncodeThread", "marshal thread %s", t.ID)
	}
	return data, nil
}

// DecodeThread 反序列化单个 thread; 缺少 id 视为损坏数据。
func DecodeThread(data []byte) (*conversation.Thread, error) {
	var t conversation.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, apperrors.Wrap(err, "persist.DecodeThread", "unmarshal thread")
	}
	if t.ID == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "persist.DecodeThread", "thread id missing")
	}
	return &t, nil
}

// ========================================
// Memory: 进程内网关 (测试 / 无持久化部署)
// ========================================

// Memory 以 JSON 字节保存快照, 读写互不共享实体。
type Memory struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemory 创建空的内存网关。
func NewMemory() *Memory { return &Memory{} }

// Load 实现 Gateway。
func (m *Memory) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if len(data) == 0 {
		return Snapshot{}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, apperrors.Wrap(err, "Memory.Load", "unmarshal snapshot")
	}
	return snap, nil
}

// Save 实现 Gateway。
func (m *Memory) Save(ctx context.Context, threads []*conversation.Thread, currentThreadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if threads == nil {
		threads = []*conversation.Thread{}
	}
	data, err := json.Marshal(Snapshot{Threads: threads, CurrentThreadID: currentThreadID})
	if err != nil {
		return apperrors.Wrap(err, "Memory.Save", "marshal snapshot")
	}
	m.mu.Lock()
	m.data = data
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves 已成功保存的次数。
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Bytes 最近一次保存的 JSON。
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
