// Package engine 是会话聚合引擎的唯一外部入口。
//
// Engine 持有 conversation.Store 与 aggregator.Aggregator, 用一把 RWMutex 串行化
// 所有变更; 每次变更后在写锁内同步通知订阅者 (保证通知顺序与变更顺序一致)。
//
// 读操作 (Export / Thread / Summaries) 返回深拷贝, 可在锁外长期持有。
package engine

import (
	"strings"
	"sync"

	"github.com/multi-agent/go-agui/internal/aggregator"
	"github.com/multi-agent/go-agui/internal/bus"
	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/ids"
)

// DefaultTitleRunes 首条用户消息截取为标题的字符数。
const DefaultTitleRunes = 20

// Options Engine 构造参数, 零值可用。
type Options struct {
	IDs        ids.Generator // nil → ids.New()
	Notifier   *bus.Notifier // nil → 新建
	TitleRunes int           // <=0 → DefaultTitleRunes
	Debug      bool          // 逐条记录原始事件摘要 (debug 级别)
	Observer   Observer      // nil → 不统计
}

// run 结束状态 (Observer.RunFinished)。
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Observer 接收事件与 run 的统计回调 (metrics 实现), 在引擎锁外调用。
type Observer interface {
	EventApplied(kind string)
	EventDropped(kind string)
	RunStarted()
	RunFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) EventApplied(string) {}
func (nopObserver) EventDropped(string) {}
func (nopObserver) RunStarted()         {}
func (nopObserver) RunFinished(string)  {}

// Engine 会话聚合引擎。
type Engine struct {
	mu sync.RWMutex // 保护 store / agg; 通知在写锁内投递

	store      *conversation.Store
	agg        *aggregator.Aggregator
	notifier   *bus.Notifier
	ids        ids.Generator
	titleRunes int
	debug      bool
	obs        Observer
}

// New 创建 Engine。
func New(opts Options) *Engine {
	e := &Engine{
		store:      conversation.NewStore(),
		agg:        aggregator.New(),
		notifier:   opts.Notifier,
		ids:        opts.IDs,
		titleRunes: opts.TitleRunes,
		debug:      opts.Debug,
		obs:        opts.Observer,
	}
	if e.obs == nil {
		e.obs = nopObserver{}
	}
	if e.notifier == nil {
		e.notifier = bus.NewNotifier()
	}
	if e.ids == nil {
		e.ids = ids.New()
	}
	if e.titleRunes <= 0 {
		e.titleRunes = DefaultTitleRunes
	}
	return e
}

// Subscribe 注册变更回调, 返回取消函数。
//
// 回调在引擎写锁内同步执行: 可以读取快照中的实体, 但必须尽快返回,
// 且不得调用 Engine 的任何方法 (会死锁)。
func (e *Engine) Subscribe(fn bus.Listener) func() {
	return e.notifier.Subscribe(fn)
}

// Notifier 返回底层通知器。
func (e *Engine) Notifier() *bus.Notifier { return e.notifier }

// notifyLocked 调用方必须持有写锁。
func (e *Engine) notifyLocked(op, threadID string) {
	e.notifier.Notify(bus.Snapshot{
		Op:              op,
		ThreadID:        threadID,
		CurrentThreadID: e.store.CurrentThreadID(),
		Threads:         e.store.Threads(),
	})
}

// ========================================
// 只读视图
// ========================================

// Export 返回全部 thread 的深拷贝 (插入顺序) 与当前 thread id, 用于持久化。
func (e *Engine) Export() ([]*conversation.Thread, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return conversation.CloneAll(e.store.List()), e.store.CurrentThreadID()
}

// Thread 返回 thread 的深拷贝。
func (e *Engine) Thread(threadID string) (*conversation.Thread, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.store.Thread(threadID)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// CurrentThreadID 当前 thread id, 空串表示无。
func (e *Engine) CurrentThreadID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.CurrentThreadID()
}

// CurrentRun 返回 thread 当前 run 的深拷贝; 无 thread 或无运行中的 run 返回 false。
func (e *Engine) CurrentRun(threadID string) (*conversation.Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.store.Thread(threadID)
	if !ok {
		return nil, false
	}
	run := t.CurrentRun()
	if run == nil {
		return nil, false
	}
	return run.Clone(), true
}

// ThreadSummary thread 列表项。
type ThreadSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	RunCount  int    `json:"runCount"`
	IsRunning bool   `json:"isRunning"`
	UpdatedAt int64  `json:"updatedAt,omitempty"` // 最后一个 run 的时间戳 (Unix 毫秒)
}

// Summaries 按插入顺序返回 thread 摘要。
func (e *Engine) Summaries() []ThreadSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.store.List()
	out := make([]ThreadSummary, 0, len(list))
	for _, t := range list {
		s := ThreadSummary{ID: t.ID, Title: t.Title, RunCount: len(t.Runs)}
		if last := t.LastRun(); last != nil {
			s.IsRunning = last.IsRunning
			s.UpdatedAt = last.Timestamp
		}
		out = append(out, s)
	}
	return out
}

// RunningCount 正在运行的 run 数量。
func (e *Engine) RunningCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, t := range e.store.List() {
		if t.CurrentRun() != nil {
			n++
		}
	}
	return n
}

// RoutingStats 瞬态路由表大小 (打开的消息 / 未完成的工具调用)。
func (e *Engine) RoutingStats() aggregator.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agg.Stats()
}

// resolveThreadIDLocked 空 id 回退到当前 thread。
func (e *Engine) resolveThreadIDLocked(threadID string) string {
	if id := strings.TrimSpace(threadID); id != "" {
		return id
	}
	return e.store.CurrentThreadID()
}
