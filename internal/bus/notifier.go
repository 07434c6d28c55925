// notifier.go: 变更通知: engine 每次变更后同步投递只读快照。
//
// 与 MessageBus 的区别:
//   - Notifier: 同步回调, 在 engine 状态锁内按变更顺序投递, 不丢弃
//   - MessageBus: 异步 channel fan-out, 通道满时丢弃 (SSE / websocket 推送)
package bus

import (
	"sync"

	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/pkg/logger"
)

// 变更操作 (Snapshot.Op)。
const (
	OpRunBegin     = "run.begin"
	OpEvent        = "run.event"
	OpRunEnd       = "run.end"
	OpUserTurn     = "thread.user_turn"
	OpFork         = "thread.fork"
	OpHydrate      = "hydrate"
	OpThreadCreate = "thread.create"
	OpThreadSelect = "thread.select"
	OpThreadUpdate = "thread.update"
	OpThreadDelete = "thread.delete"
)

// Snapshot 一次变更后的只读视图。
//
// Threads 是新的顶层 map, 实体指针与 engine 共享: 订阅者只能在回调内读取,
// 需要跨回调保留时应调用 Clone。
type Snapshot struct {
	Seq             int64
	Op              string
	ThreadID        string // 本次变更涉及的 thread, hydrate 时为空
	CurrentThreadID string
	Threads         map[string]*conversation.Thread
}

// Thread 返回本次变更涉及的 thread (可能已删除)。
func (s Snapshot) Thread() *conversation.Thread {
	if s.ThreadID == "" {
		return nil
	}
	return s.Threads[s.ThreadID]
}

// Listener 订阅回调。不得在回调内调用 engine 方法。
type Listener func(Snapshot)

type listenerEntry struct {
	id int64
	fn Listener
}

// Notifier 同步观察者注册表。
type Notifier struct {
	mu        sync.Mutex
	listeners []listenerEntry
	nextID    int64
	seq       int64
}

// NewNotifier 创建 Notifier。
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe 注册回调, 返回取消函数 (可重复调用)。
func (n *Notifier) Subscribe(fn Listener) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, listenerEntry{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, l := range n.listeners {
		if l.id == id {
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			return
		}
	}
}

// Notify 分配 seq 并按订阅顺序同步调用全部回调, 返回分配的 seq。
// 单个回调 panic 被记录后跳过, 不影响其他订阅者。
func (n *Notifier) Notify(s Snapshot) int64 {
	n.mu.Lock()
	n.seq++
	s.Seq = n.seq
	listeners := make([]listenerEntry, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, l := range listeners {
		deliver(l, s)
	}
	return s.Seq
}

func deliver(l listenerEntry, s Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notifier: listener panicked",
				logger.FieldSubscriber, l.id,
				logger.FieldSeq, s.Seq,
				logger.FieldError, r,
			)
		}
	}()
	l.fn(s)
}

// ListenerCount 返回当前订阅者数量。
func (n *Notifier) ListenerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// Seq 返回最近一次分配的序列号。
func (n *Notifier) Seq() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}
