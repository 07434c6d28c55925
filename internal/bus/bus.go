// Package bus 提供变更通知与推送总线。
//
// 两层:
//   - Notifier: engine 变更后同步投递快照 (autosaver / 推送桥接)
//   - MessageBus: topic pub/sub fan-out, 供 SSE / websocket 推送异步消费
//
// 桥接: httpapi 订阅 Notifier, 将每次变更序列化为 Message 发布到 MessageBus。
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// ========================================
// 消息类型
// ========================================

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"`              // thread.{id} / threads
	Type      string          `json:"type"`               // 变更操作 (Op*)
	ThreadID  string          `json:"threadId,omitempty"` // 涉及的 thread
	Payload   json.RawMessage `json:"payload,omitempty"`  // 具体数据
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 总线序列号
}

// Topic 模式常量。
const (
	// TopicThreadPrefix 单个 thread 的变更: thread.{id}。
	TopicThreadPrefix = "thread."
	// TopicThreads thread 列表 / 当前 thread 变化。
	TopicThreads = "threads"
	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// ThreadTopic 返回 thread 的 topic。
func ThreadTopic(threadID string) string { return TopicThreadPrefix + threadID }

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("thread.t1" / "thread" / "*")
	Ch     chan Message // 消息通道
}

// ========================================
// MessageBus: topic pub/sub
// ========================================

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "thread.t1" → 只收到 t1 的变更
//   - 订阅 "thread" → 收到所有 thread 的变更
//   - 订阅 "*" → 收到所有消息
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	bufSize     int
	onPublish   func(Message) // 可选: 每条消息的全局回调
}

// NewMessageBus 创建消息总线, bufSize 为每个订阅者的通道容量 (<=0 取 64)。
func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
		bufSize:     bufSize,
	}
}

// SetOnPublish 设置全局发布回调。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者, 返回分配的 seq。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) int64 {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	onPub := b.onPublish

	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				// 通道满, 丢弃 (慢消费者会在下一条消息拿到完整 thread)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行
	if onPub != nil {
		onPub(msg)
	}
	return msg.Seq
}

// Subscribe 订阅消息。同 id 重复订阅会关闭旧通道。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old.Ch)
	}
	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, b.bufSize),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅并关闭通道。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 或空串匹配所有 topic
//   - filter "thread" 匹配 "thread", "thread.t1"
//   - filter "thread.t1" 匹配 "thread.t1", 不匹配 "thread.t10"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll || filter == "" {
		return true
	}
	if topic == filter {
		return true
	}
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
