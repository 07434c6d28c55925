package engine

import (
	"strings"

	"github.com/multi-agent/go-agui/internal/bus"
	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/event"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
	"github.com/multi-agent/go-agui/pkg/util"
)

// UserTurn AppendUserTurn 的结果 (深拷贝)。
type UserTurn struct {
	RunID   string                `json:"runId"`
	Run     *conversation.Run     `json:"run"`
	Message *conversation.Message `json:"message"`
}

// AppendUserTurn 追加一条已闭合的用户消息, 放在新的非运行 run 中。
//
// thread 还没有 run 且没有标题时, 用去除首尾空白后的前 N 个字符作为标题。
// 调用方随后用返回的 RunID 调用 Run / BeginRun 发起请求。
func (e *Engine) AppendUserTurn(threadID, content string) (UserTurn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store.Thread(threadID)
	if !ok {
		return UserTurn{}, apperrors.Wrapf(apperrors.ErrThreadNotFound, "Engine.AppendUserTurn", "thread %s", threadID)
	}
	if cur := t.CurrentRun(); cur != nil {
		return UserTurn{}, apperrors.Wrapf(apperrors.ErrRunInProgress, "Engine.AppendUserTurn", "thread %s is running %s", threadID, cur.RunID)
	}

	if t.Title == "" && len(t.Runs) == 0 {
		if trimmed := strings.TrimSpace(content); trimmed != "" {
			t.Title = util.TruncateRunes(trimmed, e.titleRunes)
		}
	}

	runID := e.ids.RunID()
	msgID := e.ids.MessageID()
	msg := conversation.NewMessage(msgID, event.RoleUser)
	msg.Segments = append(msg.Segments, conversation.TextSegment(content))
	msg.Events = append(msg.Events,
		event.Event{Kind: event.KindTextStart, MessageID: msgID, Role: event.RoleUser},
		event.Event{Kind: event.KindTextContent, MessageID: msgID, Delta: content},
		event.Event{Kind: event.KindTextEnd, MessageID: msgID},
	)
	run := conversation.NewRun(runID, false)
	run.Messages = append(run.Messages, msg)
	t.Runs = append(t.Runs, run)

	e.notifyLocked(bus.OpUserTurn, threadID)
	return UserTurn{RunID: runID, Run: run.Clone(), Message: msg.Clone()}, nil
}

// ForkAtMessage 删除包含 messageID 的首个 run 及其之后的所有 run。
// thread 或消息不存在时返回 false 且不做任何修改。
func (e *Engine) ForkAtMessage(threadID, messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store.Thread(threadID)
	if !ok {
		return false
	}
	idx := t.RunIndexOfMessage(messageID)
	if idx < 0 {
		return false
	}
	// 被截掉的 run 中可能有当前 run, 其路由表随之作废
	if t.CurrentRun() != nil {
		e.agg.ResetThread(threadID)
	}
	removed := len(t.Runs) - idx
	t.Truncate(idx)

	logger.Info("engine: fork",
		logger.FieldThreadID, threadID,
		logger.FieldMessageID, messageID,
		logger.FieldCount, removed,
	)
	e.notifyLocked(bus.OpFork, threadID)
	return true
}

// Hydrate 用持久化数据整体替换引擎状态。
//
// 消息规范化 (nil 列表 → 空, renderType 非 tool → text); 所有 run 的
// IsRunning / Error 清除, 避免恢复出过期的加载或错误状态; 路由表全部清空。
// 传入的实体由引擎接管, 调用方不得再修改。
func (e *Engine) Hydrate(threads []*conversation.Thread, currentThreadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]*conversation.Thread, 0, len(threads))
	for _, t := range threads {
		if t == nil || t.ID == "" {
			continue
		}
		next = append(next, normalizeThread(t))
	}
	e.store.Replace(next, currentThreadID)
	e.agg.Reset()

	logger.Info("engine: hydrated",
		logger.FieldCount, e.store.Len(),
		logger.FieldThreadID, currentThreadID,
	)
	e.notifyLocked(bus.OpHydrate, "")
}

func normalizeThread(t *conversation.Thread) *conversation.Thread {
	runs := make([]*conversation.Run, 0, len(t.Runs))
	for _, r := range t.Runs {
		if r == nil {
			continue
		}
		msgs := make([]*conversation.Message, 0, len(r.Messages))
		for _, m := range r.Messages {
			if m == nil {
				continue
			}
			msgs = append(msgs, conversation.NormalizeMessage(m))
		}
		r.Messages = msgs
		r.IsRunning = false
		r.Error = nil
		runs = append(runs, r)
	}
	t.Runs = runs
	return t
}

// CreateThread 创建新 thread 并设为当前, 返回其深拷贝。
func (e *Engine) CreateThread() *conversation.Thread {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.ids.ThreadID()
	t, _ := e.store.EnsureThread(id)
	e.store.SetCurrentThreadID(id)
	e.notifyLocked(bus.OpThreadCreate, id)
	return t.Clone()
}

// SetCurrentThread 设置当前 thread (不发起请求)。空 id 表示取消选择。
func (e *Engine) SetCurrentThread(threadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if threadID != "" {
		if _, ok := e.store.Thread(threadID); !ok {
			return apperrors.Wrapf(apperrors.ErrThreadNotFound, "Engine.SetCurrentThread", "thread %s", threadID)
		}
	}
	e.store.SetCurrentThreadID(threadID)
	e.notifyLocked(bus.OpThreadSelect, threadID)
	return nil
}

// UpdateThread 修改 thread 标题。
func (e *Engine) UpdateThread(threadID, title string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store.Thread(threadID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrThreadNotFound, "Engine.UpdateThread", "thread %s", threadID)
	}
	t.Title = title
	e.notifyLocked(bus.OpThreadUpdate, threadID)
	return nil
}

// DeleteThread 删除 thread; 若为当前 thread 则清空当前 id。返回是否存在。
func (e *Engine) DeleteThread(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.store.DeleteThread(threadID) {
		return false
	}
	e.agg.ResetThread(threadID)
	e.notifyLocked(bus.OpThreadDelete, threadID)
	return true
}
