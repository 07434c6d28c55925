// Package aggregator 将解码后的事件逐条应用到 thread 的当前 run。
//
// 两张瞬态路由表 (按 thread 分区):
//   - openMessages:  messageId → *Message, 正在流式接收文本的消息
//   - openToolCalls: toolCallId → parent messageId, 已开始但尚未收到结果的工具调用
//
// 路由表只缓存当前 run 的实体; run 终止、被 fork 掉、thread 删除或 hydrate 时清空。
// 任何查找失败都静默丢弃该事件, 不中断事件处理。
//
// 非并发安全: 由 engine 在持有状态锁时调用。
package aggregator

import (
	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/event"
)

// Aggregator 事件状态机。
type Aggregator struct {
	openMessages  map[string]map[string]*conversation.Message
	openToolCalls map[string]map[string]string
}

// New 创建 Aggregator。
func New() *Aggregator {
	return &Aggregator{
		openMessages:  make(map[string]map[string]*conversation.Message),
		openToolCalls: make(map[string]map[string]string),
	}
}

// Apply 将 ev 应用到 t 的当前 run。返回 false 表示事件因无法解析而被丢弃
// (无当前 run / 未打开的 messageId / 未知 toolCallId)。
func (a *Aggregator) Apply(t *conversation.Thread, ev event.Event) bool {
	run := t.CurrentRun()
	if run == nil {
		return false
	}

	switch ev.Kind {
	case event.KindRunStarted:
		return true
	case event.KindRunFinished:
		run.IsRunning = false
		a.ResetThread(t.ID)
		return true
	case event.KindRunError:
		run.IsRunning = false
		run.Error = &conversation.RunError{Message: ev.Message, Code: ev.Code}
		a.ResetThread(t.ID)
		return true

	case event.KindTextStart:
		a.textStart(t.ID, run, ev)
		return true
	case event.KindTextContent:
		return a.textContent(t.ID, ev)
	case event.KindTextEnd:
		delete(a.openMessages[t.ID], ev.MessageID)
		return true

	case event.KindToolStart:
		return a.toolStart(t.ID, run, ev)
	case event.KindToolArgs:
		return a.toolArgs(t.ID, run, ev)
	case event.KindToolEnd:
		return a.toolEnd(t.ID, run, ev)
	case event.KindToolResult:
		return a.toolResult(t.ID, run, ev)

	case event.KindStateSnapshot:
		run.State = ev.Snapshot
		return true
	case event.KindActivitySnapshot, event.KindActivityDelta:
		msg := a.resolveMessage(t.ID, run, ev.MessageID)
		if msg == nil {
			return false
		}
		msg.Events = append(msg.Events, ev)
		return true
	}

	// STATE_DELTA / MESSAGES_SNAPSHOT / STEP_* / RAW / CUSTOM: 不驱动片段构建。
	return true
}

// ResetThread 清空 thread 的两张路由表。
func (a *Aggregator) ResetThread(threadID string) {
	delete(a.openMessages, threadID)
	delete(a.openToolCalls, threadID)
}

// Reset 清空全部路由表 (hydrate)。
func (a *Aggregator) Reset() {
	a.openMessages = make(map[string]map[string]*conversation.Message)
	a.openToolCalls = make(map[string]map[string]string)
}

func (a *Aggregator) textStart(threadID string, run *conversation.Run, ev event.Event) {
	msg := run.FindMessage(ev.MessageID)
	if msg != nil {
		// 重复 START (例如工具调用先行创建了占位消息): 只追加事件与更新角色
		msg.Role = ev.Role
		msg.Events = append(msg.Events, ev)
	} else {
		msg = conversation.NewMessage(ev.MessageID, ev.Role)
		msg.Events = append(msg.Events, ev)
		run.Messages = append(run.Messages, msg)
	}
	a.open(threadID)[ev.MessageID] = msg
}

func (a *Aggregator) textContent(threadID string, ev event.Event) bool {
	msg := a.openMessages[threadID][ev.MessageID]
	if msg == nil {
		return false
	}
	msg.Events = append(msg.Events, ev)
	if n := len(msg.Segments); n > 0 && msg.Segments[n-1].Type == conversation.SegmentText {
		msg.Segments[n-1].Content += ev.Delta
	} else {
		msg.Segments = append(msg.Segments, conversation.TextSegment(ev.Delta))
	}
	return true
}

func (a *Aggregator) toolStart(threadID string, run *conversation.Run, ev event.Event) bool {
	parentID := ev.ParentMessageID
	if parentID == "" {
		last := run.LastMessage()
		if last == nil {
			return false
		}
		parentID = last.ID
	}

	parent := a.resolveMessage(threadID, run, parentID)
	if parent == nil {
		parent = conversation.NewMessage(parentID, event.RoleAssistant)
		run.Messages = append(run.Messages, parent)
		a.open(threadID)[parentID] = parent
	}

	parent.Events = append(parent.Events, ev)
	if parent.ToolSegment(ev.ToolCallID) == nil {
		parent.Segments = append(parent.Segments, conversation.ToolSegment(ev.ToolCallID, ev.ToolCallName))
	}
	a.toolCalls(threadID)[ev.ToolCallID] = parentID
	return true
}

func (a *Aggregator) toolArgs(threadID string, run *conversation.Run, ev event.Event) bool {
	parent := a.resolveToolParent(threadID, run, ev.ToolCallID)
	if parent == nil {
		return false
	}
	parent.Events = append(parent.Events, ev)
	if seg := parent.ToolSegment(ev.ToolCallID); seg != nil {
		args := ev.Delta
		if seg.Args != nil {
			args = *seg.Args + ev.Delta
		}
		seg.Args = &args
	}
	return true
}

func (a *Aggregator) toolEnd(threadID string, run *conversation.Run, ev event.Event) bool {
	parent := a.resolveToolParent(threadID, run, ev.ToolCallID)
	if parent == nil {
		return false
	}
	// 保留映射: 结果通常在 END 之后才到达
	parent.Events = append(parent.Events, ev)
	return true
}

func (a *Aggregator) toolResult(threadID string, run *conversation.Run, ev event.Event) bool {
	if _, ok := a.openToolCalls[threadID][ev.ToolCallID]; !ok {
		return false
	}
	parent := a.resolveToolParent(threadID, run, ev.ToolCallID)
	delete(a.openToolCalls[threadID], ev.ToolCallID)
	if parent == nil {
		return false
	}
	parent.Events = append(parent.Events, ev)
	if seg := parent.ToolSegment(ev.ToolCallID); seg != nil {
		result := ev.Content
		seg.Result = &result
	}
	return true
}

// resolveMessage 先查 open 表, 再扫描当前 run 的消息列表。
func (a *Aggregator) resolveMessage(threadID string, run *conversation.Run, messageID string) *conversation.Message {
	if msg := a.openMessages[threadID][messageID]; msg != nil {
		return msg
	}
	return run.FindMessage(messageID)
}

func (a *Aggregator) resolveToolParent(threadID string, run *conversation.Run, toolCallID string) *conversation.Message {
	parentID, ok := a.openToolCalls[threadID][toolCallID]
	if !ok {
		return nil
	}
	return a.resolveMessage(threadID, run, parentID)
}

func (a *Aggregator) open(threadID string) map[string]*conversation.Message {
	m := a.openMessages[threadID]
	if m == nil {
		m = make(map[string]*conversation.Message)
		a.openMessages[threadID] = m
	}
	return m
}

func (a *Aggregator) toolCalls(threadID string) map[string]string {
	m := a.openToolCalls[threadID]
	if m == nil {
		m = make(map[string]string)
		a.openToolCalls[threadID] = m
	}
	return m
}

// Stats 全部 thread 路由表的大小。
type Stats struct {
	OpenMessages     int `json:"openMessages"`
	PendingToolCalls int `json:"pendingToolCalls"`
}

// Stats 汇总所有 thread 的打开消息数与未收到结果的工具调用数。
func (a *Aggregator) Stats() Stats {
	var s Stats
	for _, m := range a.openMessages {
		s.OpenMessages += len(m)
	}
	for _, m := range a.openToolCalls {
		s.PendingToolCalls += len(m)
	}
	return s
}

func (a *Aggregator) openMessageCount(threadID string) int { return len(a.openMessages[threadID]) }

func (a *Aggregator) pendingToolCallCount(threadID string) int {
	return len(a.openToolCalls[threadID])
}
