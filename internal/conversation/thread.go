package conversation

import (
	"encoding/json"
	"strings"

	"github.com/multi-agent/go-agui/internal/event"
)

// FindRun 按 runID 查找 run。
func (t *Thread) FindRun(runID string) *Run {
	for _, r := range t.Runs {
		if r.RunID == runID {
			return r
		}
	}
	return nil
}

// LastRun 返回最后一个 run, 没有则 nil。
func (t *Thread) LastRun() *Run {
	if len(t.Runs) == 0 {
		return nil
	}
	return t.Runs[len(t.Runs)-1]
}

// CurrentRun 当前 run: 最后一个 run 且仍在运行, 否则 nil。
func (t *Thread) CurrentRun() *Run {
	if last := t.LastRun(); last != nil && last.IsRunning {
		return last
	}
	return nil
}

// RunIndexOfMessage 返回首个包含 messageID 的 run 下标, 没有则 -1。
func (t *Thread) RunIndexOfMessage(messageID string) int {
	for i, r := range t.Runs {
		if r.FindMessage(messageID) != nil {
			return i
		}
	}
	return -1
}

// Truncate 只保留前 n 个 run。
func (t *Thread) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n >= len(t.Runs) {
		return
	}
	for i := n; i < len(t.Runs); i++ {
		t.Runs[i] = nil
	}
	t.Runs = t.Runs[:n]
}

// Messages 按 run 顺序展开全部消息。
func (t *Thread) Messages() []*Message {
	var n int
	for _, r := range t.Runs {
		n += len(r.Messages)
	}
	out := make([]*Message, 0, n)
	for _, r := range t.Runs {
		out = append(out, r.Messages...)
	}
	return out
}

// PreviousRunState 倒数第二个 run 的 State (续跑时作为输入状态), 不足两个 run 返回 nil。
func (t *Thread) PreviousRunState() json.RawMessage {
	if len(t.Runs) < 2 {
		return nil
	}
	return t.Runs[len(t.Runs)-2].State
}

// FindMessage 在 run 内按 id 查找消息。
func (r *Run) FindMessage(id string) *Message {
	for _, m := range r.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// LastMessage 返回 run 的最后一条消息, 没有则 nil。
func (r *Run) LastMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[len(r.Messages)-1]
}

// ToolSegment 返回 toolCallID 对应的工具片段指针, 没有则 nil。
// 指针指向 Segments 底层数组, 在下一次 append 前有效。
func (m *Message) ToolSegment(toolCallID string) *Segment {
	for i := range m.Segments {
		s := &m.Segments[i]
		if s.Type == SegmentTool && s.ToolCallID == toolCallID {
			return s
		}
	}
	return nil
}

// MessageText 聚合文本片段; 片段为空时回退到审计轨迹中的 TEXT_MESSAGE_CONTENT delta。
func MessageText(m *Message) string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, s := range m.Segments {
		if s.Type == SegmentText {
			sb.WriteString(s.Content)
		}
	}
	if sb.Len() > 0 {
		return sb.String()
	}
	for _, ev := range m.Events {
		if ev.Kind == event.KindTextContent {
			sb.WriteString(ev.Delta)
		}
	}
	return sb.String()
}

// NormalizeMessage 补全持久化消息缺失的字段: segments/events 为 nil → 空列表,
// renderType 非 tool 一律视为 text。原地修改并返回 m。
func NormalizeMessage(m *Message) *Message {
	if m.Segments == nil {
		m.Segments = []Segment{}
	}
	if m.Events == nil {
		m.Events = []event.Event{}
	}
	if m.RenderType != RenderTool {
		m.RenderType = RenderText
	}
	return m
}

// AgentMessage RunAgentInput.messages 的元素。
type AgentMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToAgentMessages 将内部消息转为代理输入消息。
// 角色缺省为 user; tool 角色取首个 TOOL_CALL_RESULT 的 content。
func ToAgentMessages(msgs []*Message) []AgentMessage {
	out := make([]AgentMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == "" {
			role = event.RoleUser
		}
		am := AgentMessage{ID: m.ID, Role: role}
		if role == event.RoleTool {
			for _, ev := range m.Events {
				if ev.Kind == event.KindToolResult {
					am.Content = ev.Content
					break
				}
			}
		} else {
			am.Content = MessageText(m)
		}
		out = append(out, am)
	}
	return out
}
