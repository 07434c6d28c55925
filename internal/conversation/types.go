// Package conversation 持有会话实体图: thread id → Thread → Runs → Messages → Segments。
//
// 只提供读访问与结构性原语, 不解释事件语义 (由 aggregator 负责)。
// JSON 形态即持久化形态 (segment / renderType / events 等字段名与前端存储一致)。
package conversation

import (
	"encoding/json"
	"time"

	"github.com/multi-agent/go-agui/internal/event"
)

// RenderType 消息渲染类型。
type RenderType string

const (
	RenderText RenderType = "text"
	RenderTool RenderType = "tool"
)

// SegmentType 片段类型。
type SegmentType string

const (
	SegmentText SegmentType = "text"
	SegmentTool SegmentType = "tool"
)

// Segment 消息片段: 文本或一次工具调用。
//
// 文本片段只用 Content; 工具片段用 ToolCallID/ToolCallName/Args/Result,
// Args 随 TOOL_CALL_ARGS 增长, Result 只设置一次。nil 表示尚未到达。
type Segment struct {
	Type         SegmentType
	Content      string
	ToolCallID   string
	ToolCallName string
	Args         *string
	Result       *string
}

type textSegmentJSON struct {
	Type    SegmentType `json:"type"`
	Content string      `json:"content"`
}

type toolSegmentJSON struct {
	Type         SegmentType `json:"type"`
	ToolCallID   string      `json:"toolCallId"`
	ToolCallName string      `json:"toolCallName"`
	Args         *string     `json:"args,omitempty"`
	Result       *string     `json:"result,omitempty"`
}

// MarshalJSON 按 type 输出 {"type":"text","content"} 或 {"type":"tool",...}。
func (s Segment) MarshalJSON() ([]byte, error) {
	if s.Type == SegmentTool {
		return json.Marshal(toolSegmentJSON{
			Type: s.Type, ToolCallID: s.ToolCallID, ToolCallName: s.ToolCallName,
			Args: s.Args, Result: s.Result,
		})
	}
	return json.Marshal(textSegmentJSON{Type: SegmentText, Content: s.Content})
}

// UnmarshalJSON 接受两种形态; 未知 type 视为文本。
func (s *Segment) UnmarshalJSON(data []byte) error {
	var wire toolSegmentJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type == SegmentTool {
		*s = Segment{
			Type: SegmentTool, ToolCallID: wire.ToolCallID, ToolCallName: wire.ToolCallName,
			Args: wire.Args, Result: wire.Result,
		}
		return nil
	}
	var text textSegmentJSON
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	*s = Segment{Type: SegmentText, Content: text.Content}
	return nil
}

// TextSegment 构造文本片段。
func TextSegment(content string) Segment {
	return Segment{Type: SegmentText, Content: content}
}

// ToolSegment 构造尚无参数与结果的工具片段。
func ToolSegment(toolCallID, toolCallName string) Segment {
	return Segment{Type: SegmentTool, ToolCallID: toolCallID, ToolCallName: toolCallName}
}

// Message 一条逻辑消息, 由有序片段组成, Events 为解码事件的审计轨迹。
type Message struct {
	ID         string        `json:"id"`
	Role       string        `json:"role,omitempty"`
	RenderType RenderType    `json:"renderType"`
	Segments   []Segment     `json:"segment"`
	Events     []event.Event `json:"events"`
	Timestamp  int64         `json:"timestamp,omitempty"` // Unix 毫秒
}

// RunError run 的错误信息。Code 为空表示上游未提供。
type RunError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Run 一次请求/响应周期。
type Run struct {
	RunID     string          `json:"runId"`
	Messages  []*Message      `json:"messages"`
	State     json.RawMessage `json:"state,omitempty"`
	IsRunning bool            `json:"isRunning,omitempty"`
	Error     *RunError       `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Thread 会话线。Title 为空表示未设置。
type Thread struct {
	ID    string `json:"id"`
	Runs  []*Run `json:"runs"`
	Title string `json:"title,omitempty"`
}

// NowMillis 当前 Unix 毫秒时间戳。
func NowMillis() int64 { return time.Now().UnixMilli() }

// NewRun 创建空 run。
func NewRun(runID string, running bool) *Run {
	return &Run{
		RunID:     runID,
		Messages:  []*Message{},
		IsRunning: running,
		Timestamp: NowMillis(),
	}
}

// NewMessage 创建空的文本渲染消息。
func NewMessage(id, role string) *Message {
	return &Message{
		ID:         id,
		Role:       role,
		RenderType: RenderText,
		Segments:   []Segment{},
		Events:     []event.Event{},
		Timestamp:  NowMillis(),
	}
}
