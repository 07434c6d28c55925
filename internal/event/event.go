// Package event 将 AG-UI 协议原始事件解码为封闭集合内的类型化事件。
//
// Decode / DecodeJSON 是纯函数: 无状态, 不 panic, 字段缺失或类型不符时
// 退化为安全默认值 (空字符串 / 空列表), 未知 type 返回 ok=false。
package event

import "encoding/json"

// Kind 事件种类 (与 AG-UI 协议 type 字符串一致)。
type Kind string

// 事件种类常量。
const (
	KindTextStart        Kind = "TEXT_MESSAGE_START"
	KindTextContent      Kind = "TEXT_MESSAGE_CONTENT"
	KindTextEnd          Kind = "TEXT_MESSAGE_END"
	KindToolStart        Kind = "TOOL_CALL_START"
	KindToolArgs         Kind = "TOOL_CALL_ARGS"
	KindToolEnd          Kind = "TOOL_CALL_END"
	KindToolResult       Kind = "TOOL_CALL_RESULT"
	KindStateSnapshot    Kind = "STATE_SNAPSHOT"
	KindStateDelta       Kind = "STATE_DELTA"
	KindMessagesSnapshot Kind = "MESSAGES_SNAPSHOT"
	KindActivitySnapshot Kind = "ACTIVITY_SNAPSHOT"
	KindActivityDelta    Kind = "ACTIVITY_DELTA"
	KindRunStarted       Kind = "RUN_STARTED"
	KindRunFinished      Kind = "RUN_FINISHED"
	KindRunError         Kind = "RUN_ERROR"
	KindStepStarted      Kind = "STEP_STARTED"
	KindStepFinished     Kind = "STEP_FINISHED"
	KindRaw              Kind = "RAW"
	KindCustom           Kind = "CUSTOM"
)

// 角色默认值。
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleTool      = "tool"
)

var knownKinds = map[Kind]struct{}{
	KindTextStart: {}, KindTextContent: {}, KindTextEnd: {},
	KindToolStart: {}, KindToolArgs: {}, KindToolEnd: {}, KindToolResult: {},
	KindStateSnapshot: {}, KindStateDelta: {}, KindMessagesSnapshot: {},
	KindActivitySnapshot: {}, KindActivityDelta: {},
	KindRunStarted: {}, KindRunFinished: {}, KindRunError: {},
	KindStepStarted: {}, KindStepFinished: {},
	KindRaw: {}, KindCustom: {},
}

// Known 报告 k 是否属于封闭事件集合。
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// IsTerminal 报告 k 是否为 run 终止事件。
func (k Kind) IsTerminal() bool {
	return k == KindRunFinished || k == KindRunError
}

// Raw 原始线路事件 (开放 tagged record)。
type Raw = map[string]any

// Event 解码后的类型化事件。
//
// 扁平结构: 只有与 Kind 对应的字段有意义。不透明负载 (snapshot / patch /
// value 等) 以 json.RawMessage 保存, 引擎不解释其内容。
type Event struct {
	Kind Kind

	// 文本 / 工具
	MessageID       string
	Role            string
	Delta           string
	ToolCallID      string
	ToolCallName    string
	ParentMessageID string // 空串表示未指定
	Content         string // TOOL_CALL_RESULT

	// run 生命周期
	ThreadID    string
	RunID       string
	ParentRunID string
	Message     string // RUN_ERROR
	Code        string // RUN_ERROR, 空串表示未提供

	StepName     string
	Name         string // CUSTOM
	Source       string // RAW
	ActivityType string
	Replace      *bool

	Snapshot        json.RawMessage // STATE_SNAPSHOT
	Operations      json.RawMessage // STATE_DELTA delta / ACTIVITY_DELTA patch, 总是 JSON 数组
	Messages        json.RawMessage // MESSAGES_SNAPSHOT, 总是 JSON 数组
	ActivityContent json.RawMessage // ACTIVITY_SNAPSHOT, 总是 JSON 对象
	Input           json.RawMessage // RUN_STARTED
	Result          json.RawMessage // RUN_FINISHED
	RawEvent        json.RawMessage // RAW
	Value           json.RawMessage // CUSTOM
}
