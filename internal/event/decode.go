package event

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Decode 将原始线路事件 (type 字段为协议标签) 解码为 Event。
// 未知或缺失的 type 返回 ok=false。
func Decode(raw Raw) (Event, bool) {
	if raw == nil {
		return Event{}, false
	}
	kind := Kind(coerceString(raw["type"]))
	if !kind.Known() {
		return Event{}, false
	}
	return build(kind, raw), true
}

// DecodeJSON 解码一个 JSON 对象并交给 Decode。无法解析的字节视为不可识别。
func DecodeJSON(data []byte) (Event, bool) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false
	}
	return Decode(raw)
}

// build 按 kind 从 record 中提取字段。Decode 与持久化反序列化共用。
func build(kind Kind, r Raw) Event {
	ev := Event{Kind: kind}
	switch kind {
	case KindTextStart:
		ev.MessageID = coerceString(r["messageId"])
		ev.Role = coerceString(r["role"])
		if ev.Role == "" {
			ev.Role = RoleAssistant
		}
	case KindTextContent:
		ev.MessageID = coerceString(r["messageId"])
		ev.Delta = coerceString(r["delta"])
	case KindTextEnd:
		ev.MessageID = coerceString(r["messageId"])
	case KindToolStart:
		ev.ToolCallID = coerceString(r["toolCallId"])
		ev.ToolCallName = coerceString(r["toolCallName"])
		ev.ParentMessageID = coerceString(r["parentMessageId"])
	case KindToolArgs:
		ev.ToolCallID = coerceString(r["toolCallId"])
		ev.Delta = coerceString(r["delta"])
	case KindToolEnd:
		ev.ToolCallID = coerceString(r["toolCallId"])
	case KindToolResult:
		ev.MessageID = coerceString(r["messageId"])
		ev.ToolCallID = coerceString(r["toolCallId"])
		ev.Content = coerceString(r["content"])
		ev.Role = coerceString(r["role"])
		if ev.Role == "" {
			ev.Role = RoleTool
		}
	case KindStateSnapshot:
		ev.Snapshot = rawJSON(r["snapshot"])
	case KindStateDelta:
		ev.Operations = arrayJSON(r["delta"])
	case KindMessagesSnapshot:
		ev.Messages = arrayJSON(r["messages"])
	case KindActivitySnapshot:
		ev.MessageID = coerceString(r["messageId"])
		ev.ActivityType = coerceString(r["activityType"])
		ev.ActivityContent = objectJSON(r["content"])
		if b, ok := r["replace"].(bool); ok {
			ev.Replace = &b
		}
	case KindActivityDelta:
		ev.MessageID = coerceString(r["messageId"])
		ev.ActivityType = coerceString(r["activityType"])
		ev.Operations = arrayJSON(r["patch"])
	case KindRunStarted:
		ev.ThreadID = coerceString(r["threadId"])
		ev.RunID = coerceString(r["runId"])
		ev.ParentRunID = coerceString(r["parentRunId"])
		ev.Input = rawJSON(r["input"])
	case KindRunFinished:
		ev.ThreadID = coerceString(r["threadId"])
		ev.RunID = coerceString(r["runId"])
		ev.Result = rawJSON(r["result"])
	case KindRunError:
		ev.Message = coerceString(r["message"])
		ev.Code = coerceString(r["code"])
	case KindStepStarted, KindStepFinished:
		ev.StepName = coerceString(r["stepName"])
	case KindRaw:
		ev.RawEvent = rawJSON(r["event"])
		ev.Source = coerceString(r["source"])
	case KindCustom:
		ev.Name = coerceString(r["name"])
		ev.Value = rawJSON(r["value"])
	}
	return ev
}

// coerceString 将任意 JSON 值转为字符串; nil → ""。
func coerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

// rawJSON 序列化不透明负载; nil 或不可序列化 → nil。
func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if b, ok := v.(json.RawMessage); ok {
		if len(b) == 0 {
			return nil
		}
		return b
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

var (
	emptyArray  = json.RawMessage(`[]`)
	emptyObject = json.RawMessage(`{}`)
)

// arrayJSON 要求 JSON 数组, 否则返回 []。
func arrayJSON(v any) json.RawMessage {
	if b := rawJSON(v); leading(b) == '[' {
		return b
	}
	return emptyArray
}

// objectJSON 要求 JSON 对象, 否则返回 {}。
func objectJSON(v any) json.RawMessage {
	if b := rawJSON(v); leading(b) == '{' {
		return b
	}
	return emptyObject
}

// leading 返回首个非空白字节。
func leading(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}
