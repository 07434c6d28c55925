// codec.go: 审计轨迹中 Event 的持久化形态: {"kind": "...", 字段...}。
package event

import (
	"encoding/json"
)

// MarshalJSON 输出与协议字段名一致的对象, 以 kind 代替 type。
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record("kind"))
}

// UnmarshalJSON 从持久化对象恢复 Event。字段类型不符时退化为默认值而不是报错,
// 未知 kind 原样保留 (其余字段丢弃), 保证旧快照总能加载。
func (e *Event) UnmarshalJSON(data []byte) error {
	var r Raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	kind := Kind(coerceString(r["kind"]))
	if !kind.Known() {
		*e = Event{Kind: kind}
		return nil
	}
	*e = build(kind, r)
	return nil
}

// Record 将 Event 还原为 record; tagKey 为 "type" 时即协议线路形态。
func (e Event) Record(tagKey string) Raw {
	r := Raw{tagKey: string(e.Kind)}
	switch e.Kind {
	case KindTextStart:
		r["messageId"] = e.MessageID
		r["role"] = e.Role
	case KindTextContent:
		r["messageId"] = e.MessageID
		r["delta"] = e.Delta
	case KindTextEnd:
		r["messageId"] = e.MessageID
	case KindToolStart:
		r["toolCallId"] = e.ToolCallID
		r["toolCallName"] = e.ToolCallName
		if e.ParentMessageID != "" {
			r["parentMessageId"] = e.ParentMessageID
		}
	case KindToolArgs:
		r["toolCallId"] = e.ToolCallID
		r["delta"] = e.Delta
	case KindToolEnd:
		r["toolCallId"] = e.ToolCallID
	case KindToolResult:
		r["messageId"] = e.MessageID
		r["toolCallId"] = e.ToolCallID
		r["content"] = e.Content
		r["role"] = e.Role
	case KindStateSnapshot:
		putRaw(r, "snapshot", e.Snapshot)
	case KindStateDelta:
		putRaw(r, "delta", orDefault(e.Operations, emptyArray))
	case KindMessagesSnapshot:
		putRaw(r, "messages", orDefault(e.Messages, emptyArray))
	case KindActivitySnapshot:
		r["messageId"] = e.MessageID
		r["activityType"] = e.ActivityType
		putRaw(r, "content", orDefault(e.ActivityContent, emptyObject))
		if e.Replace != nil {
			r["replace"] = *e.Replace
		}
	case KindActivityDelta:
		r["messageId"] = e.MessageID
		r["activityType"] = e.ActivityType
		putRaw(r, "patch", orDefault(e.Operations, emptyArray))
	case KindRunStarted:
		r["threadId"] = e.ThreadID
		r["runId"] = e.RunID
		if e.ParentRunID != "" {
			r["parentRunId"] = e.ParentRunID
		}
		putRaw(r, "input", e.Input)
	case KindRunFinished:
		r["threadId"] = e.ThreadID
		r["runId"] = e.RunID
		putRaw(r, "result", e.Result)
	case KindRunError:
		r["message"] = e.Message
		if e.Code != "" {
			r["code"] = e.Code
		}
	case KindStepStarted, KindStepFinished:
		r["stepName"] = e.StepName
	case KindRaw:
		putRaw(r, "event", e.RawEvent)
		if e.Source != "" {
			r["source"] = e.Source
		}
	case KindCustom:
		r["name"] = e.Name
		putRaw(r, "value", e.Value)
	}
	return r
}

func putRaw(r Raw, key string, v json.RawMessage) {
	if len(v) > 0 {
		r[key] = v
	}
}

func orDefault(v, def json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return def
	}
	return v
}
