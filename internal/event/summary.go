package event

import (
	"strings"
)

const summaryDeltaLimit = 60

// Summary 生成单行调试摘要, 如 "TEXT_MESSAGE_CONTENT messageId=m1 delta=Hello"。
// 只读取原始 record, 对未知 type 同样可用。
func Summary(raw Raw) string {
	typ := coerceString(raw["type"])
	var parts []string
	add := func(key string) {
		if v, ok := raw[key]; ok && v != nil {
			parts = append(parts, key+"="+coerceString(v))
		}
	}

	add("messageId")
	add("role")
	if v, ok := raw["delta"]; ok && v != nil {
		delta := coerceString(v)
		if s, isStr := v.(string); isStr && len([]rune(s)) > summaryDeltaLimit {
			delta = string([]rune(s)[:summaryDeltaLimit]) + "…"
		}
		parts = append(parts, "delta="+delta)
	}
	add("toolCallId")
	add("toolCallName")
	add("threadId")
	add("runId")
	add("stepName")
	if typ == string(KindRunError) {
		add("message")
	}

	if len(parts) == 0 {
		return typ
	}
	return typ + " " + strings.Join(parts, " ")
}
