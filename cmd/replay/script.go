package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/multi-agent/go-agui/internal/event"
)

const (
	formatAuto   = "auto"
	formatNDJSON = "ndjson"
	formatYAML   = "yaml"

	maxLineSize = 4 << 20
)

// detectFormat 显式指定优先; 其次看扩展名; 最后看首个非空字符 ({ 或 data: 视为 NDJSON)。
func detectFormat(name, format string, data []byte) string {
	if format != "" && format != formatAuto {
		return format
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".ndjson", ".jsonl", ".sse":
		return formatNDJSON
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) || bytes.HasPrefix(trimmed, []byte("data:")) {
		return formatNDJSON
	}
	return formatYAML
}

func parseScript(data []byte, format string) ([]event.Raw, error) {
	switch format {
	case formatNDJSON:
		return parseNDJSON(data)
	case formatYAML:
		return parseYAML(data)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// parseNDJSON 每行一个 JSON 对象; 兼容 SSE 抓包 (data: 前缀, event:/id: 行与 # 注释被忽略)。
func parseNDJSON(data []byte) ([]event.Raw, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []event.Raw
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		switch {
		case text == "", strings.HasPrefix(text, "#"), strings.HasPrefix(text, ":"):
			continue
		case strings.HasPrefix(text, "event:"), strings.HasPrefix(text, "id:"), strings.HasPrefix(text, "retry:"):
			continue
		case strings.HasPrefix(text, "data:"):
			text = strings.TrimSpace(strings.TrimPrefix(text, "data:"))
			if text == "[DONE]" {
				continue
			}
		}
		var raw event.Raw
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, raw)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// yamlScript YAML 脚本可以是事件列表, 也可以是 {events: [...]}。
type yamlScript struct {
	Events []map[string]any `yaml:"events"`
}

func parseYAML(data []byte) ([]event.Raw, error) {
	var list []map[string]any
	if err := yaml.Unmarshal(data, &list); err != nil {
		var doc yamlScript
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		list = doc.Events
	}
	out := make([]event.Raw, 0, len(list))
	for i, m := range list {
		// 经 JSON 归一化, 数值类型与线上事件一致 (float64)
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		var raw event.Raw
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// scriptIDs 取首个 RUN_STARTED 中的 threadId / runId。
func scriptIDs(events []event.Raw) (threadID, runID string) {
	for _, raw := range events {
		if typ, _ := raw["type"].(string); typ == string(event.KindRunStarted) {
			threadID, _ = raw["threadId"].(string)
			runID, _ = raw["runId"].(string)
			return threadID, runID
		}
	}
	return "", ""
}
