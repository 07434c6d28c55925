package engine

import (
	"encoding/json"

	"github.com/multi-agent/go-agui/internal/conversation"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

// Tool 前端提供给代理的工具声明。
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ContextItem 附加上下文。
type ContextItem struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// RunOptions 发起 run 时的可选参数。
type RunOptions struct {
	Tools          []Tool          `json:"tools,omitempty"`
	Context        []ContextItem   `json:"context,omitempty"`
	ForwardedProps json.RawMessage `json:"forwardedProps,omitempty"`
}

// RunAgentInput 代理请求体。
type RunAgentInput struct {
	ThreadID       string                      `json:"threadId"`
	RunID          string                      `json:"runId"`
	State          json.RawMessage             `json:"state"`
	Messages       []conversation.AgentMessage `json:"messages"`
	Tools          []Tool                      `json:"tools"`
	Context        []ContextItem               `json:"context"`
	ForwardedProps json.RawMessage             `json:"forwardedProps,omitempty"`
}

// BuildRunInput 组装 runID 对应的代理请求。
//
// state 取上一个 run 的 State (没有则 {}); messages 只包含该 run 自身的消息
// (通常是 AppendUserTurn 追加的用户消息), 历史由代理端按 threadId 维护。
func (e *Engine) BuildRunInput(threadID, runID string, opts RunOptions) (RunAgentInput, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.store.Thread(threadID)
	if !ok {
		return RunAgentInput{}, apperrors.Wrapf(apperrors.ErrThreadNotFound, "Engine.BuildRunInput", "thread %s", threadID)
	}
	run := t.FindRun(runID)
	if run == nil {
		return RunAgentInput{}, apperrors.Wrapf(apperrors.ErrNotFound, "Engine.BuildRunInput", "run %s", runID)
	}

	state := previousState(t, run)
	in := RunAgentInput{
		ThreadID:       t.ID,
		RunID:          run.RunID,
		State:          state,
		Messages:       conversation.ToAgentMessages(run.Messages),
		Tools:          opts.Tools,
		Context:        opts.Context,
		ForwardedProps: opts.ForwardedProps,
	}
	if in.Tools == nil {
		in.Tools = []Tool{}
	}
	if in.Context == nil {
		in.Context = []ContextItem{}
	}

	if e.debug {
		logger.Debug("engine: run input",
			logger.FieldThreadID, in.ThreadID,
			logger.FieldRunID, in.RunID,
			logger.FieldCount, len(in.Messages),
			"state_keys", stateKeys(state),
			"tools", len(in.Tools),
			"context", len(in.Context),
		)
	}
	return in, nil
}

// previousState run 之前一个 run 的 State; 没有或为空时返回 {}。
func previousState(t *conversation.Thread, run *conversation.Run) json.RawMessage {
	var prev json.RawMessage
	for i, r := range t.Runs {
		if r == run {
			if i > 0 {
				prev = t.Runs[i-1].State
			}
			break
		}
	}
	if len(prev) == 0 || string(prev) == "null" {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), prev...)
}

func stateKeys(state json.RawMessage) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(state, &m); err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
