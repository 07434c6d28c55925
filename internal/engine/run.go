package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/multi-agent/go-agui/internal/bus"
	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/event"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

// CodeStreamError 流失败时写入 Run.Error.Code 的默认错误码。
const CodeStreamError = "STREAM_ERROR"

// BeginRun 开始 (或重试) 一个 run 并返回其深拷贝。
//
//   - threadID 为空时使用当前 thread; 仍为空返回 ErrInvalidInput
//   - thread 不存在则创建, 并设为当前 thread
//   - runID 为空时生成新 id
//   - runID 已存在: 重试, 重新标记运行并清除错误 (只允许最后一个 run)
//   - 已有 run 在运行 (包括 runID 自身): ErrRunInProgress
func (e *Engine) BeginRun(threadID, runID string) (*conversation.Run, error) {
	_, run, err := e.beginRun(threadID, runID)
	return run, err
}

func (e *Engine) beginRun(threadID, runID string) (string, *conversation.Run, error) {
	tid, run, err := e.startRun(threadID, runID)
	if err == nil {
		e.obs.RunStarted()
	}
	return tid, run, err
}

func (e *Engine) startRun(threadID, runID string) (string, *conversation.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tid := e.resolveThreadIDLocked(threadID)
	if tid == "" {
		return "", nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Engine.BeginRun", "thread id required")
	}
	t, _ := e.store.EnsureThread(tid)

	if cur := t.CurrentRun(); cur != nil {
		return "", nil, apperrors.Wrapf(apperrors.ErrRunInProgress, "Engine.BeginRun", "thread %s is running %s", tid, cur.RunID)
	}

	if runID == "" {
		runID = e.ids.RunID()
	}
	run := t.FindRun(runID)
	switch {
	case run == nil:
		run = conversation.NewRun(runID, true)
		t.Runs = append(t.Runs, run)
	case run != t.LastRun():
		return "", nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "Engine.BeginRun", "run %s is not the latest run of thread %s", runID, tid)
	default:
		run.IsRunning = true
		run.Error = nil
	}
	e.store.SetCurrentThreadID(tid)

	logger.Info("engine: run start",
		logger.FieldThreadID, tid,
		logger.FieldRunID, runID,
		logger.FieldCount, len(run.Messages),
	)
	e.notifyLocked(bus.OpRunBegin, tid)
	return tid, run.Clone(), nil
}

// Drive 逐条拉取 source 中的原始事件并应用到 thread 的当前 run。
//
// 只有当前 run 仍是 runID 时事件才会生效 (fork / 删除之后的残余事件被丢弃)。
// source 返回 io.EOF: 正常结束, 仍在运行则清除 IsRunning。
// 其他错误 (含 ctx 取消): 设置 run.Error, 清除 IsRunning, 通知后返回错误。
func (e *Engine) Drive(ctx context.Context, threadID, runID string, source EventSource) error {
	start := time.Now()
	var applied, dropped int
	for {
		raw, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			outcome := e.completeRun(threadID, runID)
			e.obs.RunFinished(outcome)
			logger.Info("engine: run complete",
				logger.FieldThreadID, threadID,
				logger.FieldRunID, runID,
				logger.FieldCount, applied,
				"dropped", dropped,
				logger.FieldDurationMS, time.Since(start).Milliseconds(),
			)
			return nil
		}
		if err != nil {
			e.failRun(threadID, runID, err)
			e.obs.RunFinished(OutcomeFailed)
			logger.Warn("engine: run failed",
				logger.FieldThreadID, threadID,
				logger.FieldRunID, runID,
				logger.FieldError, err,
				logger.FieldDurationMS, time.Since(start).Milliseconds(),
			)
			return apperrors.Wrapf(err, "Engine.Drive", "run %s stream failed", runID)
		}
		if e.apply(threadID, runID, raw) {
			applied++
		} else {
			dropped++
		}
	}
}

// Run = BeginRun + Drive, 返回实际使用的 runID。
func (e *Engine) Run(ctx context.Context, threadID, runID string, source EventSource) (string, error) {
	tid, run, err := e.beginRun(threadID, runID)
	if err != nil {
		return "", err
	}
	return run.RunID, e.Drive(ctx, tid, run.RunID, source)
}

// ApplyRaw 解码并应用一条原始事件到 thread 的当前 run (不校验 runID)。
// 返回 false 表示事件未被识别或被丢弃。
func (e *Engine) ApplyRaw(threadID string, raw event.Raw) bool {
	return e.apply(threadID, "", raw)
}

// apply runID 为空时不校验当前 run 的 id。
func (e *Engine) apply(threadID, runID string, raw event.Raw) bool {
	kind, ok := e.applyEvent(threadID, runID, raw)
	if ok {
		e.obs.EventApplied(kind)
	} else {
		e.obs.EventDropped(kind)
	}
	return ok
}

func (e *Engine) applyEvent(threadID, runID string, raw event.Raw) (string, bool) {
	if e.debug && logger.DebugEnabled() {
		logger.Debug("engine: event",
			logger.FieldThreadID, threadID,
			logger.FieldSummary, event.Summary(raw),
		)
	}
	ev, ok := event.Decode(raw)
	if !ok {
		typ, _ := raw["type"].(string)
		logger.Debug("engine: unrecognized event dropped", logger.FieldThreadID, threadID, logger.FieldEventType, typ)
		return typ, false
	}
	kind := string(ev.Kind)

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store.Thread(threadID)
	if !ok {
		return kind, false
	}
	if runID != "" {
		if cur := t.CurrentRun(); cur == nil || cur.RunID != runID {
			logger.Debug("engine: event for inactive run dropped",
				logger.FieldThreadID, threadID,
				logger.FieldRunID, runID,
				logger.FieldEventType, kind,
			)
			return kind, false
		}
	}
	if !e.agg.Apply(t, ev) {
		logger.Debug("engine: unresolvable event dropped",
			logger.FieldThreadID, threadID,
			logger.FieldEventType, kind,
			logger.FieldMessageID, ev.MessageID,
			logger.FieldToolCallID, ev.ToolCallID,
		)
		return kind, false
	}
	e.notifyLocked(bus.OpEvent, threadID)
	return kind, true
}

// completeRun 返回结束状态: run 带有 RUN_ERROR 记录的错误时为 failed。
func (e *Engine) completeRun(threadID, runID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store.Thread(threadID)
	if !ok {
		return OutcomeCompleted
	}
	outcome := OutcomeCompleted
	if run := t.FindRun(runID); run != nil {
		if run.IsRunning {
			run.IsRunning = false
			e.agg.ResetThread(threadID)
		}
		if run.Error != nil {
			outcome = OutcomeFailed
		}
	}
	e.notifyLocked(bus.OpRunEnd, threadID)
	return outcome
}

func (e *Engine) failRun(threadID, runID string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store.Thread(threadID)
	if !ok {
		return
	}
	run := t.FindRun(runID)
	if run == nil {
		// run 已被 fork / 删除, 旧连接的错误不能落到新的当前 run 上
		logger.Debug("engine: failure for removed run ignored",
			logger.FieldThreadID, threadID,
			logger.FieldRunID, runID,
			logger.FieldError, cause,
		)
		return
	}
	// RUN_ERROR 已记录的上游错误优先
	if !run.IsRunning && run.Error != nil {
		return
	}
	code := apperrors.CodeOf(cause)
	if code == "" {
		code = CodeStreamError
	}
	run.Error = &conversation.RunError{Message: cause.Error(), Code: code}
	// 路由表只属于当前 run
	if run.IsRunning {
		run.IsRunning = false
		e.agg.ResetThread(threadID)
	}
	e.notifyLocked(bus.OpRunEnd, threadID)
}
