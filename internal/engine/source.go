package engine

import (
	"context"
	"io"

	"github.com/multi-agent/go-agui/internal/event"
)

// EventSource 原始事件源。Next 是 Drive 唯一的阻塞点;
// 返回 io.EOF 表示流正常结束, 其他错误视为流失败。
type EventSource interface {
	Next(ctx context.Context) (event.Raw, error)
}

// SliceSource 按顺序回放内存中的事件 (回放 / 测试)。
type SliceSource struct {
	events []event.Raw
	pos    int
}

// NewSliceSource 创建 SliceSource。
func NewSliceSource(events ...event.Raw) *SliceSource {
	return &SliceSource{events: events}
}

// Next 实现 EventSource。
func (s *SliceSource) Next(ctx context.Context) (event.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// ChanSource 从 channel 读取事件, channel 关闭即流结束。
// Errs 可选: 收到的错误作为流失败返回。
type ChanSource struct {
	Events <-chan event.Raw
	Errs   <-chan error
}

// Next 实现 EventSource。
func (s ChanSource) Next(ctx context.Context) (event.Raw, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err, ok := <-s.Errs:
		if ok && err != nil {
			return nil, err
		}
		// Errs 已关闭: 只等事件
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.Events:
			if !ok {
				return nil, io.EOF
			}
			return ev, nil
		}
	case ev, ok := <-s.Events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	}
}

// SourceFunc 函数适配器。
type SourceFunc func(ctx context.Context) (event.Raw, error)

// Next 实现 EventSource。
func (f SourceFunc) Next(ctx context.Context) (event.Raw, error) { return f(ctx) }
