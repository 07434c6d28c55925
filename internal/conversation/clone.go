// clone.go: 实体深拷贝 (持久化 / HTTP 输出需要与后续流式修改隔离的副本)。
package conversation

import (
	"encoding/json"

	"github.com/multi-agent/go-agui/internal/event"
)

// Clone 深拷贝 thread。
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := &Thread{ID: t.ID, Title: t.Title, Runs: make([]*Run, 0, len(t.Runs))}
	for _, r := range t.Runs {
		out.Runs = append(out.Runs, r.Clone())
	}
	return out
}

// Clone 深拷贝 run。
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := &Run{
		RunID:     r.RunID,
		State:     cloneRaw(r.State),
		IsRunning: r.IsRunning,
		Timestamp: r.Timestamp,
		Messages:  make([]*Message, 0, len(r.Messages)),
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	for _, m := range r.Messages {
		out.Messages = append(out.Messages, m.Clone())
	}
	return out
}

// Clone 深拷贝 message。Event 中的 RawMessage 负载在解码后不再被修改, 共享底层字节。
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		ID:         m.ID,
		Role:       m.Role,
		RenderType: m.RenderType,
		Timestamp:  m.Timestamp,
		Segments:   make([]Segment, len(m.Segments)),
		Events:     make([]event.Event, len(m.Events)),
	}
	for i, s := range m.Segments {
		out.Segments[i] = s
		if s.Args != nil {
			v := *s.Args
			out.Segments[i].Args = &v
		}
		if s.Result != nil {
			v := *s.Result
			out.Segments[i].Result = &v
		}
	}
	copy(out.Events, m.Events)
	return out
}

// CloneAll 深拷贝 thread 列表。
func CloneAll(threads []*Thread) []*Thread {
	out := make([]*Thread, 0, len(threads))
	for _, t := range threads {
		out = append(out, t.Clone())
	}
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
