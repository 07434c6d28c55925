// Package persisttest 持久化网关的通用一致性测试。
package persisttest

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/event"
	"github.com/multi-agent/go-agui/internal/persist"
)

// Fixture 两个 thread: 一个含文本 + 工具 + state + error, 一个只有用户消息。
func Fixture() []*conversation.Thread {
	args := `{"city":"Paris"}`
	result := "sunny"

	user := conversation.NewMessage("m1", event.RoleUser)
	user.Segments = append(user.Segments, conversation.TextSegment("天气?"))
	user.Events = append(user.Events,
		event.Event{Kind: event.KindTextStart, MessageID: "m1", Role: event.RoleUser},
		event.Event{Kind: event.KindTextContent, MessageID: "m1", Delta: "天气?"},
		event.Event{Kind: event.KindTextEnd, MessageID: "m1"},
	)

	assistant := conversation.NewMessage("m2", event.RoleAssistant)
	tool := conversation.ToolSegment("tc1", "weather")
	tool.Args = &args
	tool.Result = &result
	assistant.Segments = append(assistant.Segments, conversation.TextSegment("Checking"), tool)

	toolMsg := conversation.NewMessage("m3", event.RoleTool)
	toolMsg.RenderType = conversation.RenderTool

	r1 := conversation.NewRun("r1", false)
	r1.Messages = append(r1.Messages, user)
	r2 := conversation.NewRun("r2", false)
	r2.Messages = append(r2.Messages, assistant, toolMsg)
	r2.State = json.RawMessage(`{"step":2,"city":"Paris"}`)
	r2.Error = &conversation.RunError{Message: "upstream closed", Code: "HTTP_502"}

	other := conversation.NewMessage("m9", event.RoleUser)
	other.Segments = append(other.Segments, conversation.TextSegment("hi"))
	r9 := conversation.NewRun("r9", false)
	r9.Messages = append(r9.Messages, other)

	return []*conversation.Thread{
		{ID: "t-weather", Title: "天气?", Runs: []*conversation.Run{r1, r2}},
		{ID: "t-other", Runs: []*conversation.Run{r9}},
	}
}

// AssertSameThreads 按 JSON 语义比较 (忽略 JSONB 等后端对键序 / 空白的规范化)。
func AssertSameThreads(t *testing.T, got, want []*conversation.Thread) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("threads = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Fatalf("thread[%d].ID = %q, want %q (order must be preserved)", i, got[i].ID, want[i].ID)
		}
		if !reflect.DeepEqual(normalize(t, got[i]), normalize(t, want[i])) {
			g, _ := json.Marshal(got[i])
			w, _ := json.Marshal(want[i])
			t.Fatalf("thread %s mismatch\n got: %s\nwant: %s", want[i].ID, g, w)
		}
	}
}

func normalize(t *testing.T, v any) any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

// Run 对 newGateway 返回的网关执行一致性测试。newGateway 每次调用须返回空存储。
func Run(t *testing.T, newGateway func(t *testing.T) persist.Gateway) {
	ctx := context.Background()

	t.Run("EmptyLoad", func(t *testing.T) {
		gw := newGateway(t)
		snap, err := gw.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(snap.Threads) != 0 || snap.CurrentThreadID != "" {
			t.Fatalf("empty Load = %+v", snap)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		gw := newGateway(t)
		want := Fixture()
		if err := gw.Save(ctx, want, "t-other"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		snap, err := gw.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.CurrentThreadID != "t-other" {
			t.Errorf("CurrentThreadID = %q, want t-other", snap.CurrentThreadID)
		}
		AssertSameThreads(t, snap.Threads, want)
	})

	t.Run("SaveReplacesPrevious", func(t *testing.T) {
		gw := newGateway(t)
		first := Fixture()
		if err := gw.Save(ctx, first, "t-weather"); err != nil {
			t.Fatalf("Save #1: %v", err)
		}
		second := Fixture()[:1]
		second[0].Title = "renamed"
		second[0].Runs = second[0].Runs[:1]
		if err := gw.Save(ctx, second, ""); err != nil {
			t.Fatalf("Save #2: %v", err)
		}
		snap, err := gw.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.CurrentThreadID != "" {
			t.Errorf("CurrentThreadID = %q, want empty", snap.CurrentThreadID)
		}
		AssertSameThreads(t, snap.Threads, second)
	})

	t.Run("ReorderPreserved", func(t *testing.T) {
		gw := newGateway(t)
		fx := Fixture()
		if err := gw.Save(ctx, fx, ""); err != nil {
			t.Fatalf("Save #1: %v", err)
		}
		reversed := []*conversation.Thread{fx[1], fx[0]}
		if err := gw.Save(ctx, reversed, ""); err != nil {
			t.Fatalf("Save #2: %v", err)
		}
		snap, err := gw.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		AssertSameThreads(t, snap.Threads, reversed)
	})

	t.Run("SaveEmpty", func(t *testing.T) {
		gw := newGateway(t)
		if err := gw.Save(ctx, Fixture(), "t-weather"); err != nil {
			t.Fatalf("Save #1: %v", err)
		}
		if err := gw.Save(ctx, nil, ""); err != nil {
			t.Fatalf("Save empty: %v", err)
		}
		snap, err := gw.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(snap.Threads) != 0 {
			t.Fatalf("threads after empty save = %d", len(snap.Threads))
		}
	})
}
