package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/multi-agent/go-agui/internal/bus"
	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/event"
	"github.com/multi-agent/go-agui/internal/ids"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
)

// ─── helpers ───

func newTestEngine(t *testing.T) (*Engine, *[]bus.Snapshot) {
	t.Helper()
	e := New(Options{IDs: &ids.Sequence{}})
	var snaps []bus.Snapshot
	unsub := e.Subscribe(func(s bus.Snapshot) { snaps = append(snaps, s) })
	t.Cleanup(unsub)
	return e, &snaps
}

func raw(kind string, kv ...any) event.Raw {
	r := event.Raw{"type": kind}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

func scenarioEvents() []event.Raw {
	return []event.Raw{
		raw("RUN_STARTED", "threadId", "t1", "runId", "r1"),
		raw("TEXT_MESSAGE_START", "messageId", "m1", "role", "assistant"),
		raw("TEXT_MESSAGE_CONTENT", "messageId", "m1", "delta", "Hello"),
		raw("TOOL_CALL_START", "toolCallId", "tc1", "toolCallName", "lookup", "parentMessageId", "m1"),
		raw("TOOL_CALL_ARGS", "toolCallId", "tc1", "delta", "{}"),
		raw("TOOL_CALL_END", "toolCallId", "tc1"),
		raw("TOOL_CALL_RESULT", "messageId", "m2", "toolCallId", "tc1", "content", "42"),
		raw("TEXT_MESSAGE_CONTENT", "messageId", "m1", "delta", " world"),
		raw("TEXT_MESSAGE_END", "messageId", "m1"),
		raw("RUN_FINISHED", "threadId", "t1", "runId", "r1"),
	}
}

func mustThread(t *testing.T, e *Engine, id string) *conversation.Thread {
	t.Helper()
	th, ok := e.Thread(id)
	if !ok {
		t.Fatalf("thread %s not found", id)
	}
	return th
}

// ─── End-to-end ───

func TestRun_EndToEndScenario(t *testing.T) {
	e, snaps := newTestEngine(t)

	runID, err := e.Run(context.Background(), "t1", "r1", NewSliceSource(scenarioEvents()...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runID != "r1" {
		t.Fatalf("runID = %q", runID)
	}

	th := mustThread(t, e, "t1")
	if len(th.Runs) != 1 {
		t.Fatalf("runs = %d", len(th.Runs))
	}
	run := th.Runs[0]
	if run.IsRunning || run.Error != nil {
		t.Fatalf("run = running %v error %+v", run.IsRunning, run.Error)
	}
	if len(run.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(run.Messages))
	}
	b, _ := json.Marshal(run.Messages[0].Segments)
	want := `[{"type":"text","content":"Hello"},{"type":"tool","toolCallId":"tc1","toolCallName":"lookup","args":"{}","result":"42"},{"type":"text","content":" world"}]`
	if string(b) != want {
		t.Fatalf("segments =\n%s\nwant\n%s", b, want)
	}
	if e.CurrentThreadID() != "t1" {
		t.Fatalf("CurrentThreadID = %q", e.CurrentThreadID())
	}

	// begin + 10 事件 + end
	if len(*snaps) != 12 {
		t.Fatalf("notifications = %d, want 12", len(*snaps))
	}
	first, last := (*snaps)[0], (*snaps)[len(*snaps)-1]
	if first.Op != bus.OpRunBegin || last.Op != bus.OpRunEnd {
		t.Fatalf("ops = %s .. %s", first.Op, last.Op)
	}
	for i := 1; i < len(*snaps); i++ {
		if (*snaps)[i].Seq <= (*snaps)[i-1].Seq {
			t.Fatal("seq must increase with mutation order")
		}
	}
}

func TestDrive_DroppedEventsDoNotNotify(t *testing.T) {
	e, snaps := newTestEngine(t)
	if _, err := e.BeginRun("t1", "r1"); err != nil {
		t.Fatal(err)
	}
	before := len(*snaps)
	err := e.Drive(context.Background(), "t1", "r1", NewSliceSource(
		raw("NOT_A_KIND"),
		raw("TEXT_MESSAGE_CONTENT", "messageId", "ghost", "delta", "x"),
		raw("TOOL_CALL_RESULT", "toolCallId", "nope", "content", "x"),
	))
	if err != nil {
		t.Fatal(err)
	}
	// 只有结束通知
	if got := len(*snaps) - before; got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
	if th := mustThread(t, e, "t1"); len(th.Runs[0].Messages) != 0 {
		t.Fatal("dropped events must not mutate")
	}
}

// ─── BeginRun ───

func TestBeginRun(t *testing.T) {
	e, _ := newTestEngine(t)

	run, err := e.BeginRun("t1", "")
	if err != nil {
		t.Fatal(err)
	}
	if run.RunID != "run_1" || !run.IsRunning {
		t.Fatalf("run = %+v", run)
	}

	if _, err := e.BeginRun("t1", "other"); !errors.Is(err, apperrors.ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	// 运行中的 run 不能被重试 (同一 run 只允许一个 Drive)
	if _, err := e.BeginRun("t1", "run_1"); !errors.Is(err, apperrors.ErrRunInProgress) {
		t.Fatalf("retry running run: err = %v, want ErrRunInProgress", err)
	}

	if th := mustThread(t, e, "t1"); len(th.Runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(th.Runs))
	}
}

func TestBeginRun_EmptyThreadUsesCurrent(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.BeginRun("", "r1"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	th := e.CreateThread()
	if _, err := e.BeginRun("", "r1"); err != nil {
		t.Fatal(err)
	}
	if got := mustThread(t, e, th.ID); len(got.Runs) != 1 {
		t.Fatal("run should land in the current thread")
	}
}

func TestBeginRun_RetryClearsError(t *testing.T) {
	e, _ := newTestEngine(t)
	boom := errors.New("connection reset")
	_, err := e.Run(context.Background(), "t1", "r1", SourceFunc(func(context.Context) (event.Raw, error) {
		return nil, boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	th := mustThread(t, e, "t1")
	if th.Runs[0].Error == nil || th.Runs[0].IsRunning {
		t.Fatalf("failed run = %+v", th.Runs[0])
	}

	run, err := e.BeginRun("t1", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !run.IsRunning || run.Error != nil {
		t.Fatalf("retried run = %+v", run)
	}
}

func TestBeginRun_RetryOlderRunRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Run(ctx, "t1", "r1", NewSliceSource()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(ctx, "t1", "r2", NewSliceSource()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.BeginRun("t1", "r1"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSingleCurrentRunInvariant(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if _, err := e.Run(ctx, "t1", id, NewSliceSource(raw("RUN_STARTED"))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.BeginRun("t1", "r4"); err != nil {
		t.Fatal(err)
	}
	th := mustThread(t, e, "t1")
	running := 0
	for i, r := range th.Runs {
		if r.IsRunning {
			running++
			if i != len(th.Runs)-1 {
				t.Fatalf("running run at index %d is not last", i)
			}
		}
	}
	if running != 1 {
		t.Fatalf("running runs = %d, want 1", running)
	}
}

// ─── Drive failure ───

func TestDrive_StreamFailure(t *testing.T) {
	e, snaps := newTestEngine(t)
	if _, err := e.BeginRun("t1", "r1"); err != nil {
		t.Fatal(err)
	}
	events := []event.Raw{
		raw("TEXT_MESSAGE_START", "messageId", "m1"),
		raw("TEXT_MESSAGE_CONTENT", "messageId", "m1", "delta", "par"),
	}
	i := 0
	src := SourceFunc(func(context.Context) (event.Raw, error) {
		if i < len(events) {
			i++
			return events[i-1], nil
		}
		return nil, apperrors.WithCode(io.ErrUnexpectedEOF, "transport", "HTTP_502", "bad gateway")
	})

	err := e.Drive(context.Background(), "t1", "r1", src)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v", err)
	}
	run := mustThread(t, e, "t1").Runs[0]
	if run.IsRunning {
		t.Fatal("IsRunning should be cleared")
	}
	if run.Error == nil || run.Error.Code != "HTTP_502" || !strings.Contains(run.Error.Message, "bad gateway") {
		t.Fatalf("Error = %+v", run.Error)
	}
	if got := run.Messages[0].Segments[0].Content; got != "par" {
		t.Fatalf("partial content = %q", got)
	}
	if (*snaps)[len(*snaps)-1].Op != bus.OpRunEnd {
		t.Fatal("failure must notify")
	}
}

func TestDrive_ContextCanceled(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan event.Raw)
	cancel()
	_, err := e.Run(ctx, "t1", "r1", ChanSource{Events: events})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	run := mustThread(t, e, "t1").Runs[0]
	if run.IsRunning || run.Error == nil || run.Error.Code != CodeStreamError {
		t.Fatalf("run = %+v", run)
	}
}

func TestDrive_RunErrorEventKeepsUpstreamError(t *testing.T) {
	e, _ := newTestEngine(t)
	i := 0
	src := SourceFunc(func(context.Context) (event.Raw, error) {
		if i == 0 {
			i++
			return raw("RUN_ERROR", "message", "quota exceeded", "code", "429"), nil
		}
		return nil, errors.New("socket closed")
	})
	_, _ = e.Run(context.Background(), "t1", "r1", src)
	run := mustThread(t, e, "t1").Runs[0]
	if run.Error == nil || run.Error.Message != "quota exceeded" || run.Error.Code != "429" {
		t.Fatalf("Error = %+v", run.Error)
	}
}

// ─── AppendUserTurn ───

func TestAppendUserTurn(t *testing.T) {
	e, snaps := newTestEngine(t)
	th := e.CreateThread()

	turn, err := e.AppendUserTurn(th.ID, "   今天巴黎的天气怎么样, 需要带伞吗? 谢谢你的帮助  ")
	if err != nil {
		t.Fatal(err)
	}
	if turn.RunID == "" || turn.Run.IsRunning {
		t.Fatalf("turn = %+v", turn)
	}
	got := mustThread(t, e, th.ID)
	if got.Title != "今天巴黎的天气怎么样, 需要带伞吗? 谢" {
		t.Fatalf("Title = %q", got.Title)
	}
	if n := len([]rune(got.Title)); n != DefaultTitleRunes {
		t.Fatalf("title runes = %d", n)
	}

	msg := got.Runs[0].Messages[0]
	if msg.Role != event.RoleUser || len(msg.Events) != 3 {
		t.Fatalf("message = %+v", msg)
	}
	kinds := []event.Kind{event.KindTextStart, event.KindTextContent, event.KindTextEnd}
	for i, k := range kinds {
		if msg.Events[i].Kind != k || msg.Events[i].MessageID != msg.ID {
			t.Fatalf("event[%d] = %+v", i, msg.Events[i])
		}
	}
	if (*snaps)[len(*snaps)-1].Op != bus.OpUserTurn {
		t.Fatal("AppendUserTurn must notify")
	}

	// 第二次不改标题
	if _, err := e.AppendUserTurn(th.ID, "second"); err != nil {
		t.Fatal(err)
	}
	if mustThread(t, e, th.ID).Title != got.Title {
		t.Fatal("title only set on the first turn")
	}
}

func TestAppendUserTurn_Errors(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.AppendUserTurn("missing", "hi"); !errors.Is(err, apperrors.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
	if _, err := e.BeginRun("t1", "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AppendUserTurn("t1", "hi"); !errors.Is(err, apperrors.ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestAppendUserTurn_BlankContentLeavesTitle(t *testing.T) {
	e, _ := newTestEngine(t)
	th := e.CreateThread()
	if _, err := e.AppendUserTurn(th.ID, "   "); err != nil {
		t.Fatal(err)
	}
	if got := mustThread(t, e, th.ID).Title; got != "" {
		t.Fatalf("Title = %q, want empty", got)
	}
}

func TestUserTurnThenRun(t *testing.T) {
	e, _ := newTestEngine(t)
	th := e.CreateThread()
	turn, err := e.AppendUserTurn(th.ID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Run(context.Background(), th.ID, turn.RunID, NewSliceSource(
		raw("TEXT_MESSAGE_START", "messageId", "a1"),
		raw("TEXT_MESSAGE_CONTENT", "messageId", "a1", "delta", "hello"),
		raw("TEXT_MESSAGE_END", "messageId", "a1"),
	))
	if err != nil {
		t.Fatal(err)
	}
	got := mustThread(t, e, th.ID)
	if len(got.Runs) != 1 || len(got.Runs[0].Messages) != 2 {
		t.Fatalf("runs = %d, messages = %d", len(got.Runs), len(got.Runs[0].Messages))
	}
	if conversation.MessageText(got.Runs[0].Messages[1]) != "hello" {
		t.Fatal("assistant reply should join the user turn's run")
	}
}

// ─── Fork ───

func seedThreeRuns(t *testing.T, e *Engine) {
	t.Helper()
	e.Hydrate([]*conversation.Thread{{
		ID: "t1",
		Runs: []*conversation.Run{
			{RunID: "R1", Messages: []*conversation.Message{{ID: "m1"}, {ID: "m2"}}},
			{RunID: "R2", Messages: []*conversation.Message{{ID: "m5"}, {ID: "m6"}}},
			{RunID: "R3", Messages: []*conversation.Message{{ID: "m9"}}},
		},
	}}, "t1")
}

func TestForkAtMessage(t *testing.T) {
	e, snaps := newTestEngine(t)
	seedThreeRuns(t, e)

	if !e.ForkAtMessage("t1", "m5") {
		t.Fatal("ForkAtMessage(m5) = false")
	}
	th := mustThread(t, e, "t1")
	if len(th.Runs) != 1 || th.Runs[0].RunID != "R1" {
		t.Fatalf("runs after fork = %d", len(th.Runs))
	}
	if (*snaps)[len(*snaps)-1].Op != bus.OpFork {
		t.Fatal("fork must notify")
	}

	n := len(*snaps)
	if e.ForkAtMessage("t1", "m9") || e.ForkAtMessage("nope", "m1") {
		t.Fatal("fork on unknown target should be false")
	}
	if len(*snaps) != n {
		t.Fatal("no-op fork must not notify")
	}
	if len(mustThread(t, e, "t1").Runs) != 1 {
		t.Fatal("no-op fork must not mutate")
	}

	if !e.ForkAtMessage("t1", "m1") {
		t.Fatal("fork at first message")
	}
	if len(mustThread(t, e, "t1").Runs) != 0 {
		t.Fatal("forking the first run leaves the thread empty")
	}
}

func TestForkDuringStreamingDropsLateEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	th := e.CreateThread()
	turn, _ := e.AppendUserTurn(th.ID, "question")

	events := []event.Raw{
		raw("TEXT_MESSAGE_START", "messageId", "a1"),
		raw("TEXT_MESSAGE_CONTENT", "messageId", "a1", "delta", "partial"),
		raw("TEXT_MESSAGE_CONTENT", "messageId", "a1", "delta", " late"),
		raw("TOOL_CALL_START", "toolCallId", "tc1", "toolCallName", "x"),
	}
	i := 0
	src := SourceFunc(func(context.Context) (event.Raw, error) {
		if i == 2 {
			// 用户在流式输出中途编辑了自己的消息
			if !e.ForkAtMessage(th.ID, turn.Message.ID) {
				t.Error("fork failed")
			}
		}
		if i >= len(events) {
			return nil, io.EOF
		}
		i++
		return events[i-1], nil
	})
	if _, err := e.Run(context.Background(), th.ID, turn.RunID, src); err != nil {
		t.Fatal(err)
	}
	got := mustThread(t, e, th.ID)
	if len(got.Runs) != 0 {
		t.Fatalf("runs = %d, want 0", len(got.Runs))
	}

	// 新 run 不受旧 run 残余路由影响
	if _, err := e.Run(context.Background(), th.ID, "fresh", NewSliceSource(
		raw("TEXT_MESSAGE_CONTENT", "messageId", "a1", "delta", "stale"),
	)); err != nil {
		t.Fatal(err)
	}
	if n := len(mustThread(t, e, th.ID).Runs[0].Messages); n != 0 {
		t.Fatalf("messages = %d, want 0", n)
	}
}

func TestForkedRunFailureLeavesNewRunAlone(t *testing.T) {
	e, snaps := newTestEngine(t)
	th := e.CreateThread()
	turn, _ := e.AppendUserTurn(th.ID, "question")
	if _, err := e.BeginRun(th.ID, turn.RunID); err != nil {
		t.Fatal(err)
	}
	if !e.ForkAtMessage(th.ID, turn.Message.ID) {
		t.Fatal("fork failed")
	}
	if _, err := e.BeginRun(th.ID, "fresh"); err != nil {
		t.Fatal(err)
	}
	if !e.ApplyRaw(th.ID, raw("TEXT_MESSAGE_START", "messageId", "a1", "role", "assistant")) {
		t.Fatal("start on fresh run dropped")
	}
	notified := len(*snaps)

	// 旧连接在 fork 之后才报错
	reset := errors.New("old connection reset")
	err := e.Drive(context.Background(), th.ID, turn.RunID, SourceFunc(func(context.Context) (event.Raw, error) {
		return nil, reset
	}))
	if !errors.Is(err, reset) {
		t.Fatalf("err = %v, want wrapped reset", err)
	}

	run, ok := e.CurrentRun(th.ID)
	if !ok || run.RunID != "fresh" || run.Error != nil {
		t.Fatalf("fresh run = %+v, ok=%v", run, ok)
	}
	if len(*snaps) != notified {
		t.Fatalf("notifications = %d, want %d", len(*snaps), notified)
	}
	// 新 run 的路由表仍然有效
	if !e.ApplyRaw(th.ID, raw("TEXT_MESSAGE_CONTENT", "messageId", "a1", "delta", "ok")) {
		t.Fatal("content for fresh run dropped")
	}
	if got := conversation.MessageText(mustThread(t, e, th.ID).Runs[0].Messages[0]); got != "ok" {
		t.Fatalf("text = %q, want ok", got)
	}
}

func TestFinishedRunFailureKeepsNextRunTables(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.BeginRun("t1", "r1"); err != nil {
		t.Fatal(err)
	}
	e.ApplyRaw("t1", raw("RUN_FINISHED", "threadId", "t1", "runId", "r1"))
	if _, err := e.BeginRun("t1", "r2"); err != nil {
		t.Fatal(err)
	}
	e.ApplyRaw("t1", raw("TEXT_MESSAGE_START", "messageId", "m2", "role", "assistant"))

	// r1 的流在 RUN_FINISHED 之后断开
	_ = e.Drive(ctx, "t1", "r1", SourceFunc(func(context.Context) (event.Raw, error) {
		return nil, errors.New("eof after finish")
	}))

	th := mustThread(t, e, "t1")
	if th.Runs[0].Error == nil {
		t.Fatal("r1 should record its own stream failure")
	}
	if !th.Runs[1].IsRunning || th.Runs[1].Error != nil {
		t.Fatalf("r2 = %+v", th.Runs[1])
	}
	if stats := e.RoutingStats(); stats.OpenMessages != 1 {
		t.Fatalf("open messages = %d, want 1", stats.OpenMessages)
	}
}

// ─── Hydrate ───

func TestHydrate_ClearsTransientState(t *testing.T) {
	e, snaps := newTestEngine(t)

	// 打开一条消息后冷启动
	if _, err := e.BeginRun("t1", "r1"); err != nil {
		t.Fatal(err)
	}
	e.ApplyRaw("t1", raw("TEXT_MESSAGE_START", "messageId", "m1"))

	persisted := `[{"id":"t1","title":"weather","runs":[
		{"runId":"r1","isRunning":true,"error":{"message":"stale"},"messages":[{"id":"m1","role":"assistant","renderType":"weird"}]}
	]}]`
	var threads []*conversation.Thread
	if err := json.Unmarshal([]byte(persisted), &threads); err != nil {
		t.Fatal(err)
	}
	e.Hydrate(threads, "t1")

	th := mustThread(t, e, "t1")
	run := th.Runs[0]
	if run.IsRunning || run.Error != nil {
		t.Fatalf("run after hydrate = %+v", run)
	}
	m := run.Messages[0]
	if m.RenderType != conversation.RenderText || m.Segments == nil || m.Events == nil {
		t.Fatalf("message not normalized: %+v", m)
	}
	if e.RoutingStats().OpenMessages != 0 {
		t.Fatal("open table should be cleared")
	}
	if (*snaps)[len(*snaps)-1].Op != bus.OpHydrate {
		t.Fatal("hydrate must notify")
	}

	// 新 run 中对旧 m1 的 content 被丢弃
	if _, err := e.BeginRun("t1", "r2"); err != nil {
		t.Fatal(err)
	}
	if e.ApplyRaw("t1", raw("TEXT_MESSAGE_CONTENT", "messageId", "m1", "delta", "x")) {
		t.Fatal("content for a pre-hydrate message must drop")
	}
}

func TestHydrate_RoundTripViaExport(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Run(context.Background(), "t1", "r1", NewSliceSource(scenarioEvents()...)); err != nil {
		t.Fatal(err)
	}
	threads, current := e.Export()
	first, _ := json.Marshal(threads)

	var decoded []*conversation.Thread
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatal(err)
	}
	e2 := New(Options{})
	e2.Hydrate(decoded, current)
	again, cur2 := e2.Export()
	second, _ := json.Marshal(again)

	if string(first) != string(second) || cur2 != current {
		t.Fatalf("round trip differs:\n%s\n%s", first, second)
	}
}

// ─── Thread lifecycle ───

func TestThreadLifecycle(t *testing.T) {
	e, snaps := newTestEngine(t)

	a := e.CreateThread()
	b := e.CreateThread()
	if a.ID != "thread_1" || b.ID != "thread_2" || e.CurrentThreadID() != b.ID {
		t.Fatalf("a=%s b=%s current=%s", a.ID, b.ID, e.CurrentThreadID())
	}

	if err := e.SetCurrentThread(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.SetCurrentThread("missing"); !errors.Is(err, apperrors.ErrThreadNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := e.UpdateThread(a.ID, "renamed"); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateThread("missing", "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if mustThread(t, e, a.ID).Title != "renamed" {
		t.Fatal("title not updated")
	}

	if !e.DeleteThread(a.ID) {
		t.Fatal("DeleteThread = false")
	}
	if e.CurrentThreadID() != "" {
		t.Fatal("deleting the current thread clears the selection")
	}
	if e.DeleteThread(a.ID) {
		t.Fatal("second delete should be false")
	}

	sum := e.Summaries()
	if len(sum) != 1 || sum[0].ID != b.ID {
		t.Fatalf("Summaries = %+v", sum)
	}

	var ops []string
	for _, s := range *snaps {
		ops = append(ops, s.Op)
	}
	want := []string{bus.OpThreadCreate, bus.OpThreadCreate, bus.OpThreadSelect, bus.OpThreadUpdate, bus.OpThreadDelete}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
}

func TestDeleteThreadDuringRunDropsEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.BeginRun("t1", "r1"); err != nil {
		t.Fatal(err)
	}
	e.DeleteThread("t1")
	if err := e.Drive(context.Background(), "t1", "r1", NewSliceSource(
		raw("TEXT_MESSAGE_START", "messageId", "m1"),
	)); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Thread("t1"); ok {
		t.Fatal("events must not resurrect a deleted thread")
	}
}

// ─── Reads ───

func TestExportIsDeepCopy(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.BeginRun("t1", "r1"); err != nil {
		t.Fatal(err)
	}
	e.ApplyRaw("t1", raw("TEXT_MESSAGE_START", "messageId", "m1"))
	e.ApplyRaw("t1", raw("TEXT_MESSAGE_CONTENT", "messageId", "m1", "delta", "a"))

	threads, _ := e.Export()
	e.ApplyRaw("t1", raw("TEXT_MESSAGE_CONTENT", "messageId", "m1", "delta", "b"))

	if got := threads[0].Runs[0].Messages[0].Segments[0].Content; got != "a" {
		t.Fatalf("exported copy changed: %q", got)
	}
	if run, ok := e.CurrentRun("t1"); !ok || run.Messages[0].Segments[0].Content != "ab" {
		t.Fatal("CurrentRun should reflect live state")
	}
}

func TestSubscriberReadsSharedEntities(t *testing.T) {
	e := New(Options{})
	var titles []string
	e.Subscribe(func(s bus.Snapshot) {
		if th := s.Thread(); th != nil {
			titles = append(titles, th.Title)
		}
	})
	th := e.CreateThread()
	_ = e.UpdateThread(th.ID, "hello")
	if len(titles) != 2 || titles[1] != "hello" {
		t.Fatalf("titles = %v", titles)
	}
}

// ─── BuildRunInput ───

func TestBuildRunInput(t *testing.T) {
	e, _ := newTestEngine(t)
	th := e.CreateThread()
	turn1, _ := e.AppendUserTurn(th.ID, "weather?")
	_, err := e.Run(context.Background(), th.ID, turn1.RunID, NewSliceSource(
		raw("STATE_SNAPSHOT", "snapshot", map[string]any{"city": "Paris"}),
	))
	if err != nil {
		t.Fatal(err)
	}

	in, err := e.BuildRunInput(th.ID, turn1.RunID, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if string(in.State) != `{}` {
		t.Fatalf("first run state = %s, want {}", in.State)
	}
	if len(in.Messages) != 1 || in.Messages[0].Content != "weather?" || in.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", in.Messages)
	}

	turn2, _ := e.AppendUserTurn(th.ID, "and tomorrow?")
	in, err = e.BuildRunInput(th.ID, turn2.RunID, RunOptions{
		Tools: []Tool{{Name: "get_weather"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(in.State) != `{"city":"Paris"}` {
		t.Fatalf("state = %s", in.State)
	}
	if len(in.Tools) != 1 || in.Context == nil {
		t.Fatalf("tools = %+v context = %+v", in.Tools, in.Context)
	}
	b, _ := json.Marshal(in)
	if !strings.Contains(string(b), `"threadId":"thread_1"`) || strings.Contains(string(b), "forwardedProps") {
		t.Fatalf("json = %s", b)
	}

	if _, err := e.BuildRunInput(th.ID, "nope", RunOptions{}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.BuildRunInput("nope", "r", RunOptions{}); !errors.Is(err, apperrors.ErrThreadNotFound) {
		t.Fatalf("err = %v", err)
	}
}

// ─── Sources ───

func TestChanSource(t *testing.T) {
	events := make(chan event.Raw, 2)
	errs := make(chan error, 1)
	src := ChanSource{Events: events, Errs: errs}
	ctx := context.Background()

	events <- raw("RUN_STARTED")
	if ev, err := src.Next(ctx); err != nil || ev["type"] != "RUN_STARTED" {
		t.Fatalf("Next = %v, %v", ev, err)
	}
	errs <- errors.New("broken")
	if _, err := src.Next(ctx); err == nil || err.Error() != "broken" {
		t.Fatalf("err = %v", err)
	}
	close(errs)
	close(events)
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource(raw("A"), raw("B"))
	ctx := context.Background()
	for _, want := range []string{"A", "B"} {
		ev, err := src.Next(ctx)
		if err != nil || ev["type"] != want {
			t.Fatalf("Next = %v, %v", ev, err)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v", err)
	}
}

// ─── Observer ───

type countingObserver struct {
	applied, dropped map[string]int
	started          int
	finished         map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{applied: map[string]int{}, dropped: map[string]int{}, finished: map[string]int{}}
}

func (o *countingObserver) EventApplied(kind string) { o.applied[kind]++ }
func (o *countingObserver) EventDropped(kind string) { o.dropped[kind]++ }
func (o *countingObserver) RunStarted()              { o.started++ }
func (o *countingObserver) RunFinished(outcome string) {
	o.finished[outcome]++
}

func TestObserver_CountsEventsAndRuns(t *testing.T) {
	obs := newCountingObserver()
	e := New(Options{IDs: &ids.Sequence{}, Observer: obs})

	events := append(scenarioEvents(), raw("NOT_A_REAL_EVENT"), raw("TEXT_MESSAGE_CONTENT", "messageId", "ghost", "delta", "x"))
	if _, err := e.Run(context.Background(), "t1", "r1", NewSliceSource(events...)); err != nil {
		t.Fatal(err)
	}
	if obs.started != 1 || obs.finished[OutcomeCompleted] != 1 {
		t.Fatalf("started=%d finished=%v", obs.started, obs.finished)
	}
	if obs.applied["TEXT_MESSAGE_CONTENT"] != 2 {
		t.Errorf("applied content = %d, want 2", obs.applied["TEXT_MESSAGE_CONTENT"])
	}
	if obs.dropped["NOT_A_REAL_EVENT"] != 1 {
		t.Errorf("dropped unknown = %d", obs.dropped["NOT_A_REAL_EVENT"])
	}
	// RUN_FINISHED 之后没有当前 run, 残余事件被丢弃
	if obs.dropped["TEXT_MESSAGE_CONTENT"] != 1 {
		t.Errorf("dropped content = %d", obs.dropped["TEXT_MESSAGE_CONTENT"])
	}

	failing := SourceFunc(func(ctx context.Context) (event.Raw, error) { return nil, errors.New("boom") })
	if _, err := e.Run(context.Background(), "t1", "", failing); err == nil {
		t.Fatal("expected stream error")
	}
	if obs.started != 2 || obs.finished[OutcomeFailed] != 1 {
		t.Fatalf("started=%d finished=%v", obs.started, obs.finished)
	}
	if e.RunningCount() != 0 {
		t.Fatalf("RunningCount = %d", e.RunningCount())
	}
}

func TestObserver_RunErrorEventCountsAsFailed(t *testing.T) {
	obs := newCountingObserver()
	e := New(Options{IDs: &ids.Sequence{}, Observer: obs})
	src := NewSliceSource(
		raw("RUN_STARTED", "threadId", "t1", "runId", "r1"),
		raw("RUN_ERROR", "message", "quota", "code", "429"),
	)
	if _, err := e.Run(context.Background(), "t1", "r1", src); err != nil {
		t.Fatal(err)
	}
	if obs.finished[OutcomeFailed] != 1 || obs.finished[OutcomeCompleted] != 0 {
		t.Fatalf("finished = %v", obs.finished)
	}
}

func TestRunningCount(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.BeginRun("a", "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.BeginRun("b", "r2"); err != nil {
		t.Fatal(err)
	}
	if got := e.RunningCount(); got != 2 {
		t.Fatalf("RunningCount = %d, want 2", got)
	}
}
