package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-agui/internal/engine"
	"github.com/multi-agent/go-agui/internal/event"
	"github.com/multi-agent/go-agui/internal/ids"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
)

// ─── helpers ───

func drain(t *testing.T, src engine.EventSource) ([]event.Raw, error) {
	t.Helper()
	var out []event.Raw
	for {
		raw, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, raw)
	}
}

func types(events []event.Raw) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i], _ = e["type"].(string)
	}
	return out
}

// ─── SSE parsing ───

func TestSSESource_Parsing(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "basic frames",
			body: "data: {\"type\":\"RUN_STARTED\"}\n\ndata: {\"type\":\"RUN_FINISHED\"}\n\n",
			want: []string{"RUN_STARTED", "RUN_FINISHED"},
		},
		{
			name: "crlf and comments",
			body: ": keepalive\r\ndata: {\"type\":\"RUN_STARTED\"}\r\n\r\n",
			want: []string{"RUN_STARTED"},
		},
		{
			name: "multi-line data joined",
			body: "data: {\"type\":\ndata: \"TEXT_MESSAGE_CONTENT\"}\n\n",
			want: []string{"TEXT_MESSAGE_CONTENT"},
		},
		{
			name: "event and id lines ignored",
			body: "event: message\nid: 7\ndata: {\"type\":\"STEP_STARTED\"}\n\n",
			want: []string{"STEP_STARTED"},
		},
		{
			name: "garbage and done skipped",
			body: "data: not json\n\ndata: [DONE]\n\ndata: {\"type\":\"RUN_FINISHED\"}\n\n",
			want: []string{"RUN_FINISHED"},
		},
		{
			name: "last frame without blank line",
			body: "data: {\"type\":\"RUN_FINISHED\"}",
			want: []string{"RUN_FINISHED"},
		},
		{
			name: "no data",
			body: "",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSSESource(io.NopCloser(strings.NewReader(tt.body)))
			got, err := drain(t, src)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if strings.Join(types(got), ",") != strings.Join(tt.want, ",") {
				t.Fatalf("types = %v, want %v", types(got), tt.want)
			}
		})
	}
}

func TestSSESource_CanceledContext(t *testing.T) {
	src := NewSSESource(io.NopCloser(strings.NewReader("data: {\"type\":\"RUN_STARTED\"}\n\n")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// ─── HTTPAgent ───

func TestHTTPAgent_StreamsIntoEngine(t *testing.T) {
	received := make(chan engine.RunAgentInput, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("X-Token") != "secret" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var got engine.RunAgentInput
		_ = json.NewDecoder(r.Body).Decode(&got)
		received <- got
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []string{
			`{"type":"RUN_STARTED","threadId":"t1","runId":"` + got.RunID + `"}`,
			`{"type":"TEXT_MESSAGE_START","messageId":"a1","role":"assistant"}`,
			`{"type":"TEXT_MESSAGE_CONTENT","messageId":"a1","delta":"Bonjour"}`,
			`{"type":"TEXT_MESSAGE_END","messageId":"a1"}`,
			`{"type":"RUN_FINISHED","threadId":"t1","runId":"` + got.RunID + `"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	e := engine.New(engine.Options{IDs: &ids.Sequence{}})
	e.CreateThread() // thread_1
	turn, err := e.AppendUserTurn("thread_1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	input, err := e.BuildRunInput("thread_1", turn.RunID, engine.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	agent := NewHTTPAgent(srv.URL+"/", HTTPAgentOptions{Headers: map[string]string{"X-Token": "secret"}})
	if agent.URL() != srv.URL {
		t.Fatalf("URL = %q, trailing slash should be trimmed", agent.URL())
	}
	src, err := agent.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := e.Run(context.Background(), "thread_1", turn.RunID, src); err != nil {
		t.Fatalf("engine.Run: %v", err)
	}

	got := <-received
	if got.ThreadID != "thread_1" || len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Fatalf("agent received %+v", got)
	}
	th, _ := e.Thread("thread_1")
	run := th.Runs[0]
	if run.IsRunning || len(run.Messages) != 2 {
		t.Fatalf("run = running %v messages %d", run.IsRunning, len(run.Messages))
	}
}

func TestHTTPAgent_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	agent := NewHTTPAgent(srv.URL, HTTPAgentOptions{ErrBodyLimit: 10})
	_, err := agent.Run(context.Background(), engine.RunAgentInput{ThreadID: "t", RunID: "r"})
	if err == nil {
		t.Fatal("expected error")
	}
	if code := apperrors.CodeOf(err); code != "HTTP_502" {
		t.Fatalf("code = %q, want HTTP_502", code)
	}
	if !strings.Contains(err.Error(), "xxxxxxxxxx...") || strings.Contains(err.Error(), strings.Repeat("x", 11)) {
		t.Fatalf("error body not truncated: %v", err)
	}
}

func TestHTTPAgent_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPAgent(url, HTTPAgentOptions{}).Run(context.Background(), engine.RunAgentInput{})
	if code := apperrors.CodeOf(err); code != "NETWORK_ERROR" {
		t.Fatalf("code = %q (err %v), want NETWORK_ERROR", code, err)
	}
}

// ─── WSAgent ───

func newWSAgentServer(t *testing.T, frames []string, closeNormally bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var input engine.RunAgentInput
		if err := conn.ReadJSON(&input); err != nil {
			return
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		if closeNormally {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_, _, _ = conn.ReadMessage()
		}
	}))
}

func wsURL(httpURL string) string { return "ws" + strings.TrimPrefix(httpURL, "http") }

func TestWSAgent_StopsAfterTerminalEvent(t *testing.T) {
	srv := newWSAgentServer(t, []string{
		`{"type":"RUN_STARTED"}`,
		`not json`,
		`{"type":"RUN_FINISHED"}`,
		`{"type":"TEXT_MESSAGE_START"}`,
	}, false)
	defer srv.Close()

	src, err := NewAgent(wsURL(srv.URL), HTTPAgentOptions{}).Run(context.Background(), engine.RunAgentInput{ThreadID: "t"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := drain(t, src)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if strings.Join(types(got), ",") != "RUN_STARTED,RUN_FINISHED" {
		t.Fatalf("types = %v", types(got))
	}
}

func TestWSAgent_NormalCloseIsEOF(t *testing.T) {
	srv := newWSAgentServer(t, []string{`{"type":"RUN_STARTED"}`}, true)
	defer srv.Close()

	src, err := NewWSAgent(wsURL(srv.URL), nil).Run(context.Background(), engine.RunAgentInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := drain(t, src)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d", len(got))
	}
}

func TestWSAgent_HandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWSAgent(wsURL(srv.URL), nil).Run(context.Background(), engine.RunAgentInput{})
	if code := apperrors.CodeOf(err); code != "HTTP_403" {
		t.Fatalf("code = %q (err %v), want HTTP_403", code, err)
	}
}

func TestNewAgent_SchemeSelection(t *testing.T) {
	tests := []struct {
		url    string
		wantWS bool
	}{
		{"http://localhost:8000/agent", false},
		{"https://example.com", false},
		{"ws://localhost:8000", true},
		{"WSS://example.com", true},
	}
	for _, tt := range tests {
		_, isWS := NewAgent(tt.url, HTTPAgentOptions{}).(*WSAgent)
		if isWS != tt.wantWS {
			t.Errorf("NewAgent(%q) ws = %v, want %v", tt.url, isWS, tt.wantWS)
		}
	}
}
