// Package transport 连接代理端点, 把线路上的事件流适配为 engine.EventSource。
//
//   - HTTPAgent: POST RunAgentInput, 解析 text/event-stream 响应
//   - WSAgent:   websocket 发送 RunAgentInput, 逐帧读取 JSON 事件
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/go-agui/internal/engine"
	"github.com/multi-agent/go-agui/internal/event"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
	"github.com/multi-agent/go-agui/pkg/util"
)

const (
	defaultErrBodyLimit = 4096
	maxSSELine          = 4 * 1024 * 1024
)

// Agent 代理端点: 发送一次 RunAgentInput, 返回该 run 的事件源。
type Agent interface {
	Run(ctx context.Context, input engine.RunAgentInput) (engine.EventSource, error)
}

// NewAgent 按 URL scheme 选择实现: ws:// wss:// → WSAgent, 其他 → HTTPAgent。
func NewAgent(url string, opts HTTPAgentOptions) Agent {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") {
		h := http.Header{}
		for k, v := range opts.Headers {
			h.Set(k, v)
		}
		return NewWSAgent(url, h)
	}
	return NewHTTPAgent(url, opts)
}

// HTTPAgent AG-UI HTTP 代理客户端。
type HTTPAgent struct {
	url          string
	headers      map[string]string
	client       *http.Client
	errBodyLimit int
}

// HTTPAgentOptions 构造参数。
type HTTPAgentOptions struct {
	Headers      map[string]string
	Timeout      time.Duration // 整个流的超时, 0 = 不限
	ErrBodyLimit int           // 非 2xx 响应体保留字节数, <=0 → 4096
	Client       *http.Client  // nil → 新建
}

// NewHTTPAgent 创建客户端; url 末尾的 "/" 会被去掉。
func NewHTTPAgent(url string, opts HTTPAgentOptions) *HTTPAgent {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limit := opts.ErrBodyLimit
	if limit <= 0 {
		limit = defaultErrBodyLimit
	}
	return &HTTPAgent{
		url:          strings.TrimRight(url, "/"),
		headers:      opts.Headers,
		client:       client,
		errBodyLimit: limit,
	}
}

// URL 代理端点。
func (a *HTTPAgent) URL() string { return a.url }

// Run 发起请求并返回事件源。非 2xx 响应返回带 HTTP_<status> 错误码的错误。
func (a *HTTPAgent) Run(ctx context.Context, input engine.RunAgentInput) (engine.EventSource, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, apperrors.Wrap(err, "HTTPAgent.Run", "marshal input")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, "HTTPAgent.Run", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	logger.Debug("transport: agent request",
		logger.FieldURL, a.url,
		logger.FieldThreadID, input.ThreadID,
		logger.FieldRunID, input.RunID,
		logger.FieldCount, len(input.Messages),
	)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apperrors.WithCode(err, "HTTPAgent.Run", "NETWORK_ERROR", "agent request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		var buf bytes.Buffer
		lw := util.NewLimitedWriter(&buf, a.errBodyLimit)
		_, _ = io.Copy(lw, resp.Body)
		msg := strings.TrimSpace(buf.String())
		if lw.Overflow() {
			msg += "..."
		}
		return nil, apperrors.WithCode(
			fmt.Errorf("status %d: %s", resp.StatusCode, msg),
			"HTTPAgent.Run",
			httpCode(resp.StatusCode),
			"agent responded with error",
		)
	}
	return NewSSESource(resp.Body), nil
}

// ========================================
// SSESource: text/event-stream → event.Raw
// ========================================

// SSESource 按 SSE 规则读取事件: 连续的 data: 行以 "\n" 拼接, 空行结束一个事件。
// 非 JSON 的 data 与注释行被忽略。
type SSESource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
}

// NewSSESource 包装响应体; 读到结尾或出错后自动关闭。
func NewSSESource(body io.ReadCloser) *SSESource {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSESource{body: body, scanner: sc}
}

// Next 实现 engine.EventSource。
func (s *SSESource) Next(ctx context.Context) (event.Raw, error) {
	var data []string
	for {
		if err := ctx.Err(); err != nil {
			s.Close()
			return nil, err
		}
		if !s.scanner.Scan() {
			err := s.scanner.Err()
			s.Close()
			if err == nil || errors.Is(err, io.EOF) {
				// 流结束时未以空行收尾的最后一个事件
				if raw, ok := decodeData(data); ok {
					return raw, nil
				}
				return nil, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, apperrors.WithCode(err, "SSESource.Next", "STREAM_ERROR", "read event stream")
		}

		line := strings.TrimSuffix(s.scanner.Text(), "\r")
		switch {
		case line == "":
			if raw, ok := decodeData(data); ok {
				return raw, nil
			}
			data = data[:0]
		case strings.HasPrefix(line, ":"):
			// 注释 / keepalive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close 关闭底层响应体。
func (s *SSESource) Close() {
	s.closeOnce.Do(func() { _ = s.body.Close() })
}

func decodeData(lines []string) (event.Raw, bool) {
	if len(lines) == 0 {
		return nil, false
	}
	payload := strings.Join(lines, "\n")
	if payload == "[DONE]" {
		return nil, false
	}
	var raw event.Raw
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || raw == nil {
		logger.Debug("transport: non-json sse data ignored", logger.FieldError, err)
		return nil, false
	}
	return raw, true
}
