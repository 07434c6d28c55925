package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-agui/internal/engine"
	"github.com/multi-agent/go-agui/internal/event"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

const (
	wsMaxMessageSize = 4 << 20 // 4MB
	wsDialTimeout    = 5 * time.Second
)

// WSAgent 通过 websocket 连接代理: 连接后发送一条 RunAgentInput JSON,
// 之后每个文本帧是一个 AG-UI 事件。
type WSAgent struct {
	url     string
	headers http.Header
	dialer  websocket.Dialer
}

// NewWSAgent 创建 websocket 代理客户端。
func NewWSAgent(url string, headers http.Header) *WSAgent {
	return &WSAgent{
		url:     url,
		headers: headers,
		dialer: websocket.Dialer{
			HandshakeTimeout: wsDialTimeout,
			NetDialContext:   (&net.Dialer{Timeout: wsDialTimeout}).DialContext,
		},
	}
}

// Run 建立连接、发送输入并返回事件源。
func (a *WSAgent) Run(ctx context.Context, input engine.RunAgentInput) (engine.EventSource, error) {
	conn, resp, err := a.dialer.DialContext(ctx, a.url, a.headers)
	if err != nil {
		if resp != nil {
			return nil, apperrors.WithCode(err, "WSAgent.Run", httpCode(resp.StatusCode), "websocket handshake failed")
		}
		return nil, apperrors.WithCode(err, "WSAgent.Run", "NETWORK_ERROR", "websocket dial failed")
	}
	conn.SetReadLimit(wsMaxMessageSize)
	if err := conn.WriteJSON(input); err != nil {
		_ = conn.Close()
		return nil, apperrors.Wrap(err, "WSAgent.Run", "send input")
	}
	return NewWSSource(conn), nil
}

// ========================================
// WSSource: websocket 帧 → event.Raw
// ========================================

// WSSource 从 websocket 连接读取 JSON 事件。
// 正常关闭帧或读到 RUN_FINISHED / RUN_ERROR 之后返回 io.EOF。
type WSSource struct {
	conn     *websocket.Conn
	terminal bool

	closeOnce sync.Once
}

// NewWSSource 包装已建立的连接。
func NewWSSource(conn *websocket.Conn) *WSSource {
	return &WSSource{conn: conn}
}

// Next 实现 engine.EventSource。ctx 取消时关闭连接以打断阻塞的读。
func (s *WSSource) Next(ctx context.Context) (event.Raw, error) {
	if s.terminal {
		s.Close()
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, apperrors.WithCode(err, "WSSource.Next", "STREAM_ERROR", "read websocket")
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var raw event.Raw
		if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
			logger.Debug("transport: non-json websocket frame ignored", logger.FieldError, err)
			continue
		}
		if event.Kind(typeOf(raw)).IsTerminal() {
			s.terminal = true
		}
		return raw, nil
	}
}

// Close 发送关闭帧并关闭连接。
func (s *WSSource) Close() {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func typeOf(raw event.Raw) string {
	s, _ := raw["type"].(string)
	return s
}

// httpCode 错误码 HTTP_<status>。
func httpCode(status int) string {
	if status <= 0 {
		return "NETWORK_ERROR"
	}
	return "HTTP_" + strconv.Itoa(status)
}
