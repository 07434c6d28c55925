// stream.go: 变更推送: SSE 与 websocket 两种订阅方式, 数据源都是 MessageBus。
package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-agui/internal/bus"
	"github.com/multi-agent/go-agui/pkg/logger"
)

const (
	wsMaxMessageSize = 4 << 20
	wsWriteTimeout   = 10 * time.Second
)

var clientSeq atomic.Int64

func nextClientID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), clientSeq.Add(1))
}

// topicFilter ?thread=<id> 只订阅单个 thread; ?topic= 直接指定前缀; 默认全部。
func topicFilter(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("thread")); id != "" {
		return bus.ThreadTopic(id)
	}
	if topic := strings.TrimSpace(c.Query("topic")); topic != "" {
		return topic
	}
	return bus.TopicAll
}

// sseHandler Gin SSE handler。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := nextClientID("sse")
	sub := s.bus.Subscribe(clientID, topicFilter(c))
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("httpapi: SSE client disconnected", logger.FieldSubscriber, clientID)
	}()
	logger.Info("httpapi: SSE client connected", logger.FieldSubscriber, clientID, "filter", sub.Filter)

	// 先发送响应头, 客户端无需等待第一条消息
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepalive := time.NewTimer(s.opts.SSEKeepAlive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-sub.Ch:
			if !ok {
				return false
			}
			c.SSEvent(msg.Type, msg)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(s.opts.SSEKeepAlive)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(s.opts.SSEKeepAlive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// wsHandler websocket 推送: 只写不读, 读循环仅用于感知关闭。
func (s *Server) wsHandler(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写入错误响应
		logger.Warn("httpapi: websocket upgrade failed", logger.FieldRemote, c.ClientIP(), logger.FieldError, err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(wsMaxMessageSize)

	clientID := nextClientID("ws")
	sub := s.bus.Subscribe(clientID, topicFilter(c))
	defer s.bus.Unsubscribe(clientID)
	logger.Info("httpapi: websocket client connected", logger.FieldSubscriber, clientID, "filter", sub.Filter)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("httpapi: websocket read error", logger.FieldSubscriber, clientID, logger.FieldError, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.SSEKeepAlive)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-sub.Ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				logger.Warn("httpapi: websocket write failed", logger.FieldSubscriber, clientID, logger.FieldError, err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			logger.Info("httpapi: websocket client disconnected", logger.FieldSubscriber, clientID)
			return
		}
	}
}

// checkLocalOrigin 只允许无 Origin (非浏览器) 或本机来源。
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
	} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") || strings.HasPrefix(origin, prefix+"/") {
			return true
		}
	}
	return false
}
