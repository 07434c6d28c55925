// handler.go: 会话 REST API handlers。
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/go-agui/internal/engine"
	"github.com/multi-agent/go-agui/internal/event"
	apperrors "github.com/multi-agent/go-agui/pkg/errors"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	if s.metrics != nil {
		s.router.Use(s.metrics.GinMiddleware())
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.router.GET("/healthz", s.healthz)

	api := s.router.Group("/api")
	if s.opts.RateLimitRPS > 0 {
		api.Use(rateLimit(newLimiterPool(s.opts.RateLimitRPS, s.opts.RateLimitBurst)))
	}

	api.GET("/threads", s.listThreads)
	api.POST("/threads", s.createThread)
	api.GET("/threads/:id", s.getThread)
	api.PATCH("/threads/:id", s.updateThread)
	api.DELETE("/threads/:id", s.deleteThread)

	api.POST("/threads/:id/messages", s.sendMessage)
	api.POST("/threads/:id/runs/:runId/retry", s.retryRun)
	api.POST("/threads/:id/fork", s.forkThread)
	api.POST("/threads/:id/events", s.applyEvents)

	api.PUT("/current", s.selectThread)
	api.GET("/snapshot", s.snapshot)

	api.GET("/events", s.sseHandler)
	api.GET("/ws", s.wsHandler)
}

func (s *Server) healthz(c *gin.Context) {
	success(c, gin.H{
		"threads":     len(s.eng.Summaries()),
		"running":     s.eng.RunningCount(),
		"routing":     s.eng.RoutingStats(),
		"subscribers": s.bus.SubscriberCount(),
		"agent":       s.agent != nil,
	})
}

// ========================================
// Thread 管理
// ========================================

func (s *Server) listThreads(c *gin.Context) {
	success(c, gin.H{
		"threads":         s.eng.Summaries(),
		"currentThreadId": s.eng.CurrentThreadID(),
	})
}

func (s *Server) createThread(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	// 请求体可选
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_request", err.Error())
			return
		}
	}
	t := s.eng.CreateThread()
	if title := strings.TrimSpace(req.Title); title != "" {
		if err := s.eng.UpdateThread(t.ID, title); err != nil {
			writeError(c, err)
			return
		}
		t.Title = title
	}
	created(c, t)
}

func (s *Server) getThread(c *gin.Context) {
	t, ok := s.eng.Thread(c.Param("id"))
	if !ok {
		notFound(c, "thread not found")
		return
	}
	success(c, t)
}

func (s *Server) updateThread(c *gin.Context) {
	var req struct {
		Title *string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == nil {
		badRequest(c, "invalid_request", "title required")
		return
	}
	id := c.Param("id")
	if err := s.eng.UpdateThread(id, *req.Title); err != nil {
		writeError(c, err)
		return
	}
	success(c, gin.H{"id": id, "title": *req.Title})
}

func (s *Server) deleteThread(c *gin.Context) {
	id := c.Param("id")
	if !s.eng.DeleteThread(id) {
		notFound(c, "thread not found")
		return
	}
	success(c, gin.H{"id": id, "deleted": true})
}

func (s *Server) selectThread(c *gin.Context) {
	var req struct {
		ThreadID string `json:"threadId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.eng.SetCurrentThread(strings.TrimSpace(req.ThreadID)); err != nil {
		writeError(c, err)
		return
	}
	success(c, gin.H{"currentThreadId": s.eng.CurrentThreadID()})
}

func (s *Server) snapshot(c *gin.Context) {
	threads, current := s.eng.Export()
	success(c, gin.H{"sessions": threads, "currentSessionId": current})
}

// ========================================
// Run
// ========================================

type sendMessageRequest struct {
	Content string `json:"content"`
	Wait    bool   `json:"wait"` // 等待 run 结束后返回完整 thread
	engine.RunOptions
}

// sendMessage 追加用户消息并发起 run。
func (s *Server) sendMessage(c *gin.Context) {
	if s.agent == nil {
		failure(c, http.StatusServiceUnavailable, "agent_unavailable", "agent not configured")
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		badRequest(c, "invalid_request", "content required")
		return
	}

	id := c.Param("id")
	turn, err := s.eng.AppendUserTurn(id, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	runID, done, err := s.startRun(id, turn.RunID, req.RunOptions)
	if err != nil {
		writeError(c, err)
		return
	}
	s.respondRun(c, req.Wait, id, runID, done, gin.H{"threadId": id, "runId": runID, "message": turn.Message})
}

// retryRun 重新请求最后一个 run。
func (s *Server) retryRun(c *gin.Context) {
	if s.agent == nil {
		failure(c, http.StatusServiceUnavailable, "agent_unavailable", "agent not configured")
		return
	}
	var req sendMessageRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_request", err.Error())
			return
		}
	}
	id, runID := c.Param("id"), c.Param("runId")
	th, ok := s.eng.Thread(id)
	if !ok {
		notFound(c, "thread not found")
		return
	}
	if th.FindRun(runID) == nil {
		notFound(c, "run not found")
		return
	}
	if cur, ok := s.eng.CurrentRun(id); ok {
		failure(c, http.StatusConflict, "run_in_progress", "run "+cur.RunID+" is still running")
		return
	}
	runID, done, err := s.startRun(id, runID, req.RunOptions)
	if err != nil {
		writeError(c, err)
		return
	}
	s.respondRun(c, req.Wait, id, runID, done, gin.H{"threadId": id, "runId": runID})
}

func (s *Server) respondRun(c *gin.Context, wait bool, threadID, runID string, done <-chan struct{}, body gin.H) {
	if !wait {
		accepted(c, body)
		return
	}
	select {
	case <-done:
	case <-c.Request.Context().Done():
		return
	}
	t, ok := s.eng.Thread(threadID)
	if !ok {
		notFound(c, "thread deleted during run "+runID)
		return
	}
	success(c, t)
}

func (s *Server) forkThread(c *gin.Context) {
	var req struct {
		MessageID string `json:"messageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" {
		badRequest(c, "invalid_request", "messageId required")
		return
	}
	id := c.Param("id")
	if !s.eng.ForkAtMessage(id, req.MessageID) {
		notFound(c, "thread or message not found")
		return
	}
	t, _ := s.eng.Thread(id)
	success(c, t)
}

// applyEvents 直接应用外部推送的原始事件 (单个对象或数组) 到当前 run。
func (s *Server) applyEvents(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.eng.Thread(id); !ok {
		notFound(c, "thread not found")
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	raws, err := decodeRawEvents(body)
	if err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	applied := 0
	for _, raw := range raws {
		if s.eng.ApplyRaw(id, raw) {
			applied++
		}
	}
	success(c, gin.H{"received": len(raws), "applied": applied})
}

func decodeRawEvents(body []byte) ([]event.Raw, error) {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return nil, apperrors.New("httpapi.decodeRawEvents", "empty body")
	}
	if body[0] == '[' {
		var list []event.Raw
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, apperrors.Wrap(err, "httpapi.decodeRawEvents", "decode event list")
		}
		return list, nil
	}
	var one event.Raw
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, apperrors.Wrap(err, "httpapi.decodeRawEvents", "decode event")
	}
	return []event.Raw{one}, nil
}
