// Package httpapi 会话引擎的 HTTP 服务: REST 操作 + SSE / websocket 变更推送。
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-agui/internal/bus"
	"github.com/multi-agent/go-agui/internal/engine"
	"github.com/multi-agent/go-agui/internal/event"
	"github.com/multi-agent/go-agui/internal/metrics"
	"github.com/multi-agent/go-agui/internal/transport"
	"github.com/multi-agent/go-agui/pkg/logger"
	"github.com/multi-agent/go-agui/pkg/util"
)

const (
	defaultKeepAlive  = 15 * time.Second
	defaultRunTimeout = 10 * time.Minute
	busBufferSize     = 256
)

// Deps 外部依赖。Agent / Metrics 可为 nil。
type Deps struct {
	Engine  *engine.Engine
	Agent   transport.Agent
	Metrics *metrics.Metrics
}

// Options 服务参数, 零值可用。
type Options struct {
	SSEKeepAlive   time.Duration
	RunTimeout     time.Duration
	RateLimitRPS   float64 // <=0 不限流
	RateLimitBurst int
}

// Server 会话引擎 HTTP 服务。
type Server struct {
	router  *gin.Engine
	eng     *engine.Engine
	agent   transport.Agent
	metrics *metrics.Metrics
	bus     *bus.MessageBus
	opts    Options

	upgrader websocket.Upgrader

	unsubscribe func()
	runCtx      context.Context
	cancelRuns  context.CancelFunc
	runs        sync.WaitGroup
	closeOnce   sync.Once
}

// NewServer 创建服务并订阅引擎变更。
func NewServer(deps Deps, opts Options) *Server {
	if opts.SSEKeepAlive <= 0 {
		opts.SSEKeepAlive = defaultKeepAlive
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}

	r := gin.New()
	r.Use(gin.Recovery())
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:     r,
		eng:        deps.Engine,
		agent:      deps.Agent,
		metrics:    deps.Metrics,
		bus:        bus.NewMessageBus(busBufferSize),
		opts:       opts,
		upgrader:   websocket.Upgrader{CheckOrigin: checkLocalOrigin},
		runCtx:     ctx,
		cancelRuns: cancel,
	}
	s.bus.SetOnPublish(func(msg bus.Message) {
		if logger.DebugEnabled() {
			logger.Debug("httpapi: published", "topic", msg.Topic, logger.FieldSeq, msg.Seq, logger.FieldThreadID, msg.ThreadID)
		}
	})
	s.unsubscribe = s.eng.Subscribe(s.bridge)
	s.registerRoutes()
	return s
}

// Router 返回 Gin 引擎。
func (s *Server) Router() *gin.Engine { return s.router }

// Bus 返回推送总线。
func (s *Server) Bus() *bus.MessageBus { return s.bus }

// Handler 实现 http.Handler 入口。
func (s *Server) Handler() http.Handler { return s.router }

// Close 取消订阅, 取消后台 run 并等待其结束。
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.cancelRuns()
		s.runs.Wait()
	})
}

// ========================================
// Notifier → MessageBus 桥接
// ========================================

// threadsPayload 列表级推送内容。
type threadsPayload struct {
	Op              string `json:"op"`
	ThreadID        string `json:"threadId,omitempty"`
	CurrentThreadID string `json:"currentThreadId"`
	ThreadCount     int    `json:"threadCount"`
}

// bridge 在引擎写锁内执行: 序列化涉及的 thread 后立即返回。
func (s *Server) bridge(snap bus.Snapshot) {
	if t := snap.Thread(); t != nil {
		data, err := json.Marshal(t)
		if err != nil {
			logger.Warn("httpapi: marshal thread failed", logger.FieldThreadID, snap.ThreadID, logger.FieldError, err)
		} else {
			s.bus.Publish(bus.Message{
				Topic:    bus.ThreadTopic(snap.ThreadID),
				Type:     snap.Op,
				ThreadID: snap.ThreadID,
				Payload:  data,
			})
		}
	}
	// 逐事件变更只推 thread topic; 其余操作同时更新列表
	if snap.Op == bus.OpEvent {
		return
	}
	data, _ := json.Marshal(threadsPayload{
		Op:              snap.Op,
		ThreadID:        snap.ThreadID,
		CurrentThreadID: snap.CurrentThreadID,
		ThreadCount:     len(snap.Threads),
	})
	s.bus.Publish(bus.Message{
		Topic:    bus.TopicThreads,
		Type:     snap.Op,
		ThreadID: snap.ThreadID,
		Payload:  data,
	})
}

// ========================================
// 后台 run
// ========================================

// startRun 标记 run 开始后在后台请求代理并驱动事件流。返回的 channel 在 Drive 结束后关闭。
func (s *Server) startRun(threadID, runID string, opts engine.RunOptions) (string, <-chan struct{}, error) {
	run, err := s.eng.BeginRun(threadID, runID)
	if err != nil {
		return "", nil, err
	}
	runID = run.RunID

	done := make(chan struct{})
	s.runs.Add(1)
	util.SafeGo(func() {
		defer s.runs.Done()
		defer close(done)
		ctx, cancel := context.WithTimeout(s.runCtx, s.opts.RunTimeout)
		defer cancel()
		ctx = logger.WithContext(ctx, logger.With(logger.FieldThreadID, threadID, logger.FieldRunID, runID))
		_ = s.drive(ctx, threadID, runID, opts)
	})
	return runID, done, nil
}

// drive 组装输入、请求代理并驱动; 请求失败同样经 Drive 记录为 run 错误。
func (s *Server) drive(ctx context.Context, threadID, runID string, opts engine.RunOptions) error {
	log := logger.FromContext(ctx)
	input, err := s.eng.BuildRunInput(threadID, runID, opts)
	if err != nil {
		log.Warn("httpapi: build run input failed", logger.FieldError, err)
		return s.eng.Drive(ctx, threadID, runID, failingSource(err))
	}
	src, err := s.agent.Run(ctx, input)
	if err != nil {
		log.Warn("httpapi: agent request failed", logger.FieldError, err)
		return s.eng.Drive(ctx, threadID, runID, failingSource(err))
	}
	return s.eng.Drive(ctx, threadID, runID, src)
}

func failingSource(err error) engine.EventSource {
	return engine.SourceFunc(func(context.Context) (event.Raw, error) { return nil, err })
}
