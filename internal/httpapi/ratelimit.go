package httpapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/multi-agent/go-agui/pkg/util"
)

const (
	// maxLimiters 超过后整体重建, 防止大量客户端 IP 撑大 map。
	maxLimiters = 10000
	maxBurst    = 10000
)

// limiterPool 每个客户端一个令牌桶。
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	burst = util.ClampInt(burst, 1, maxBurst)
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	if len(p.m) >= maxLimiters {
		p.m = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// Allow 按 key 消耗一个令牌。
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// rateLimit gin 中间件, 按 ClientIP 限流; 长连接 (SSE / websocket) 只在建立时计一次。
func rateLimit(p *limiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			failure(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}
