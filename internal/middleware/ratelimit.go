// 包 middleware：HTTP 入口中间件
package middleware

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"outage-map/internal/logger"
)

// 文档注释：令牌桶（每秒）
// 背景：地图前端按刷新间隔轮询 /features，异常客户端可能高频请求；按客户端限速保护快照编码与数据源计数查询。
// 约束：简化实现，不做队列排队，仅丢弃并返回 429。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	mu       sync.Mutex
}

func (tb *TokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := now.Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter：按客户端 IP 分桶；超过 idle 未出现的桶在下次清理时移除
type Limiter struct {
	qps     int
	idle    time.Duration
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	swept   time.Time
}

func NewLimiter(qps int) *Limiter {
	return &Limiter{qps: qps, idle: time.Minute, now: time.Now, buckets: make(map[string]*TokenBucket)}
}

func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.swept) > l.idle {
		for k, b := range l.buckets {
			b.mu.Lock()
			stale := now.Unix()-b.lastSec > int64(l.idle/time.Second)
			b.mu.Unlock()
			if stale {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &TokenBucket{capacity: l.qps, tokens: l.qps, lastSec: now.Unix()}
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow(now)
}

// ClientIP：优先常见反向代理头，最后回退到连接地址
func ClientIP(r *http.Request) string {
	h := r.Header
	if x := h.Get("x-forwarded-for"); x != "" {
		return strings.TrimSpace(strings.Split(x, ",")[0])
	}
	if x := h.Get("cf-connecting-ip"); x != "" {
		return x
	}
	if x := h.Get("x-real-ip"); x != "" {
		return x
	}
	if x := h.Get("forwarded"); x != "" {
		i := strings.Index(strings.ToLower(x), "for=")
		if i >= 0 {
			y := strings.Trim(x[i+4:], "\" ")
			if p := strings.IndexAny(y, ";,"); p >= 0 {
				y = y[:p]
			}
			return strings.Trim(y, "\"")
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Limit：超限返回 429
func Limit(l *Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !l.Allow(ip) {
			logger.L().Debug("rate_limited", "ip", ip, "path", r.URL.Path)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Wrap：RATE_LIMIT_ENABLED=true 时启用，RATE_LIMIT_QPS 默认 20/秒/客户端
func Wrap(next http.Handler) http.Handler {
	if os.Getenv("RATE_LIMIT_ENABLED") != "true" {
		return next
	}
	qps := 20
	if s := os.Getenv("RATE_LIMIT_QPS"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			qps = n
		}
	}
	logger.L().Info("rate_limit_enabled", "qps", qps)
	return Limit(NewLimiter(qps), next)
}
