package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type clientInfo struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is the per-process fallback used when Redis is not configured.
type LocalLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientInfo
	limit   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
}

// NewLocalLimiter allows maxRequests per window, refilled continuously.
func NewLocalLimiter(maxRequests int, window time.Duration) *LocalLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LocalLimiter{
		clients: make(map[string]*clientInfo),
		limit:   rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:   maxRequests,
		window:  window,
		now:     time.Now,
	}
}

func (l *LocalLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ci, ok := l.clients[key]
	if !ok {
		ci = &clientInfo{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = ci
	}
	ci.lastSeen = now
	allowed := ci.limiter.AllowN(now, 1)

	if len(l.clients) > 10000 {
		l.pruneLocked(now)
	}
	return allowed
}

// pruneLocked drops clients idle for longer than two windows.
func (l *LocalLimiter) pruneLocked(now time.Time) {
	for k, ci := range l.clients {
		if now.Sub(ci.lastSeen) > 2*l.window {
			delete(l.clients, k)
		}
	}
}

func (l *LocalLimiter) Limit(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(key(c)) {
			RLBlocked.WithLabelValues(c.FullPath()).Inc()
			tooMany(c, l.window)
			return
		}
		RLRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
