package middleware

import (
	"net/http"
	"sync"
	"time"

	"chatbridge_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RequestLogger logs one structured line per request.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.HTTPRequest(
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			float64(time.Since(start).Microseconds())/1000.0,
			c.ClientIP(),
		)
	}
}

// RateLimit enforces a per-client-IP token bucket. Stale limiters are evicted
// lazily once the map grows past a soft cap.
func RateLimit(rps rate.Limit, burst int, log *logger.Logger) gin.HandlerFunc {
	type entry struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*entry)
	)

	const softCap = 4096

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		e, ok := clients[ip]
		if !ok {
			if len(clients) >= softCap {
				cutoff := time.Now().Add(-10 * time.Minute)
				for k, v := range clients {
					if v.lastSeen.Before(cutoff) {
						delete(clients, k)
					}
				}
			}
			e = &entry{limiter: rate.NewLimiter(rps, burst)}
			clients[ip] = e
		}
		e.lastSeen = time.Now()
		allowed := e.limiter.Allow()
		mu.Unlock()

		if !allowed {
			log.RateLimitExceeded(ip, c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
