package middleware

import (
	"net"
	"net/http"
	"sync"

	"github.com/Hood-Codivo/streamcast/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore keeps one limiter per key (client IP).
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP rate limiting to REST requests.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	store := newRateLimiterStore(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	return func(c *gin.Context) {
		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// ConnectionLimiter gates new websocket connections per IP. The signal
// endpoint calls Allow before upgrading.
type ConnectionLimiter struct {
	store *rateLimiterStore
}

func NewConnectionLimiter(cfg *config.Config) *ConnectionLimiter {
	if !cfg.RateLimiting.Enabled {
		return &ConnectionLimiter{}
	}
	perSecond := float64(cfg.RateLimiting.WebSocket.ConnectionsPerMinute) / 60.0
	return &ConnectionLimiter{
		store: newRateLimiterStore(rate.Limit(perSecond), cfg.RateLimiting.WebSocket.ConnectionsPerMinute),
	}
}

func (l *ConnectionLimiter) Allow(r *http.Request) bool {
	if l.store == nil {
		return true
	}
	return l.store.getLimiter(clientIP(r)).Allow()
}
