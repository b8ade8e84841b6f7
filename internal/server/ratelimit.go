package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds the per-actor token bucket applied to writes. A zero Interval
// disables limiting.
type RateLimitConfig struct {
	Interval time.Duration
	Burst    int
}

type rateLimiterStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   RateLimitConfig
}

func newRateLimiterStore(config RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

func (s *rateLimiterStore) enabled() bool {
	return s.config.Interval > 0 && s.config.Burst > 0
}

func (s *rateLimiterStore) get(actorID string) *rate.Limiter {
	s.mu.RLock()
	limiter, ok := s.limiters[actorID]
	s.mu.RUnlock()
	if ok {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if limiter, ok := s.limiters[actorID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Every(s.config.Interval), s.config.Burst)
	s.limiters[actorID] = limiter
	return limiter
}

func (h *httpHandler) limitMutations(c *gin.Context) {
	if !h.limiters.enabled() {
		c.Next()
		return
	}
	actor := actorFromContext(c)
	if !h.limiters.get(actor.ID).Allow() {
		h.logger.Info("write rate limited", zap.String("actor_id", actor.ID), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   errorRateLimited,
			"code":    codeRateLimited,
			"message": "too many writes, retry shortly",
		})
		return
	}
	c.Next()
}
