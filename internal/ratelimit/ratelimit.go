// Package ratelimit throttles buyer-facing API calls per client IP with a
// token bucket.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/ticketescrow/internal/clock"
	"github.com/mbd888/ticketescrow/internal/metrics"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate.
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration
	// ExemptPrefixes are path prefixes never limited (provider webhooks,
	// health probes).
	ExemptPrefixes []string
}

// DefaultConfig returns 120 rpm with a burst of 20; webhooks and health
// probes are exempt.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/v1/webhooks/", "/health"},
	}
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg   Config
	every rate.Limit
	clock clock.Clock

	mu      sync.Mutex
	clients map[string]*visitor

	stop chan struct{}
	once sync.Once
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter on the wall clock and starts idle-client eviction.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, clock.NewSystem())
}

// NewWithClock is New with an injected clock. Buckets are always read at
// the clock's time, so a manual clock drives refill in tests.
func NewWithClock(cfg Config, clk clock.Clock) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	cfg.BurstSize = max(cfg.BurstSize, 1)
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		clock:   clk,
		clients: make(map[string]*visitor),
		stop:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.evictIdle(l.clock.Now().Add(-2 * l.cfg.CleanupInterval))
		}
	}
}

// evictIdle forgets clients not seen since cutoff. A forgotten client
// starts again with a full bucket.
func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.clients {
		if v.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop ends eviction. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) visitor(key string, now time.Time) *visitor {
	v, ok := l.clients[key]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(l.every, l.cfg.BurstSize)}
		l.clients[key] = v
	}
	v.lastSeen = now
	return v
}

// Allow consumes a token for key, reporting whether one was available.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take consumes a token or, when none is left, reports how long until one
// accrues.
func (l *Limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b := l.visitor(key, now).bucket
	if b.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - b.TokensAt(now)
	return false, time.Duration(missing / float64(l.every) * float64(time.Second))
}

// retryAfterSeconds rounds wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) int {
	return max(int(math.Ceil(wait.Seconds())), 1)
}

// Middleware limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, p := range l.cfg.ExemptPrefixes {
			if strings.HasPrefix(path, p) {
				c.Next()
				return
			}
		}

		if ok, wait := l.take(c.ClientIP()); !ok {
			secs := retryAfterSeconds(wait)
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
